// Package retry provides the single retry policy applied at every blocking
// boundary of a table pipeline: source fetch, stage upload and warehouse load.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ajitpratap0/tablemirror/pkg/errors"
)

// Policy defines retry behavior
type Policy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64

	// Retryable decides whether an error is transient. Defaults to errors.IsRetryable.
	Retryable func(error) bool
	// OnRetry is called before sleeping between attempts.
	OnRetry func(attempt int, delay time.Duration, err error)

	sleep func(ctx context.Context, d time.Duration) error
}

// NewPolicy creates a new retry policy with exponential backoff
func NewPolicy(maxAttempts int, initialDelay time.Duration) *Policy {
	return &Policy{
		MaxAttempts:     maxAttempts,
		InitialDelay:    initialDelay,
		MaxDelay:        5 * time.Minute,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}
}

// DefaultPolicy returns a sensible default retry policy
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:     5,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}
}

// NoRetryPolicy returns a policy that doesn't retry
func NoRetryPolicy() *Policy {
	return &Policy{
		MaxAttempts: 1,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. The last error keeps its classification.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = errors.IsRetryable
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return err
		}

		// Don't sleep after the last attempt
		if attempt == attempts-1 {
			break
		}

		delay := p.calculateDelay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}
		if err := p.wait(ctx, delay); err != nil {
			return errors.Wrap(err, errors.ErrorTypeTimeout, "retry cancelled")
		}
	}

	return errors.Propagate(lastErr, fmt.Sprintf("all %d attempts failed", attempts))
}

func (p *Policy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// calculateDelay calculates the delay for a given attempt
func (p *Policy) calculateDelay(attempt int) time.Duration {
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt))

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	// Apply randomization factor (jitter)
	if p.RandomizeFactor > 0 {
		delta := delay * p.RandomizeFactor
		minDelay := delay - delta
		maxDelay := delay + delta
		delay = minDelay + (rand.Float64() * (maxDelay - minDelay))
	}

	return time.Duration(delay)
}

// GetDelay returns the delay for a specific attempt (for testing/preview)
func (p *Policy) GetDelay(attempt int) time.Duration {
	return p.calculateDelay(attempt)
}

// Clone creates a copy of the retry policy
func (p *Policy) Clone() *Policy {
	c := *p
	return &c
}

// WithMaxAttempts returns a new policy with updated max attempts
func (p *Policy) WithMaxAttempts(attempts int) *Policy {
	policy := p.Clone()
	policy.MaxAttempts = attempts
	return policy
}

// WithDelay returns a new policy with updated delays
func (p *Policy) WithDelay(initial, max time.Duration) *Policy {
	policy := p.Clone()
	policy.InitialDelay = initial
	policy.MaxDelay = max
	return policy
}

// WithOnRetry returns a new policy that reports retries to fn
func (p *Policy) WithOnRetry(fn func(attempt int, delay time.Duration, err error)) *Policy {
	policy := p.Clone()
	policy.OnRetry = fn
	return policy
}

// Package logger owns the process-wide zap logger and the run/table
// fields attached to log lines.
package logger

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	global *zap.Logger
	mu     sync.Mutex
)

type ctxKey int

const (
	tableKey ctxKey = iota
	runKey
)

// Config selects level, encoding and sinks of the global logger.
type Config struct {
	Level       string
	Development bool
	Encoding    string // json or console
	OutputPaths []string
}

// Init builds the global logger from cfg, flushing any previous one.
func Init(cfg Config) error {
	l, err := build(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	if global != nil {
		_ = global.Sync()
	}
	global = l
	return nil
}

func build(cfg Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	if cfg.Encoding != "" {
		zc.Encoding = cfg.Encoding
	}
	if len(cfg.OutputPaths) > 0 {
		zc.OutputPaths = cfg.OutputPaths
	}
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.MessageKey = "message"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return l, nil
}

// Get returns the global logger, building a production one on first use.
func Get() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		l, err := build(Config{})
		if err != nil {
			l = zap.NewNop()
		}
		global = l
	}
	return global
}

// Sync flushes the global logger.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		return nil
	}
	return global.Sync()
}

// ContextWithTable returns a context carrying the table and run ids.
func ContextWithTable(ctx context.Context, tableID, runID string) context.Context {
	ctx = context.WithValue(ctx, tableKey, tableID)
	return context.WithValue(ctx, runKey, runID)
}

// FromContext decorates base with the table and run ids carried by ctx.
func FromContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	l := base
	if id, ok := ctx.Value(tableKey).(string); ok {
		l = l.With(zap.String("table_id", id))
	}
	if id, ok := ctx.Value(runKey).(string); ok {
		l = l.With(zap.String("run_id", id))
	}
	return l
}

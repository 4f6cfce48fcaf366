package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ajitpratap0/tablemirror/pkg/errors"
)

// EnvPrefix prefixes every process setting read from the environment,
// e.g. TABLEMIRROR_MAX_WORKERS or TABLEMIRROR_RETRY_MAX_ATTEMPTS.
const EnvPrefix = "TABLEMIRROR"

// Settings are the process-wide knobs, as opposed to the per-database
// replication files.
type Settings struct {
	ConfigsPath string        `mapstructure:"configs_path"`
	StatePath   string        `mapstructure:"state_path"`
	MaxWorkers  int           `mapstructure:"max_workers"`
	Schedule    string        `mapstructure:"schedule"`
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
	RunTimeout  time.Duration `mapstructure:"run_timeout"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	MetricsAddr string `mapstructure:"metrics_addr"`
	Trace       bool   `mapstructure:"trace"`

	Retry RetrySettings `mapstructure:"retry"`
}

// RetrySettings configure the backoff applied to connectivity errors.
type RetrySettings struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

// NewViper returns a viper instance with every setting defaulted and bound
// to its TABLEMIRROR_* environment variable.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("configs_path", "configs")
	v.SetDefault("state_path", "tablemirror.db")
	v.SetDefault("max_workers", 10)
	v.SetDefault("schedule", "")
	v.SetDefault("lock_ttl", time.Hour)
	v.SetDefault("run_timeout", 0)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("trace", false)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_delay", time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	return v
}

// LoadSettings reads the optional settings file into v and decodes the
// result. Flags bound to v before the call take precedence.
func LoadSettings(v *viper.Viper, file string) (*Settings, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "read settings file")
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "decode settings")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the settings for values no component can work with.
func (s *Settings) Validate() error {
	if s.MaxWorkers <= 0 {
		return errors.Newf(errors.ErrorTypeConfig, "max_workers must be positive, got %d", s.MaxWorkers)
	}
	if s.StatePath == "" {
		return errors.New(errors.ErrorTypeConfig, "state_path is required")
	}
	if s.LockTTL <= 0 {
		return errors.New(errors.ErrorTypeConfig, "lock_ttl must be positive")
	}
	if s.Retry.MaxAttempts <= 0 {
		return errors.New(errors.ErrorTypeConfig, "retry.max_attempts must be positive")
	}
	if s.Retry.Multiplier < 1 {
		return errors.New(errors.ErrorTypeConfig, "retry.multiplier must be at least 1")
	}
	return nil
}

package mailbox

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"github.com/kyawmyohlaing/mailbox/messages"
)

// ErrInvalidConfig is wrapped by every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid mailbox configuration")

// EnvPrefix is the prefix of the environment variables that override
// configuration keys: MAILBOX_WORKERS, MAILBOX_LOG_LEVEL, MAILBOX_LOG_FORMAT.
const EnvPrefix = "MAILBOX"

// Config holds the process-level settings of the mailbox system.
type Config struct {
	// Workers is the number of worker threads. Zero means GOMAXPROCS.
	Workers int `mapstructure:"workers"`
	// LogLevel is one of TRACE, INFO, WARN or ERROR.
	LogLevel string `mapstructure:"log_level"`
	// LogFormat is "text" or "json".
	LogFormat string `mapstructure:"log_format"`

	level *slog.LevelVar
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		Workers:   runtime.GOMAXPROCS(0),
		LogLevel:  "INFO",
		LogFormat: "text",
	}
}

// SetDefaults installs the defaults and environment binding on v.
func SetDefaults(v *viper.Viper) {
	defaults := DefaultConfig()
	v.SetDefault("workers", defaults.Workers)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
}

// LoadConfig reads the configuration out of v and validates it.
func LoadConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the Config for invalid values.
func (c *Config) Validate() error {
	var problems []string

	if c.Workers < 0 {
		problems = append(problems, fmt.Sprintf("workers: must not be negative (got: %d)", c.Workers))
	}
	if _, ok := messages.ParseLevel(c.LogLevel); !ok {
		problems = append(problems, fmt.Sprintf("log_level: unknown level (got: %q)", c.LogLevel))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log_format: must be text or json (got: %q)", c.LogFormat))
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
}

// Logger returns a slog-backed Logger writing to w, or to standard error
// if w is nil. Loggers from the same Config share its level, so a later
// Reload takes effect on all of them.
func (c *Config) Logger(w io.Writer) Logger {
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: c.levelVar()}
	var h slog.Handler
	if strings.EqualFold(c.LogFormat, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return SlogLogger(slog.New(h))
}

// Reload re-reads the log level from v. Other settings only take effect
// on a restart.
func (c *Config) Reload(v *viper.Viper) error {
	level := v.GetString("log_level")
	l, ok := messages.ParseLevel(level)
	if !ok {
		return fmt.Errorf("%w: log_level: unknown level (got: %q)", ErrInvalidConfig, level)
	}
	c.LogLevel = level
	c.levelVar().Set(l.Slog())
	return nil
}

func (c *Config) levelVar() *slog.LevelVar {
	if c.level == nil {
		c.level = new(slog.LevelVar)
		l, _ := messages.ParseLevel(c.LogLevel)
		c.level.Set(l.Slog())
	}
	return c.level
}

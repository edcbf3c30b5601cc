package mailbox

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfigDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadConfig(v)
	if err != nil {
		t.Fatal(err)
	}
	def := DefaultConfig()
	if cfg.Workers != def.Workers || cfg.LogLevel != def.LogLevel || cfg.LogFormat != def.LogFormat {
		t.Fatalf("defaults not applied: %#v", cfg)
	}
}

func TestLoadConfigEnvironment(t *testing.T) {
	t.Setenv("MAILBOX_WORKERS", "3")
	t.Setenv("MAILBOX_LOG_FORMAT", "json")

	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadConfig(v)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workers != 3 || cfg.LogFormat != "json" {
		t.Fatalf("environment not applied: %#v", cfg)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	for _, cfg := range []*Config{
		{Workers: -1, LogLevel: "INFO", LogFormat: "text"},
		{Workers: 1, LogLevel: "LOUD", LogFormat: "text"},
		{Workers: 1, LogLevel: "INFO", LogFormat: "xml"},
	} {
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%#v: expected ErrInvalidConfig, got %v", cfg, err)
		}
	}

	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config does not validate: %v", err)
	}
}

func TestConfigLoggerReload(t *testing.T) {
	t.Parallel()

	cfg := &Config{Workers: 1, LogLevel: "INFO", LogFormat: "json"}
	var buf bytes.Buffer
	l := cfg.Logger(&buf)

	l.Trace("hidden")
	l.Info("shown")
	if out := buf.String(); strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("unexpected log output: %s", out)
	}

	v := viper.New()
	v.Set("log_level", "ERROR")
	if err := cfg.Reload(v); err != nil {
		t.Fatal(err)
	}

	buf.Reset()
	l.Warn("quiet now")
	l.Error("still loud")
	if out := buf.String(); strings.Contains(out, "quiet now") || !strings.Contains(out, "still loud") {
		t.Fatalf("reload did not change the level: %s", out)
	}

	v.Set("log_level", "whisper")
	if err := cfg.Reload(v); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestWithConfig(t *testing.T) {
	t.Parallel()

	cfg := &Config{Workers: 3, LogLevel: "ERROR", LogFormat: "text"}
	m, err := NewManager(newLoopback(), WithConfig(cfg))
	if err != nil {
		t.Fatal(err)
	}
	if m.Workers() != 3 {
		t.Fatalf("expected 3 workers, have %d", m.Workers())
	}
}

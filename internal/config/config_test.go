package config

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

// requiredEnv sets the two URLs validation insists on.
func requiredEnv(t *testing.T) {
	t.Setenv("DIALCORE_BACKEND_URL", "https://backend.example.com/api")
	t.Setenv("DIALCORE_SIGNALING_URL", "wss://signaling.example.com/ws")
}

func TestDefaults(t *testing.T) {
	// Clear any env vars that might interfere.
	for _, env := range []string{
		"DIALCORE_DATA_DIR", "DIALCORE_HTTP_PORT", "DIALCORE_API_KEY",
		"DIALCORE_DEVICE_ID", "DIALCORE_LEAD_REFRESH_INTERVAL",
		"DIALCORE_LOG_LEVEL", "DIALCORE_LOG_FORMAT",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
	requiredEnv(t)

	os.Args = []string{"dialcored"}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.LeadRefreshInterval != defaultLeadRefreshInterval {
		t.Errorf("LeadRefreshInterval = %v, want %v", cfg.LeadRefreshInterval, defaultLeadRefreshInterval)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if cfg.LogFormat != defaultLogFormat {
		t.Errorf("LogFormat = %q, want %q", cfg.LogFormat, defaultLogFormat)
	}
}

func TestEnvVarOverride(t *testing.T) {
	os.Args = []string{"dialcored"}
	requiredEnv(t)
	t.Setenv("DIALCORE_HTTP_PORT", "9090")
	t.Setenv("DIALCORE_DATA_DIR", "/tmp/dialcore-test")
	t.Setenv("DIALCORE_LEAD_REFRESH_INTERVAL", "5m")
	t.Setenv("DIALCORE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.DataDir != "/tmp/dialcore-test" {
		t.Errorf("DataDir = %q, want /tmp/dialcore-test", cfg.DataDir)
	}
	if cfg.LeadRefreshInterval != 5*time.Minute {
		t.Errorf("LeadRefreshInterval = %v, want 5m", cfg.LeadRefreshInterval)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	// CLI flags should override env vars.
	os.Args = []string{"dialcored", "--http-port", "3000", "--log-level", "warn"}
	requiredEnv(t)
	t.Setenv("DIALCORE_HTTP_PORT", "9090")
	t.Setenv("DIALCORE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			DataDir:             "./data",
			HTTPPort:            8573,
			BackendURL:          "https://backend.example.com",
			SignalingURL:        "wss://signaling.example.com/ws",
			LeadRefreshInterval: 15 * time.Minute,
			LogLevel:            "info",
			LogFormat:           "text",
		}
	}

	if err := base().validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port too low", func(c *Config) { c.HTTPPort = 0 }},
		{"port too high", func(c *Config) { c.HTTPPort = 70000 }},
		{"missing backend url", func(c *Config) { c.BackendURL = "" }},
		{"relative backend url", func(c *Config) { c.BackendURL = "backend.example.com" }},
		{"missing signaling url", func(c *Config) { c.SignalingURL = "" }},
		{"http signaling url", func(c *Config) { c.SignalingURL = "https://signaling.example.com" }},
		{"refresh interval too short", func(c *Config) { c.LeadRefreshInterval = 10 * time.Second }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidateTrimsBackendURL(t *testing.T) {
	cfg := &Config{
		HTTPPort:            8573,
		BackendURL:          "https://backend.example.com/",
		SignalingURL:        "wss://signaling.example.com/ws",
		LeadRefreshInterval: 15 * time.Minute,
		LogLevel:            "INFO",
		LogFormat:           "JSON",
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.BackendURL != "https://backend.example.com" {
		t.Errorf("BackendURL = %q, want trailing slash trimmed", cfg.BackendURL)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Errorf("log settings not lowercased: %q %q", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestResolvedDeviceID(t *testing.T) {
	cfg := &Config{DeviceID: "agent-7"}
	if got := cfg.ResolvedDeviceID(); got != "agent-7" {
		t.Errorf("ResolvedDeviceID = %q, want agent-7", got)
	}

	cfg = &Config{}
	if got := cfg.ResolvedDeviceID(); got == "" {
		t.Error("ResolvedDeviceID fallback should not be empty")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		cfg := &Config{LogLevel: tt.level}
		if got := cfg.SlogLevel(); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

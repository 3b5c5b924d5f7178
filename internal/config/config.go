// Package config loads DialCore's runtime configuration.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the DialCore agent.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir             string
	HTTPPort            int           // control API listen port (loopback)
	BackendURL          string        // REST backend for tokens and leads
	APIKey              string        // authenticates this agent at the backend
	SignalingURL        string        // provider signaling WebSocket endpoint
	DeviceID            string        // device identity for token binding
	LeadRefreshInterval time.Duration // how often the lead directory is refreshed
	LogLevel            string        // debug, info, warn, error
	LogFormat           string        // text or json
}

// defaults
const (
	defaultDataDir             = "./data"
	defaultHTTPPort            = 8573
	defaultLeadRefreshInterval = 15 * time.Minute
	defaultLogLevel            = "info"
	defaultLogFormat           = "text"
)

// envPrefix is the prefix for all DialCore environment variables.
const envPrefix = "DIALCORE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("dialcored", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the registration store")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "control API listen port")
	fs.StringVar(&cfg.BackendURL, "backend-url", "", "backend REST API root for token and lead fetches")
	fs.StringVar(&cfg.APIKey, "api-key", "", "API key authenticating this agent at the backend")
	fs.StringVar(&cfg.SignalingURL, "signaling-url", "", "provider signaling WebSocket endpoint (wss://...)")
	fs.StringVar(&cfg.DeviceID, "device-id", "", "device identity bound into access tokens (defaults to hostname)")
	fs.DurationVar(&cfg.LeadRefreshInterval, "lead-refresh-interval", defaultLeadRefreshInterval, "lead directory refresh interval")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the
	// command line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was
// not explicitly provided on the command line.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"data-dir":              envPrefix + "DATA_DIR",
		"http-port":             envPrefix + "HTTP_PORT",
		"backend-url":           envPrefix + "BACKEND_URL",
		"api-key":               envPrefix + "API_KEY",
		"signaling-url":         envPrefix + "SIGNALING_URL",
		"device-id":             envPrefix + "DEVICE_ID",
		"lead-refresh-interval": envPrefix + "LEAD_REFRESH_INTERVAL",
		"log-level":             envPrefix + "LOG_LEVEL",
		"log-format":            envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "backend-url":
			cfg.BackendURL = val
		case "api-key":
			cfg.APIKey = val
		case "signaling-url":
			cfg.SignalingURL = val
		case "device-id":
			cfg.DeviceID = val
		case "lead-refresh-interval":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.LeadRefreshInterval = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.BackendURL == "" {
		return fmt.Errorf("backend-url is required")
	}
	if u, err := url.Parse(c.BackendURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend-url must be an absolute URL, got %q", c.BackendURL)
	}
	c.BackendURL = strings.TrimRight(c.BackendURL, "/")

	if c.SignalingURL == "" {
		return fmt.Errorf("signaling-url is required")
	}
	u, err := url.Parse(c.SignalingURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("signaling-url must be a ws:// or wss:// URL, got %q", c.SignalingURL)
	}

	if c.LeadRefreshInterval < time.Minute {
		return fmt.Errorf("lead-refresh-interval must be at least 1m, got %s", c.LeadRefreshInterval)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// ResolvedDeviceID returns the configured device id, falling back to
// the machine hostname.
func (c *Config) ResolvedDeviceID() string {
	if c.DeviceID != "" {
		return c.DeviceID
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "dialcore-agent"
	}
	return hostname
}

// SlogHandler returns a slog.Handler configured with the selected
// format and level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log
// level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

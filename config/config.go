// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// The only hard requirement is REPLIVE_REFRESH_TOKEN; use Validate before starting workers.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Replive
	RefreshToken string
	Channels     []string
	APIBaseURL   string

	// Recorder
	RecorderPath string
	DataDir      string
	StopGrace    time.Duration

	// Polling / credential schedule
	PollInterval       time.Duration
	PollConcurrency    int
	TokenRefreshMargin time.Duration
	ShutdownTimeout    time.Duration

	// Database (optional; empty disables recording history)
	DBDsn string
}

// Load reads environment variables and applies defaults. It doesn't fail if the
// refresh token is missing; use Validate() when you require the monitor to run.
// An empty REPLIVE_CHANNELS watches every followed channel.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.RefreshToken = os.Getenv("REPLIVE_REFRESH_TOKEN")

	if v := os.Getenv("REPLIVE_CHANNELS"); v != "" {
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				cfg.Channels = append(cfg.Channels, c)
			}
		}
	}

	cfg.APIBaseURL = os.Getenv("REPLIVE_API_BASE")
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.replive.com/"
	}

	cfg.RecorderPath = os.Getenv("RECORDER_PATH")
	if cfg.RecorderPath == "" {
		cfg.RecorderPath = "ffmpeg"
	}

	cfg.DataDir = os.Getenv("DATA_DIR")
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}

	cfg.StopGrace = envDuration("STOP_GRACE", 10*time.Second)
	cfg.PollInterval = envDuration("POLL_INTERVAL", 5*time.Second)
	cfg.TokenRefreshMargin = envDuration("TOKEN_REFRESH_MARGIN", 3*time.Minute)
	cfg.ShutdownTimeout = envDuration("SHUTDOWN_TIMEOUT", 30*time.Second)

	cfg.PollConcurrency = 4
	if s := os.Getenv("POLL_CONCURRENCY"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			cfg.PollConcurrency = n
		}
	}

	cfg.DBDsn = os.Getenv("DB_DSN")

	return cfg, nil
}

// Validate checks required fields for unattended monitoring.
func (c *Config) Validate() error {
	if c.RefreshToken == "" {
		return fmt.Errorf("missing REPLIVE_REFRESH_TOKEN (capture one from the Replive app and set it in the environment)")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	return nil
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Server  ServerConfig  `json:"server"`
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	GitHub  GitHubConfig  `json:"github"`

	// Scheduler controls the due-user scan loop and its worker pool.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Alerts controls optional operator notifications on exhausted retries.
	Alerts *AlertsConfig `json:"alerts,omitempty"`
}

// ServerConfig controls the HTTP ingress surface.
type ServerConfig struct {
	Addr string `json:"addr"`

	// APIToken authenticates management endpoints. Never logged.
	APIToken string `json:"api_token"`

	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// RateLimitConfig is a fixed-window per-client request limit.
type RateLimitConfig struct {
	// Window is a Go duration string (e.g. "1m"). Default "1m".
	Window string `json:"window,omitempty"`
	// MaxRequests per window per client. Default 60.
	MaxRequests int `json:"max_requests,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the document store backend.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "file":   dependency-free jsonl/snapshot backend
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// GitHubConfig controls the repository-host API client.
type GitHubConfig struct {
	BaseURL string `json:"base_url,omitempty"` // default "https://api.github.com"
	Timeout string `json:"timeout,omitempty"`  // per-call timeout, default "30s"

	// RatePerSec caps outbound host API calls across all pipelines.
	RatePerSec int `json:"rate_per_sec,omitempty"` // default 5
}

// SchedulerConfig controls the due-user scanner and its execution pool.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - tick: "* * * * *" (every minute)
//   - workers: 4
//   - queue_size: 64
//   - max_predelay: "1h"
//   - stop_timeout: "30s"
type SchedulerConfig struct {
	Enabled   bool   `json:"enabled"`
	Tick      string `json:"tick,omitempty"`
	Workers   int    `json:"workers,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`

	// MaxPredelay bounds the random sleep each pipeline takes before touching
	// the host, decorrelating commit times from the scan tick.
	MaxPredelay string `json:"max_predelay,omitempty"`

	// StopTimeout bounds how long shutdown waits for in-flight pipelines.
	StopTimeout string `json:"stop_timeout,omitempty"`
}

// AlertsConfig controls failure notifications to an operator chat.
type AlertsConfig struct {
	Enabled    bool                `json:"enabled"`
	Telegram   AlertTelegramConfig `json:"telegram"`
	RatePerSec int                 `json:"rate_per_sec,omitempty"`
}

type AlertTelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

// Validate checks cross-field constraints that the strict decoder can't.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	switch strings.TrimSpace(c.Storage.Driver) {
	case "sqlite", "file":
	case "":
		return errors.New("storage.driver is required")
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	if strings.TrimSpace(c.Server.APIToken) == "" {
		return errors.New("server.api_token is required")
	}
	if _, err := ParseDurationField("github.timeout", c.GitHub.Timeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.max_predelay", c.Scheduler.MaxPredelay); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.stop_timeout", c.Scheduler.StopTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("server.rate_limit.window", c.Server.RateLimit.Window); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if c.Alerts != nil && c.Alerts.Enabled {
		if strings.TrimSpace(c.Alerts.Telegram.Token) == "" {
			return errors.New("alerts.telegram.token is required when alerts are enabled")
		}
		if c.Alerts.Telegram.ChatID == 0 {
			return errors.New("alerts.telegram.chat_id is required when alerts are enabled")
		}
	}
	return nil
}

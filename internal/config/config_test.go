package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  addr: ":3001"
  api_token: "secret"
  rate_limit:
    window: "1m"
    max_requests: 60
logging:
  level: "info"
  console: true
  file:
    enabled: false
    path: ""
storage:
  driver: "sqlite"
  path: "./data/commitpulse.db"
github:
  timeout: "30s"
  rate_per_sec: 5
scheduler:
  enabled: true
  workers: 4
  queue_size: 64
  max_predelay: "1h"
  stop_timeout: "30s"
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestParseValidYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", validYAML))

	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Addr != ":3001" || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("config = %+v", cfg)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.Workers != 4 {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Alerts != nil {
		t.Fatalf("absent alerts section decoded as %+v", cfg.Alerts)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	body := strings.Replace(validYAML, "scheduler:", "schedulerr:", 1)
	m := NewManager(writeConfig(t, "config.yaml", body))

	if _, err := m.Parse(); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestParseValidationErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		mut  func(string) string
	}{
		{"missing driver", func(s string) string { return strings.Replace(s, `driver: "sqlite"`, `driver: ""`, 1) }},
		{"unknown driver", func(s string) string { return strings.Replace(s, `driver: "sqlite"`, `driver: "bolt"`, 1) }},
		{"missing addr", func(s string) string { return strings.Replace(s, `addr: ":3001"`, `addr: ""`, 1) }},
		{"missing api token", func(s string) string { return strings.Replace(s, `api_token: "secret"`, `api_token: ""`, 1) }},
		{"bad duration", func(s string) string { return strings.Replace(s, `max_predelay: "1h"`, `max_predelay: "soon"`, 1) }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeConfig(t, "config.yaml", tc.mut(validYAML)))
			if _, err := m.Parse(); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}

func TestValidateAlerts(t *testing.T) {
	t.Parallel()
	body := validYAML + `
alerts:
  enabled: true
  telegram:
    token: ""
    chat_id: 0
`
	m := NewManager(writeConfig(t, "config.yaml", body))
	if _, err := m.Parse(); err == nil {
		t.Fatal("enabled alerts without token accepted")
	}
}

func TestParseJSONConfig(t *testing.T) {
	t.Parallel()
	body := `{
  "server": {"addr": ":3001", "api_token": "secret"},
  "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}},
  "storage": {"driver": "file", "path": "./data/store.json"},
  "github": {},
  "scheduler": {"enabled": false}
}`
	m := NewManager(writeConfig(t, "config.json", body))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Storage.Driver != "file" {
		t.Fatalf("config = %+v", cfg)
	}
}

func TestLoadCommitsAndGet(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", validYAML))

	if m.Get() != nil {
		t.Fatal("Get before Load returned config")
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return committed config")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 90s "); err != nil || d != 90*time.Second {
		t.Fatalf("d=%v err=%v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: d=%v err=%v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	if _, err := ParseDurationField("x", "nope"); err == nil {
		t.Fatal("garbage duration accepted")
	}

	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default: d=%v err=%v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "2m", time.Minute); err != nil || d != 2*time.Minute {
		t.Fatalf("explicit: d=%v err=%v", d, err)
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected defaults to load, got error: %v", err)
	}

	if cfg.Snapshot.PollInterval != 5*time.Second {
		t.Errorf("expected 5s poll interval, got %s", cfg.Snapshot.PollInterval)
	}
	if cfg.Batch.Initial != 80 || cfg.Batch.Min != 1 || cfg.Batch.Max != 200 {
		t.Errorf("unexpected batch defaults: %+v", cfg.Batch)
	}
	if cfg.Batch.PerStream["scores"] != 80 {
		t.Errorf("expected scores batch 80, got %d", cfg.Batch.PerStream["scores"])
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.Multiplier != 1.6 || cfg.Retry.MaxDelay != 20*time.Second {
		t.Errorf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if cfg.HTTPTimeout != 120*time.Second {
		t.Errorf("expected 120s timeout, got %s", cfg.HTTPTimeout)
	}
	if cfg.QuarantineAfter != 3 {
		t.Errorf("expected quarantine_after 3, got %d", cfg.QuarantineAfter)
	}
	if len(cfg.WebAPI.Streams) != 4 {
		t.Errorf("expected all streams for web api, got %v", cfg.WebAPI.Streams)
	}
}

func TestLoadLegacyEnvironment(t *testing.T) {
	t.Setenv("WEB_API_KEY", "test-key-123")
	t.Setenv("WEB_API_URL", "https://guild.example.com/api/upload")
	t.Setenv("POLL_INTERVAL", "2.5")
	t.Setenv("HTTP_TIMEOUT", "30")
	t.Setenv("STATS_BATCH_SIZE", "40")
	t.Setenv("GUILD_REALM", "Aerie Peak")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.WebAPI.APIKey != "test-key-123" {
		t.Errorf("expected API key 'test-key-123', got '%s'", cfg.WebAPI.APIKey)
	}
	if cfg.WebAPI.URL != "https://guild.example.com/api/upload" {
		t.Errorf("unexpected URL %q", cfg.WebAPI.URL)
	}
	if cfg.Snapshot.PollInterval != 2500*time.Millisecond {
		t.Errorf("expected 2.5s poll interval, got %s", cfg.Snapshot.PollInterval)
	}
	if cfg.HTTPTimeout != 30*time.Second {
		t.Errorf("expected 30s timeout, got %s", cfg.HTTPTimeout)
	}
	if cfg.Batch.PerStream["scores"] != 40 {
		t.Errorf("expected scores batch 40, got %d", cfg.Batch.PerStream["scores"])
	}
	if cfg.Realm.Default != "Aerie Peak" {
		t.Errorf("unexpected realm %q", cfg.Realm.Default)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	content := `
snapshot:
  path: /data/guild.json.zst
batch:
  initial: 50
web_api:
  enabled: false
sheets:
  enabled: true
  url: https://script.example.com/exec
  token: abc
  streams: [roster, activity]
  sheet_names:
    roster: Members
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Snapshot.Path != "/data/guild.json.zst" || cfg.Batch.Initial != 50 {
		t.Errorf("file values not applied: %+v %+v", cfg.Snapshot, cfg.Batch)
	}
	if cfg.Sheets.SheetNames["roster"] != "Members" {
		t.Errorf("unexpected sheet names %v", cfg.Sheets.SheetNames)
	}
	if errs := cfg.DestinationErrors(); errs != nil {
		t.Errorf("expected valid destinations, got %v", errs)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func validConfig() Config {
	return Config{
		Snapshot:        SnapshotConfig{Path: "snap.json", PollInterval: time.Second},
		State:           StateConfig{Directory: "state"},
		Batch:           BatchConfig{Initial: 80, Min: 1, Max: 200, GrowAfter: 3},
		Retry:           RetryConfig{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 20 * time.Second, Multiplier: 1.6},
		QuarantineAfter: 3,
		HTTPTimeout:     time.Minute,
		WebAPI: WebAPIConfig{
			Enabled: true,
			URL:     "https://guild.example.com/upload",
			APIKey:  "k",
			Streams: []string{"roster", "chat"},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"no snapshot", func(c *Config) { c.Snapshot.Path = "" }, "snapshot.path"},
		{"min zero", func(c *Config) { c.Batch.Min = 0 }, "batch.min"},
		{"initial above max", func(c *Config) { c.Batch.Initial = 500 }, "batch.initial"},
		{"unknown per-stream", func(c *Config) { c.Batch.PerStream = map[string]int{"mail": 5} }, "unknown stream"},
		{"bad multiplier", func(c *Config) { c.Retry.Multiplier = 0.5 }, "multiplier"},
		{"negative quarantine", func(c *Config) { c.QuarantineAfter = -1 }, "quarantine_after"},
		{"no destination", func(c *Config) { c.WebAPI.Enabled = false }, "at least one destination"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestDestinationErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Sheets = SheetsConfig{Enabled: true, URL: "ftp://nope", Streams: []string{"roster", "mail"}}

	errs := cfg.DestinationErrors()
	if errs == nil {
		t.Fatal("expected destination errors")
	}
	if errs.Disabled(DestinationWebAPI) {
		t.Error("web api is valid and must stay enabled")
	}
	if !errs.Disabled(DestinationSheets) {
		t.Error("sheets should be disabled")
	}

	msg := errs.Error()
	for _, want := range []string{"sheets.url", "sheets.token", `"mail"`} {
		if !strings.Contains(msg, want) {
			t.Errorf("error should mention %s, got:\n%s", want, msg)
		}
	}
}

func TestDestinationErrorsMissingKey(t *testing.T) {
	cfg := validConfig()
	cfg.WebAPI.APIKey = ""

	errs := cfg.DestinationErrors()
	if !errs.Disabled(DestinationWebAPI) {
		t.Fatal("web api without key should be disabled")
	}
	if !strings.Contains(errs.Error(), "WEB_API_KEY") {
		t.Errorf("error should point at WEB_API_KEY, got %v", errs)
	}
}

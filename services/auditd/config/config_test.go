package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigParsesFullDocument(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
stream_url: "wss://ledgerd.internal:8080/ws/events"
checkpoint: "/var/data/auditd-checkpoint.db"
database:
  driver: "postgres"
  dsn: "host=db user=audit dbname=ledger_audit"
export:
  directory: "/var/data/exports"
  interval: "30m"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":9090" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if cfg.StreamURL != "wss://ledgerd.internal:8080/ws/events" {
		t.Fatalf("unexpected stream url: %q", cfg.StreamURL)
	}
	if cfg.Database.Driver != "postgres" {
		t.Fatalf("unexpected driver: %q", cfg.Database.Driver)
	}
	if cfg.Export.Interval.Duration != 30*time.Minute {
		t.Fatalf("unexpected export interval: %s", cfg.Export.Interval.Duration)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "{}\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":8082" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if cfg.StreamURL != "ws://localhost:8080/ws/events" {
		t.Fatalf("unexpected stream url: %q", cfg.StreamURL)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.DSN != "./auditd.sqlite" {
		t.Fatalf("unexpected database defaults: %+v", cfg.Database)
	}
	if cfg.Export.Interval.Duration != time.Hour {
		t.Fatalf("unexpected export interval: %s", cfg.Export.Interval.Duration)
	}
}

func TestLoadConfigRejections(t *testing.T) {
	cases := []struct {
		name     string
		contents string
		want     string
	}{
		{
			name:     "unknown driver",
			contents: "database:\n  driver: \"mysql\"\n  dsn: \"dsn\"\n",
			want:     "not supported",
		},
		{
			name:     "postgres without dsn",
			contents: "database:\n  driver: \"postgres\"\n",
			want:     "dsn must be configured",
		},
		{
			name:     "plain http stream",
			contents: "stream_url: \"http://localhost:8080/ws/events\"\n",
			want:     "ws:// or wss://",
		},
		{
			name:     "export interval too small",
			contents: "export:\n  interval: \"5s\"\n",
			want:     "too small",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.contents)
			_, err := Load(path)
			if err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

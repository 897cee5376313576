package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for auditd.
type Config struct {
	ListenAddress  string         `yaml:"listen"`
	StreamURL      string         `yaml:"stream_url"`
	CheckpointPath string         `yaml:"checkpoint"`
	Database       DatabaseConfig `yaml:"database"`
	Export         ExportConfig   `yaml:"export"`
}

// DatabaseConfig selects the archive backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ExportConfig tunes the periodic parquet export run.
type ExportConfig struct {
	Directory string   `yaml:"directory"`
	Interval  Duration `yaml:"interval"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8082"
	}
	if cfg.StreamURL == "" {
		cfg.StreamURL = "ws://localhost:8080/ws/events"
	}
	if cfg.CheckpointPath == "" {
		cfg.CheckpointPath = "./auditd-checkpoint.db"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.DSN == "" {
		cfg.Database.DSN = "./auditd.sqlite"
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Export.Directory == "" {
		cfg.Export.Directory = "./exports"
	}
	if cfg.Export.Interval.Duration == 0 {
		cfg.Export.Interval.Duration = time.Hour
	}
}

func validate(cfg Config) error {
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database driver %q not supported", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database dsn must be configured")
	}
	if !strings.HasPrefix(cfg.StreamURL, "ws://") && !strings.HasPrefix(cfg.StreamURL, "wss://") {
		return fmt.Errorf("stream_url must use ws:// or wss://")
	}
	if cfg.Export.Interval.Duration < time.Minute {
		return fmt.Errorf("export interval %s too small, minimum 1m", cfg.Export.Interval.Duration)
	}
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"lendledger/ledger"
)

const (
	defaultRPCAddress          = ":8080"
	defaultAdminAddress        = ":8081"
	defaultDataDir             = "./ledger-data"
	defaultStorageBackend      = BackendLevelDB
	defaultTickIntervalSeconds = 5
	defaultMaxQuoteAgeSeconds  = 300
)

// Storage backends accepted by the daemon.
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
)

// Config is the daemon configuration, loaded from TOML.
type Config struct {
	// RPCAddress is the JSON-RPC and websocket listen address.
	RPCAddress string `toml:"RPCAddress"`
	// AdminAddress serves /healthz, /metrics and the pause switch.
	AdminAddress string `toml:"AdminAddress"`
	DataDir      string `toml:"DataDir"`
	// StorageBackend selects "leveldb" (persistent) or "memory" (dev).
	StorageBackend string `toml:"StorageBackend"`
	// TickIntervalSeconds is the wall-clock period between ledger ticks.
	TickIntervalSeconds uint64 `toml:"TickIntervalSeconds"`

	RPC       RPCConfig        `toml:"rpc"`
	Ledger    ledger.Params    `toml:"ledger"`
	Oracle    OracleConfig     `toml:"oracle"`
	Genesis   []GenesisAccount `toml:"genesis"`
	Telemetry TelemetryConfig  `toml:"telemetry"`
}

// Load reads the configuration at path, creating a default file when none
// exists yet. The returned config has defaults applied and is validated.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = defaultRPCAddress
	}
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = defaultAdminAddress
	}
	c.StorageBackend = strings.ToLower(strings.TrimSpace(c.StorageBackend))
	if c.StorageBackend == "" {
		c.StorageBackend = defaultStorageBackend
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = defaultDataDir
	}
	if c.TickIntervalSeconds == 0 {
		c.TickIntervalSeconds = defaultTickIntervalSeconds
	}
	c.Ledger = c.Ledger.EnsureDefaults()
	if c.Oracle.MaxQuoteAgeSeconds == 0 {
		c.Oracle.MaxQuoteAgeSeconds = defaultMaxQuoteAgeSeconds
	}
}

// createDefault creates and saves a default configuration file. The default
// runs a single-node dev ledger with a manual par price.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		RPCAddress:          defaultRPCAddress,
		AdminAddress:        defaultAdminAddress,
		DataDir:             defaultDataDir,
		StorageBackend:      defaultStorageBackend,
		TickIntervalSeconds: defaultTickIntervalSeconds,
		Ledger:              ledger.DefaultParams(),
		Oracle: OracleConfig{
			ManualRate:         "1",
			MaxQuoteAgeSeconds: defaultMaxQuoteAgeSeconds,
		},
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

package config

import (
	"fmt"
	"math/big"
	"strings"

	"lendledger/crypto"
)

// RPCConfig carries the transport hardening knobs for the JSON-RPC server.
// AuthToken may be left empty and supplied through the LEDGER_RPC_TOKEN
// environment variable instead.
type RPCConfig struct {
	AuthToken           string  `toml:"AuthToken"`
	JWTSecret           string  `toml:"JWTSecret"`
	RateLimitRPS        float64 `toml:"RateLimitRPS"`
	RateLimitBurst      int     `toml:"RateLimitBurst"`
	ReadTimeoutSeconds  uint64  `toml:"ReadTimeoutSeconds"`
	WriteTimeoutSeconds uint64  `toml:"WriteTimeoutSeconds"`
	TLSCertFile         string  `toml:"TLSCertFile"`
	TLSKeyFile          string  `toml:"TLSKeyFile"`
}

// OracleConfig selects the price sources for the collateral pair. When feeds
// are configured they are consulted through an aggregator in priority order;
// ManualRate registers a manual feed (dev setups and incident overrides).
type OracleConfig struct {
	ManualRate         string       `toml:"ManualRate"`
	MaxQuoteAgeSeconds uint64       `toml:"MaxQuoteAgeSeconds"`
	Priority           []string     `toml:"Priority"`
	Feeds              []FeedConfig `toml:"feeds"`
}

// FeedConfig describes one HTTP quote endpoint. The API key is read from the
// named environment variable so secrets stay out of the config file.
type FeedConfig struct {
	Name      string `toml:"Name"`
	Endpoint  string `toml:"Endpoint"`
	APIKeyEnv string `toml:"APIKeyEnv"`
}

// TelemetryConfig configures the OTLP exporters. Headers uses the
// comma-separated key=value form of OTEL_EXPORTER_OTLP_HEADERS.
type TelemetryConfig struct {
	Environment string `toml:"Environment"`
	Endpoint    string `toml:"Endpoint"`
	Insecure    bool   `toml:"Insecure"`
	Headers     string `toml:"Headers"`
	Metrics     bool   `toml:"Metrics"`
	Traces      bool   `toml:"Traces"`
}

// GenesisAccount seeds a bank account on first boot. Amounts are decimal
// strings and accept scientific notation ("5000e18").
type GenesisAccount struct {
	Address    string `toml:"Address"`
	Base       string `toml:"Base"`
	Collateral string `toml:"Collateral"`
}

// Allocation is the parsed runtime form of a genesis entry.
type Allocation struct {
	Address    crypto.Address
	Base       *big.Int
	Collateral *big.Int
}

// GenesisAllocations parses the configured genesis entries into runtime
// values, validating addresses and amounts.
func (c *Config) GenesisAllocations() ([]Allocation, error) {
	allocations := make([]Allocation, 0, len(c.Genesis))
	for i, entry := range c.Genesis {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(entry.Address))
		if err != nil {
			return nil, fmt.Errorf("invalid genesis[%d].Address: %w", i, err)
		}
		if addr.Prefix() != crypto.LedgerPrefix {
			return nil, fmt.Errorf("invalid genesis[%d].Address: expected %q prefix", i, crypto.LedgerPrefix)
		}
		base, err := parseUintAmount(entry.Base)
		if err != nil {
			return nil, fmt.Errorf("invalid genesis[%d].Base: %w", i, err)
		}
		collateral, err := parseUintAmount(entry.Collateral)
		if err != nil {
			return nil, fmt.Errorf("invalid genesis[%d].Collateral: %w", i, err)
		}
		allocations = append(allocations, Allocation{
			Address:    addr,
			Base:       base,
			Collateral: collateral,
		})
	}
	return allocations, nil
}

// parseUintAmount parses a non-negative integer amount. Scientific notation
// is accepted as long as the value normalises to a whole number.
func parseUintAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("amount %q is not a number", value)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("amount %q is negative", value)
	}
	if !rat.IsInt() {
		return nil, fmt.Errorf("amount %q is not a whole number", value)
	}
	return new(big.Int).Set(rat.Num()), nil
}

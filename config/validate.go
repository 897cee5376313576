package config

import (
	"fmt"
	"strings"
)

// Validate rejects configurations the daemon cannot run safely with. Called
// by Load after defaults are applied.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RPCAddress) == "" {
		return fmt.Errorf("RPCAddress required")
	}
	switch c.StorageBackend {
	case BackendMemory:
	case BackendLevelDB:
		if strings.TrimSpace(c.DataDir) == "" {
			return fmt.Errorf("DataDir required for the leveldb backend")
		}
	default:
		return fmt.Errorf("StorageBackend %q not supported", c.StorageBackend)
	}
	if c.TickIntervalSeconds == 0 {
		return fmt.Errorf("TickIntervalSeconds must be positive")
	}

	if c.Ledger.MinCollateralRatioBps < 10_000 {
		return fmt.Errorf("ledger: MinCollateralRatioBps below 10000 leaves new loans instantly liquidatable")
	}
	if strings.EqualFold(c.Ledger.CollateralSymbol, c.Ledger.BaseSymbol) {
		return fmt.Errorf("ledger: CollateralSymbol and BaseSymbol must differ")
	}

	if strings.TrimSpace(c.Oracle.ManualRate) == "" && len(c.Oracle.Feeds) == 0 {
		return fmt.Errorf("oracle: no price source configured")
	}
	for i, feed := range c.Oracle.Feeds {
		if strings.TrimSpace(feed.Name) == "" {
			return fmt.Errorf("oracle: feeds[%d].Name required", i)
		}
		if strings.TrimSpace(feed.Endpoint) == "" {
			return fmt.Errorf("oracle: feeds[%d].Endpoint required", i)
		}
	}

	if c.RPC.RateLimitRPS < 0 {
		return fmt.Errorf("rpc: RateLimitRPS must not be negative")
	}
	if c.RPC.RateLimitBurst < 0 {
		return fmt.Errorf("rpc: RateLimitBurst must not be negative")
	}
	if (c.RPC.TLSCertFile == "") != (c.RPC.TLSKeyFile == "") {
		return fmt.Errorf("rpc: TLSCertFile and TLSKeyFile must be set together")
	}

	if _, err := c.GenesisAllocations(); err != nil {
		return err
	}
	return nil
}

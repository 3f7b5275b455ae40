package config

import (
	"fmt"
	"strings"

	"github.com/Klingon-tech/klingnet-vault/internal/electrum"
	"github.com/Klingon-tech/klingnet-vault/internal/price"
)

// Validate checks the config for obvious operator mistakes and normalizes
// case-insensitive values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	cfg.Network = NetworkType(strings.ToLower(string(cfg.Network)))
	switch cfg.Network {
	case Mainnet, Testnet, Signet, Regtest:
	default:
		return fmt.Errorf("network must be %q, %q, %q or %q", Mainnet, Testnet, Signet, Regtest)
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("datadir is empty")
	}

	if len(cfg.Electrum.Servers) == 0 {
		return fmt.Errorf("electrum.servers needs at least one server")
	}
	for i, s := range cfg.Electrum.Servers {
		if _, err := electrum.ParseEndpoint(s); err != nil {
			return fmt.Errorf("electrum.servers[%d]: %w", i, err)
		}
	}
	if cfg.Electrum.RequestsPerSecond < 0 {
		return fmt.Errorf("electrum.rps must not be negative")
	}
	if cfg.Electrum.DialTimeout <= 0 || cfg.Electrum.RequestTimeout <= 0 {
		return fmt.Errorf("electrum timeouts must be positive")
	}

	if cfg.Sync.GapLimit < 1 {
		return fmt.Errorf("sync.gap_limit must be at least 1")
	}
	if cfg.Sync.BatchSize < 1 {
		return fmt.Errorf("sync.batch_size must be at least 1")
	}
	if cfg.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if cfg.Sync.BackoffBase <= 0 {
		return fmt.Errorf("sync.backoff_base must be positive")
	}
	if cfg.Sync.BackoffMax < cfg.Sync.BackoffBase {
		return fmt.Errorf("sync.backoff_max must not be below sync.backoff_base")
	}
	if cfg.Sync.MaxAttempts < 0 {
		return fmt.Errorf("sync.max_attempts must not be negative")
	}

	ccy, err := price.NormalizeCurrency(cfg.Price.Currency)
	if err != nil {
		return fmt.Errorf("price.currency: %w", err)
	}
	cfg.Price.Currency = ccy
	if cfg.Price.Enabled && (cfg.Price.Interval <= 0 || cfg.Price.StaleAfter <= 0) {
		return fmt.Errorf("price.interval and price.stale_after must be positive")
	}

	cfg.Storage.Backend = strings.ToLower(cfg.Storage.Backend)
	switch cfg.Storage.Backend {
	case BackendFile, BackendBadger:
	default:
		return fmt.Errorf("storage.backend must be %q or %q", BackendFile, BackendBadger)
	}
	if cfg.Storage.Backend == BackendFile && cfg.Storage.File == "" {
		return fmt.Errorf("storage.file is empty")
	}
	cfg.Storage.KDF = strings.ToLower(cfg.Storage.KDF)
	switch cfg.Storage.KDF {
	case KDFArgon2id, KDFScrypt:
	default:
		return fmt.Errorf("storage.kdf must be %q or %q", KDFArgon2id, KDFScrypt)
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "trace", "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level %q is not a level", cfg.Log.Level)
	}
	return nil
}

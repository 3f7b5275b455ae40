package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: electrum.servers is read from
// KNVAULT_ELECTRUM_SERVERS.
const EnvPrefix = "KNVAULT"

// Keys lists every setting that can be given in the config file or the
// environment.
var Keys = []string{
	"network",
	"datadir",
	"electrum.servers",
	"electrum.insecure_tls",
	"electrum.rps",
	"electrum.dial_timeout",
	"electrum.request_timeout",
	"electrum.ping_interval",
	"sync.gap_limit",
	"sync.batch_size",
	"sync.interval",
	"sync.backoff_base",
	"sync.backoff_max",
	"sync.max_attempts",
	"price.enabled",
	"price.url",
	"price.currency",
	"price.interval",
	"price.stale_after",
	"storage.backend",
	"storage.file",
	"storage.kdf",
	"log.level",
	"log.file",
	"log.json",
}

// newViper returns a viper instance reading the key = value file at path
// (skipped when empty or missing) and KNVAULT_* environment variables.
func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		return v, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return v, nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("properties")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return v, nil
}

// LoadFile applies the config file at path and environment overrides to
// cfg. Keys set in neither keep their current value.
func LoadFile(cfg *Config, path string) error {
	v, err := newViper(path)
	if err != nil {
		return err
	}
	return applyViper(cfg, v)
}

// NetworkOverride returns the network chosen by the config file or the
// environment, if any. It is resolved before the remaining keys since it
// selects the defaults they apply on top of.
func NetworkOverride(path string) (NetworkType, bool, error) {
	v, err := newViper(path)
	if err != nil {
		return "", false, err
	}
	if !v.IsSet("network") {
		return "", false, nil
	}
	return NetworkType(strings.ToLower(v.GetString("network"))), true, nil
}

func applyViper(cfg *Config, v *viper.Viper) error {
	for _, key := range Keys {
		if !v.IsSet(key) {
			continue
		}
		if err := setConfigValue(cfg, key, v.GetString(key)); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets one config value by key.
func setConfigValue(cfg *Config, key, value string) error {
	var err error
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(strings.ToLower(value))
	case "datadir":
		cfg.DataDir = value

	// Electrum
	case "electrum.servers":
		cfg.Electrum.Servers = parseStringList(value)
	case "electrum.insecure_tls":
		cfg.Electrum.InsecureTLS = parseBool(value)
	case "electrum.rps":
		cfg.Electrum.RequestsPerSecond, err = strconv.Atoi(value)
	case "electrum.dial_timeout":
		cfg.Electrum.DialTimeout, err = time.ParseDuration(value)
	case "electrum.request_timeout":
		cfg.Electrum.RequestTimeout, err = time.ParseDuration(value)
	case "electrum.ping_interval":
		cfg.Electrum.PingInterval, err = time.ParseDuration(value)

	// Sync
	case "sync.gap_limit":
		cfg.Sync.GapLimit, err = strconv.Atoi(value)
	case "sync.batch_size":
		cfg.Sync.BatchSize, err = strconv.Atoi(value)
	case "sync.interval":
		cfg.Sync.Interval, err = time.ParseDuration(value)
	case "sync.backoff_base":
		cfg.Sync.BackoffBase, err = time.ParseDuration(value)
	case "sync.backoff_max":
		cfg.Sync.BackoffMax, err = time.ParseDuration(value)
	case "sync.max_attempts":
		cfg.Sync.MaxAttempts, err = strconv.Atoi(value)

	// Price
	case "price.enabled", "price":
		cfg.Price.Enabled = parseBool(value)
	case "price.url":
		cfg.Price.URL = value
	case "price.currency":
		cfg.Price.Currency = value
	case "price.interval":
		cfg.Price.Interval, err = time.ParseDuration(value)
	case "price.stale_after":
		cfg.Price.StaleAfter, err = time.ParseDuration(value)

	// Storage
	case "storage.backend":
		cfg.Storage.Backend = value
	case "storage.file":
		cfg.Storage.File = value
	case "storage.kdf":
		cfg.Storage.KDF = value

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return err
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	def := Default(network)
	content := `# Klingnet Vault Configuration
#
# Every key can also be set through the environment, e.g.
# KNVAULT_ELECTRUM_SERVERS or KNVAULT_LOG_LEVEL.

# Network: mainnet, testnet, signet or regtest
network = ` + string(network) + `

# Data directory (default: ~/.klingnet-vault)
# datadir = ~/.klingnet-vault

# ============================================================================
# Electrum
# ============================================================================

# Servers, tried in order (comma-separated)
electrum.servers = ` + strings.Join(def.Electrum.Servers, ",") + `

# Accept self-signed server certificates
# electrum.insecure_tls = false

# Outgoing request pacing (0 = unlimited)
electrum.rps = ` + strconv.Itoa(def.Electrum.RequestsPerSecond) + `
# electrum.dial_timeout = 10s
# electrum.request_timeout = 30s
# electrum.ping_interval = 60s

# ============================================================================
# Sync
# ============================================================================

sync.gap_limit = 20
sync.interval = ` + def.Sync.Interval.String() + `
# sync.batch_size = 20
# sync.backoff_base = 500ms
# sync.backoff_max = 1m
# sync.max_attempts = 6

# ============================================================================
# Fiat prices
# ============================================================================

price.enabled = ` + strconv.FormatBool(def.Price.Enabled) + `
price.currency = usd
# price.url = https://api.coingecko.com/api/v3
# price.interval = 5m
# price.stale_after = 30m

# ============================================================================
# Storage
# ============================================================================

# Backend: file or badger
storage.backend = file
storage.file = vault.dat
# Key derivation for new passphrases: argon2id or scrypt
storage.kdf = argon2id

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0600)
}

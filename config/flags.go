package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"
)

// Flag names shared by the binaries.
const (
	FlagNetwork        = "network"
	FlagTestnet        = "testnet"
	FlagRegtest        = "regtest"
	FlagDataDir        = "datadir"
	FlagConfig         = "config"
	FlagElectrum       = "electrum"
	FlagInsecureTLS    = "electrum-insecure-tls"
	FlagGapLimit       = "gap-limit"
	FlagCurrency       = "currency"
	FlagNoPrice        = "no-price"
	FlagStorageBackend = "storage"
	FlagKDF            = "kdf"
	FlagLogLevel       = "log-level"
	FlagLogFile        = "log-file"
	FlagLogJSON        = "log-json"
)

// Flags returns the global command-line flags.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: FlagNetwork, Usage: "network: mainnet, testnet, signet or regtest"},
		&cli.BoolFlag{Name: FlagTestnet, Usage: "shorthand for --network=testnet"},
		&cli.BoolFlag{Name: FlagRegtest, Usage: "shorthand for --network=regtest"},
		&cli.StringFlag{Name: FlagDataDir, Usage: "data directory", Value: DefaultDataDir()},
		&cli.StringFlag{Name: FlagConfig, Usage: "config file (default <datadir>/vault.conf)"},
		&cli.StringFlag{Name: FlagElectrum, Usage: "comma-separated Electrum servers, tried in order"},
		&cli.BoolFlag{Name: FlagInsecureTLS, Usage: "accept self-signed Electrum certificates"},
		&cli.IntFlag{Name: FlagGapLimit, Usage: "consecutive unused addresses that end a scan"},
		&cli.StringFlag{Name: FlagCurrency, Usage: "fiat currency code, e.g. usd"},
		&cli.BoolFlag{Name: FlagNoPrice, Usage: "disable fiat rate polling"},
		&cli.StringFlag{Name: FlagStorageBackend, Usage: "vault backend: file or badger"},
		&cli.StringFlag{Name: FlagKDF, Usage: "key derivation for new passphrases: argon2id or scrypt"},
		&cli.StringFlag{Name: FlagLogLevel, Usage: "log level: trace, debug, info, warn, error"},
		&cli.StringFlag{Name: FlagLogFile, Usage: "also write JSON logs to this file"},
		&cli.BoolFlag{Name: FlagLogJSON, Usage: "log JSON to stdout"},
	}
}

// ApplyFlags applies explicitly set command-line flags to cfg.
func ApplyFlags(cfg *Config, c *cli.Context) {
	// Core
	if n := flagNetwork(c); n != "" {
		cfg.Network = n
	}
	if c.IsSet(FlagDataDir) {
		cfg.DataDir = c.String(FlagDataDir)
	}

	// Electrum
	if c.IsSet(FlagElectrum) {
		cfg.Electrum.Servers = parseStringList(c.String(FlagElectrum))
	}
	if c.IsSet(FlagInsecureTLS) {
		cfg.Electrum.InsecureTLS = c.Bool(FlagInsecureTLS)
	}

	// Sync
	if c.IsSet(FlagGapLimit) {
		cfg.Sync.GapLimit = c.Int(FlagGapLimit)
	}

	// Price
	if c.IsSet(FlagCurrency) {
		cfg.Price.Currency = c.String(FlagCurrency)
	}
	if c.Bool(FlagNoPrice) {
		cfg.Price.Enabled = false
	}

	// Storage
	if c.IsSet(FlagStorageBackend) {
		cfg.Storage.Backend = c.String(FlagStorageBackend)
	}
	if c.IsSet(FlagKDF) {
		cfg.Storage.KDF = c.String(FlagKDF)
	}

	// Logging
	if c.IsSet(FlagLogLevel) {
		cfg.Log.Level = c.String(FlagLogLevel)
	}
	if c.IsSet(FlagLogFile) {
		cfg.Log.File = c.String(FlagLogFile)
	}
	if c.IsSet(FlagLogJSON) {
		cfg.Log.JSON = c.Bool(FlagLogJSON)
	}
}

func flagNetwork(c *cli.Context) NetworkType {
	switch {
	case c.IsSet(FlagNetwork):
		return NetworkType(c.String(FlagNetwork))
	case c.Bool(FlagTestnet):
		return Testnet
	case c.Bool(FlagRegtest):
		return Regtest
	}
	return ""
}

// Load builds the configuration with precedence:
// 1. Defaults for the network
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file and KNVAULT_* environment
// 4. Command-line flags
func Load(c *cli.Context) (*Config, error) {
	dataDir := c.String(FlagDataDir)
	configPath := c.String(FlagConfig)
	if configPath == "" {
		configPath = filepath.Join(dataDir, "vault.conf")
	}

	// Determine network first (needed for defaults)
	network := flagNetwork(c)
	if network == "" {
		n, ok, err := NetworkOverride(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
		network = Mainnet
		if ok {
			network = n
		}
	}

	cfg := Default(network)
	cfg.DataDir = dataDir

	if err := EnsureDataDirs(cfg); err != nil {
		return nil, fmt.Errorf("ensuring data dirs: %w", err)
	}
	if err := LoadFile(cfg, configPath); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// Apply flags (highest precedence)
	ApplyFlags(cfg, c)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads config from defaults, the data directory's config file
// and the environment, without command-line flags.
func LoadFromFile(dataDir string, network NetworkType) (*Config, error) {
	cfg := Default(network)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if err := EnsureDataDirs(cfg); err != nil {
		return nil, fmt.Errorf("ensuring data dirs: %w", err)
	}
	if err := LoadFile(cfg, cfg.ConfigFile()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. It is safe to call on every startup.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.NetworkDir(),
		cfg.LogsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	// Create default config if it doesn't exist.
	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}
	return nil
}

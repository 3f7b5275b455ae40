// Package config handles vault engine configuration.
//
// Settings are resolved in order: built-in defaults for the network, the
// config file in the data directory, KNVAULT_* environment variables and
// finally command-line flags.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/Klingon-tech/klingnet-vault/internal/wallet"
)

// NetworkType identifies the bitcoin network the wallets live on.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
	Signet  NetworkType = "signet"
	Regtest NetworkType = "regtest"
)

// Params returns the chain parameters for the network.
func (n NetworkType) Params() (*chaincfg.Params, error) {
	return wallet.NetParams(string(n))
}

// Storage backends.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
)

// KDF names.
const (
	KDFArgon2id = "argon2id"
	KDFScrypt   = "scrypt"
)

// Config holds the engine's runtime configuration.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	Electrum ElectrumConfig
	Sync     SyncConfig
	Price    PriceConfig
	Storage  StorageConfig
	Log      LogConfig
}

// ElectrumConfig holds Electrum server settings.
type ElectrumConfig struct {
	// Servers are tried in order: ssl://host:port, tcp://host:port or
	// host:port[:s|:t].
	Servers           []string      `conf:"electrum.servers"`
	InsecureTLS       bool          `conf:"electrum.insecure_tls"`
	RequestsPerSecond int           `conf:"electrum.rps"`
	DialTimeout       time.Duration `conf:"electrum.dial_timeout"`
	RequestTimeout    time.Duration `conf:"electrum.request_timeout"`
	PingInterval      time.Duration `conf:"electrum.ping_interval"`
}

// SyncConfig holds sync engine settings.
type SyncConfig struct {
	GapLimit    int           `conf:"sync.gap_limit"`
	BatchSize   int           `conf:"sync.batch_size"`
	Interval    time.Duration `conf:"sync.interval"`
	BackoffBase time.Duration `conf:"sync.backoff_base"`
	BackoffMax  time.Duration `conf:"sync.backoff_max"`
	MaxAttempts int           `conf:"sync.max_attempts"`
}

// PriceConfig holds fiat rate settings.
type PriceConfig struct {
	Enabled    bool          `conf:"price.enabled"`
	URL        string        `conf:"price.url"`
	Currency   string        `conf:"price.currency"`
	Interval   time.Duration `conf:"price.interval"`
	StaleAfter time.Duration `conf:"price.stale_after"`
}

// StorageConfig holds vault persistence settings.
type StorageConfig struct {
	Backend string `conf:"storage.backend"` // file or badger
	File    string `conf:"storage.file"`    // vault file, relative to the network dir
	KDF     string `conf:"storage.kdf"`     // argon2id or scrypt
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingnet-vault
//	macOS:   ~/Library/Application Support/KlingnetVault
//	Windows: %APPDATA%\KlingnetVault
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingnet-vault"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "KlingnetVault")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "KlingnetVault")
		}
		return filepath.Join(home, "AppData", "Roaming", "KlingnetVault")
	default:
		return filepath.Join(home, ".klingnet-vault")
	}
}

// NetworkDir returns the network-specific data directory.
func (c *Config) NetworkDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// VaultFile returns the path of the encrypted wallet collection.
func (c *Config) VaultFile() string {
	if filepath.IsAbs(c.Storage.File) {
		return c.Storage.File
	}
	return filepath.Join(c.NetworkDir(), c.Storage.File)
}

// DBDir returns the badger database directory.
func (c *Config) DBDir() string {
	return filepath.Join(c.NetworkDir(), "db")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "vault.conf")
}

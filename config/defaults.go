package config

import "time"

// DefaultMainnet returns the default configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		Electrum: ElectrumConfig{
			Servers: []string{
				"ssl://electrum.blockstream.info:50002",
				"ssl://electrum.emzy.de:50002",
				"ssl://bitcoin.lukechilds.co:50002",
			},
			RequestsPerSecond: 20,
			DialTimeout:       10 * time.Second,
			RequestTimeout:    30 * time.Second,
			PingInterval:      60 * time.Second,
		},
		Sync: SyncConfig{
			GapLimit:    20,
			BatchSize:   20,
			Interval:    60 * time.Second,
			BackoffBase: 500 * time.Millisecond,
			BackoffMax:  60 * time.Second,
			MaxAttempts: 6,
		},
		Price: PriceConfig{
			Enabled:    true,
			URL:        "https://api.coingecko.com/api/v3",
			Currency:   "usd",
			Interval:   5 * time.Minute,
			StaleAfter: 30 * time.Minute,
		},
		Storage: StorageConfig{
			Backend: BackendFile,
			File:    "vault.dat",
			KDF:     KDFArgon2id,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.Electrum.Servers = []string{
		"ssl://electrum.blockstream.info:60002",
		"ssl://testnet.aranguren.org:51002",
	}
	return cfg
}

// DefaultSignet returns the default configuration for signet.
func DefaultSignet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Signet
	cfg.Electrum.Servers = []string{"ssl://mempool.space:60602"}
	return cfg
}

// DefaultRegtest returns the default configuration for a local regtest
// server. Fiat prices make no sense there and are off.
func DefaultRegtest() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Regtest
	cfg.Electrum.Servers = []string{"tcp://127.0.0.1:50001"}
	cfg.Electrum.RequestsPerSecond = 0
	cfg.Price.Enabled = false
	cfg.Sync.Interval = 10 * time.Second
	return cfg
}

// Default returns the default configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	case Signet:
		return DefaultSignet()
	case Regtest:
		return DefaultRegtest()
	default:
		return DefaultMainnet()
	}
}

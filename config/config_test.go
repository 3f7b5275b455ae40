package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli/v2"
)

func TestDefaults_Valid(t *testing.T) {
	for _, n := range []NetworkType{Mainnet, Testnet, Signet, Regtest} {
		cfg := Default(n)
		cfg.DataDir = t.TempDir()
		if err := Validate(cfg); err != nil {
			t.Errorf("Default(%s) invalid: %v", n, err)
		}
		if cfg.Network != n {
			t.Errorf("Default(%s).Network = %s", n, cfg.Network)
		}
		if _, err := n.Params(); err != nil {
			t.Errorf("%s.Params(): %v", n, err)
		}
	}
	if Default(Regtest).Price.Enabled {
		t.Error("regtest should not poll prices")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"network", func(c *Config) { c.Network = "litecoin" }, "network"},
		{"no servers", func(c *Config) { c.Electrum.Servers = nil }, "electrum.servers"},
		{"bad server", func(c *Config) { c.Electrum.Servers = []string{"ssl://host:notaport"} }, "electrum.servers[0]"},
		{"gap limit", func(c *Config) { c.Sync.GapLimit = 0 }, "sync.gap_limit"},
		{"batch size", func(c *Config) { c.Sync.BatchSize = 0 }, "sync.batch_size"},
		{"backoff max", func(c *Config) { c.Sync.BackoffMax = time.Millisecond }, "sync.backoff_max"},
		{"attempts", func(c *Config) { c.Sync.MaxAttempts = -1 }, "sync.max_attempts"},
		{"currency", func(c *Config) { c.Price.Currency = "dollars" }, "price.currency"},
		{"backend", func(c *Config) { c.Storage.Backend = "sqlite" }, "storage.backend"},
		{"kdf", func(c *Config) { c.Storage.KDF = "pbkdf2" }, "storage.kdf"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultMainnet()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_Normalizes(t *testing.T) {
	cfg := DefaultMainnet()
	cfg.Network = "TestNet"
	cfg.Price.Currency = "EUR"
	cfg.Storage.Backend = "Badger"
	cfg.Storage.KDF = "SCRYPT"
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Network != Testnet || cfg.Price.Currency != "eur" || cfg.Storage.Backend != BackendBadger || cfg.Storage.KDF != KDFScrypt {
		t.Errorf("not normalized: %+v", cfg)
	}
}

func TestPaths(t *testing.T) {
	cfg := DefaultTestnet()
	cfg.DataDir = "/data"
	if got := cfg.VaultFile(); got != filepath.Join("/data", "testnet", "vault.dat") {
		t.Errorf("VaultFile = %s", got)
	}
	if got := cfg.DBDir(); got != filepath.Join("/data", "testnet", "db") {
		t.Errorf("DBDir = %s", got)
	}
	cfg.Storage.File = "/elsewhere/v.dat"
	if got := cfg.VaultFile(); got != "/elsewhere/v.dat" {
		t.Errorf("absolute VaultFile = %s", got)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.conf")
	content := `# comment
network = testnet
electrum.servers = ssl://a.example:50002, tcp://b.example:50001
electrum.insecure_tls = yes
sync.gap_limit = 30
sync.interval = 2m
price.currency = EUR
price.enabled = false
storage.backend = badger
log.json = 1
unknown.key = ignored
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultMainnet()
	if err := LoadFile(cfg, path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Network != Testnet {
		t.Errorf("network = %s", cfg.Network)
	}
	if len(cfg.Electrum.Servers) != 2 || cfg.Electrum.Servers[1] != "tcp://b.example:50001" {
		t.Errorf("servers = %v", cfg.Electrum.Servers)
	}
	if !cfg.Electrum.InsecureTLS {
		t.Error("insecure_tls not applied")
	}
	if cfg.Sync.GapLimit != 30 || cfg.Sync.Interval != 2*time.Minute {
		t.Errorf("sync = %+v", cfg.Sync)
	}
	if cfg.Price.Enabled || cfg.Price.Currency != "EUR" {
		t.Errorf("price = %+v", cfg.Price)
	}
	if cfg.Storage.Backend != BackendBadger || !cfg.Log.JSON {
		t.Errorf("storage/log not applied: %+v %+v", cfg.Storage, cfg.Log)
	}
	// Untouched keys keep their defaults.
	if cfg.Sync.BatchSize != 20 || cfg.Storage.KDF != KDFArgon2id {
		t.Errorf("defaults lost: %+v %+v", cfg.Sync, cfg.Storage)
	}
}

func TestLoadFile_BadValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.conf")
	if err := os.WriteFile(path, []byte("sync.gap_limit = many\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := LoadFile(DefaultMainnet(), path); err == nil {
		t.Fatal("expected error for non-numeric gap limit")
	}
}

func TestLoadFile_Missing(t *testing.T) {
	cfg := DefaultMainnet()
	if err := LoadFile(cfg, filepath.Join(t.TempDir(), "absent.conf")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}
	if cfg.Network != Mainnet {
		t.Errorf("network changed to %s", cfg.Network)
	}
}

func TestLoadFile_Env(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.conf")
	if err := os.WriteFile(path, []byte("log.level = debug\nsync.gap_limit = 25\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KNVAULT_SYNC_GAP_LIMIT", "40")
	t.Setenv("KNVAULT_PRICE_CURRENCY", "gbp")

	cfg := DefaultMainnet()
	if err := LoadFile(cfg, path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Sync.GapLimit != 40 {
		t.Errorf("env should override file: gap limit %d", cfg.Sync.GapLimit)
	}
	if cfg.Price.Currency != "gbp" {
		t.Errorf("currency = %s", cfg.Price.Currency)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %s", cfg.Log.Level)
	}
}

func TestWriteDefaultConfig_RoundTrip(t *testing.T) {
	for _, n := range []NetworkType{Mainnet, Testnet, Regtest} {
		path := filepath.Join(t.TempDir(), "vault.conf")
		if err := WriteDefaultConfig(path, n); err != nil {
			t.Fatalf("WriteDefaultConfig: %v", err)
		}
		cfg := DefaultMainnet()
		cfg.DataDir = t.TempDir()
		if err := LoadFile(cfg, path); err != nil {
			t.Fatalf("LoadFile: %v", err)
		}
		if err := Validate(cfg); err != nil {
			t.Fatalf("written defaults invalid for %s: %v", n, err)
		}
		want := Default(n)
		if cfg.Network != n || strings.Join(cfg.Electrum.Servers, ",") != strings.Join(want.Electrum.Servers, ",") {
			t.Errorf("%s: got network %s servers %v", n, cfg.Network, cfg.Electrum.Servers)
		}
		if cfg.Price.Enabled != want.Price.Enabled || cfg.Sync.Interval != want.Sync.Interval {
			t.Errorf("%s: price/sync mismatch: %+v %+v", n, cfg.Price, cfg.Sync)
		}
	}
}

func newCLIContext(t *testing.T, args ...string) *cli.Context {
	t.Helper()
	app := cli.NewApp()
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, f := range Flags() {
		if err := f.Apply(set); err != nil {
			t.Fatalf("apply flag: %v", err)
		}
	}
	if err := set.Parse(args); err != nil {
		t.Fatalf("parse: %v", err)
	}
	return cli.NewContext(app, set, nil)
}

func TestLoad_Flags(t *testing.T) {
	dir := t.TempDir()
	c := newCLIContext(t,
		"--datadir", dir,
		"--regtest",
		"--electrum", "tcp://127.0.0.1:60401",
		"--gap-limit", "7",
		"--currency", "chf",
		"--log-level", "warn",
	)
	cfg, err := Load(c)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network != Regtest || cfg.DataDir != dir {
		t.Errorf("core = %s %s", cfg.Network, cfg.DataDir)
	}
	if len(cfg.Electrum.Servers) != 1 || cfg.Electrum.Servers[0] != "tcp://127.0.0.1:60401" {
		t.Errorf("servers = %v", cfg.Electrum.Servers)
	}
	if cfg.Sync.GapLimit != 7 || cfg.Price.Currency != "chf" || cfg.Log.Level != "warn" {
		t.Errorf("flags not applied: %+v %+v %+v", cfg.Sync, cfg.Price, cfg.Log)
	}
	if _, err := os.Stat(cfg.ConfigFile()); err != nil {
		t.Errorf("default config not written: %v", err)
	}
	if _, err := os.Stat(cfg.NetworkDir()); err != nil {
		t.Errorf("network dir not created: %v", err)
	}
}

func TestLoad_NetworkFromFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "vault.conf"), []byte("network = signet\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(newCLIContext(t, "--datadir", dir))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network != Signet {
		t.Fatalf("network = %s", cfg.Network)
	}
	if cfg.Electrum.Servers[0] != DefaultSignet().Electrum.Servers[0] {
		t.Errorf("signet defaults not used: %v", cfg.Electrum.Servers)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFromFile(dir, Testnet)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Network != Testnet || cfg.DataDir != dir {
		t.Errorf("got %s %s", cfg.Network, cfg.DataDir)
	}
}

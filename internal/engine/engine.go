// Package engine wires wallet storage, the Electrum client, the sync engine
// and the price daemon into one object that front ends (daemon, CLI, GUI)
// drive through a small API.
package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-vault/config"
	"github.com/Klingon-tech/klingnet-vault/internal/backoff"
	"github.com/Klingon-tech/klingnet-vault/internal/electrum"
	klog "github.com/Klingon-tech/klingnet-vault/internal/log"
	"github.com/Klingon-tech/klingnet-vault/internal/price"
	"github.com/Klingon-tech/klingnet-vault/internal/storage"
	"github.com/Klingon-tech/klingnet-vault/internal/syncer"
	"github.com/Klingon-tech/klingnet-vault/internal/vault"
	"github.com/Klingon-tech/klingnet-vault/internal/wallet"
)

// Engine errors.
var (
	ErrPricesDisabled = errors.New("fiat prices are disabled")
	ErrNotStarted     = errors.New("engine not started")
	ErrAlreadyStarted = errors.New("engine already started")
	ErrStopped        = errors.New("engine stopped")
)

// Buckets inside the badger database.
const (
	vaultBucket = "vault"
	priceBucket = "price"
)

// Chain is the Electrum client surface the engine uses.
type Chain interface {
	syncer.Chain
	syncer.Subscriber
	Connect(ctx context.Context, endpoints []electrum.Endpoint) error
	State() electrum.State
	Notifications() <-chan electrum.Notification
	EstimateFee(ctx context.Context, blocks int) (uint64, error)
	Broadcast(ctx context.Context, rawTx []byte) (string, error)
	Close() error
}

// Options replace parts the engine would otherwise build from the config.
// Zero fields are built from the config.
type Options struct {
	Backend     vault.Backend
	KDF         *vault.KDFParams
	Chain       Chain
	PriceSource price.Source
	// SkipLogInit keeps the current global logger instead of re-initializing
	// it from the config. Used by the CLI and tests.
	SkipLogInit bool
}

// Engine is a fully wired wallet engine.
type Engine struct {
	cfg    *config.Config
	params *chaincfg.Params
	logger zerolog.Logger

	// Storage
	db    storage.DB // badger, only with the badger backend
	store *vault.Store

	// Network
	chain     Chain
	endpoints []electrum.Endpoint
	sync      *syncer.Syncer

	// Prices (nil when disabled)
	prices *price.Daemon

	mu      sync.Mutex
	started bool
	stopped bool
	online  bool // electrum and sync steps have run or are running
	report  *Report

	// Lifecycle
	ctx      context.Context
	cancel   context.CancelFunc
	pipeline sync.WaitGroup // init steps in flight
	wg       sync.WaitGroup
}

// New creates and wires an Engine. It performs all setup steps (logger,
// storage, Electrum client, syncer, price daemon) but does NOT unlock the
// collection or start background goroutines. Call Start for that.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	// ── 1. Network params ───────────────────────────────────────────
	params, err := cfg.Network.Params()
	if err != nil {
		return nil, err
	}

	// ── 2. Init logger ──────────────────────────────────────────────
	if !opts.SkipLogInit {
		logFile := cfg.Log.File
		if logFile != "" {
			logFile = expandHome(logFile)
		} else {
			logFile = filepath.Join(cfg.LogsDir(), "vault.log")
		}
		if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
			return nil, fmt.Errorf("initializing logger: %w", err)
		}
	}
	logger := klog.Engine

	logger.Info().
		Str("network", string(cfg.Network)).
		Str("storage", cfg.Storage.Backend).
		Strs("electrum", cfg.Electrum.Servers).
		Msg("Starting Klingnet Vault engine")

	e := &Engine{
		cfg:    cfg,
		params: params,
		logger: logger,
	}

	// ── 3. Storage ──────────────────────────────────────────────────
	backend := opts.Backend
	if backend == nil {
		switch cfg.Storage.Backend {
		case config.BackendBadger:
			db, err := storage.NewBadger(cfg.DBDir())
			if err != nil {
				return nil, err
			}
			e.db = db
			bucket, err := storage.NewBucket(db, vaultBucket)
			if err != nil {
				e.closeDB()
				return nil, err
			}
			backend = vault.NewDBBackend(bucket)
			logger.Info().Str("path", cfg.DBDir()).Msg("Database opened")
		default:
			path := expandHome(cfg.VaultFile())
			backend = vault.NewFileBackend(path)
			logger.Info().Str("path", path).Msg("Using vault file")
		}
	}
	kdf := kdfParams(cfg.Storage.KDF)
	if opts.KDF != nil {
		kdf = *opts.KDF
	}
	e.store = vault.New(backend, kdf)

	// ── 4. Electrum client ──────────────────────────────────────────
	e.endpoints, err = electrum.ParseEndpoints(cfg.Electrum.Servers)
	if err != nil {
		e.closeDB()
		return nil, fmt.Errorf("electrum servers: %w", err)
	}
	e.chain = opts.Chain
	if e.chain == nil {
		e.chain = electrum.New(electrum.Config{
			DialTimeout:       cfg.Electrum.DialTimeout,
			RequestTimeout:    cfg.Electrum.RequestTimeout,
			PingInterval:      cfg.Electrum.PingInterval,
			RequestsPerSecond: cfg.Electrum.RequestsPerSecond,
			Reconnect:         backoff.Policy{Base: cfg.Sync.BackoffBase, Max: cfg.Sync.BackoffMax},
			TLSConfig: &tls.Config{
				MinVersion:         tls.VersionTLS12,
				InsecureSkipVerify: cfg.Electrum.InsecureTLS, //nolint:gosec // operator opt-in for self-signed servers
			},
		})
	}

	// ── 5. Sync engine ──────────────────────────────────────────────
	e.sync = syncer.New(syncer.Config{
		GapLimit:  cfg.Sync.GapLimit,
		BatchSize: cfg.Sync.BatchSize,
		Interval:  cfg.Sync.Interval,
		Backoff: backoff.Policy{
			Base:        cfg.Sync.BackoffBase,
			Max:         cfg.Sync.BackoffMax,
			MaxAttempts: cfg.Sync.MaxAttempts,
		},
		OnSynced: e.persistSynced,
	}, e.chain, collectionView{store: e.store})

	// ── 6. Price daemon ─────────────────────────────────────────────
	if cfg.Price.Enabled {
		src := opts.PriceSource
		if src == nil {
			src = price.NewHTTPSource(cfg.Price.URL, price.DefaultFetchTimeout)
		}
		var cache storage.DB
		if e.db != nil {
			if cache, err = storage.NewBucket(e.db, priceBucket); err != nil {
				e.closeDB()
				return nil, err
			}
		}
		e.prices, err = price.New(price.Config{
			Currency:   cfg.Price.Currency,
			Interval:   cfg.Price.Interval,
			StaleAfter: cfg.Price.StaleAfter,
		}, src, cache)
		if err != nil {
			e.closeDB()
			return nil, fmt.Errorf("price daemon: %w", err)
		}
	}

	return e, nil
}

// persistSynced saves the collection after a sync pass changed a wallet, so
// balances survive a restart. Failures are logged: the next pass retries.
func (e *Engine) persistSynced(walletID string) {
	if err := e.store.Save(); err != nil {
		e.logger.Warn().Err(err).Str("wallet", walletID).Msg("Failed to persist sync result")
	}
}

// Stop performs graceful shutdown in reverse order.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.pipeline.Wait()
	e.wg.Wait()

	e.sync.Stop()
	if e.prices != nil {
		e.prices.Stop()
	}
	if err := e.chain.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("Electrum close error")
	}
	if e.store.IsUnlocked() {
		if err := e.store.Save(); err != nil {
			e.logger.Error().Err(err).Msg("Final save failed")
		}
	}
	e.store.Lock()
	e.closeDB()
	e.logger.Info().Msg("Engine stopped")
}

func (e *Engine) closeDB() {
	if e.db == nil {
		return
	}
	if err := e.db.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("Database close error")
	}
	e.db = nil
}

// Config returns the engine configuration.
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Params returns the chain parameters of the configured network.
func (e *Engine) Params() *chaincfg.Params {
	return e.params
}

// collectionView exposes the unlocked collection to the syncer. While the
// store is locked it is empty.
type collectionView struct {
	store *vault.Store
}

func (v collectionView) Get(id string) (*wallet.Wallet, bool) {
	coll, err := v.store.Collection()
	if err != nil {
		return nil, false
	}
	return coll.Get(id)
}

func (v collectionView) List() []*wallet.Wallet {
	coll, err := v.store.Collection()
	if err != nil {
		return nil
	}
	return coll.List()
}

// reconnectLoop keeps trying the Electrum servers after the initial connect
// failed, then schedules a sync pass.
func (e *Engine) reconnectLoop(policy backoff.Policy) {
	defer e.wg.Done()
	for attempt := 0; ; attempt++ {
		if err := backoff.Sleep(e.ctx, policy.Delay(attempt)); err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(e.ctx, e.dialBudget())
		err := e.chain.Connect(ctx, e.endpoints)
		cancel()
		if err == nil {
			e.logger.Info().Int("attempts", attempt+1).Msg("Electrum connected")
			e.sync.Trigger()
			return
		}
		if e.ctx.Err() != nil {
			return
		}
		e.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Electrum still unreachable")
	}
}

// dialBudget bounds one connect attempt over the whole server list.
func (e *Engine) dialBudget() time.Duration {
	d := e.cfg.Electrum.DialTimeout * time.Duration(len(e.endpoints))
	if d <= 0 {
		d = electrum.DefaultDialTimeout
	}
	return d
}

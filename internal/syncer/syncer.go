// Package syncer keeps wallets in step with the chain through an Electrum
// server: a gap-limit scan of every derivation chain, then incremental
// refreshes of addresses not yet seen at the current tip.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-vault/internal/backoff"
	"github.com/Klingon-tech/klingnet-vault/internal/electrum"
	"github.com/Klingon-tech/klingnet-vault/internal/log"
	"github.com/Klingon-tech/klingnet-vault/internal/wallet"
)

// Defaults for Config.
const (
	DefaultGapLimit  = 20
	DefaultBatchSize = 20
	DefaultInterval  = 60 * time.Second
)

// Sync errors.
var (
	ErrSyncStalled    = errors.New("sync stalled")
	ErrUnknownWallet  = errors.New("wallet not in collection")
	ErrSyncInProgress = errors.New("sync already running for wallet")
)

// StalledError reports a batch that kept failing with transient errors
// until the retry budget ran out. Previously synced data is untouched.
type StalledError struct {
	WalletID string
	Attempts int
	Err      error
}

func (e *StalledError) Error() string {
	return fmt.Sprintf("sync of wallet %s stalled after %d attempts: %v", e.WalletID, e.Attempts, e.Err)
}

func (e *StalledError) Is(target error) bool {
	return target == ErrSyncStalled
}

func (e *StalledError) Unwrap() error {
	return e.Err
}

// Chain is the part of the Electrum client the syncer drives.
type Chain interface {
	Tip() int64
	QueryHistory(ctx context.Context, scripthashes []string) (map[string][]electrum.HistoryItem, error)
	QueryBalance(ctx context.Context, scripthashes []string) (map[string][]electrum.UnspentOutput, error)
	GetTransaction(ctx context.Context, txid string) (*wire.MsgTx, error)
	BlockHeader(ctx context.Context, height int64) (*wire.BlockHeader, error)
}

// Wallets is the live wallet collection.
type Wallets interface {
	Get(id string) (*wallet.Wallet, bool)
	List() []*wallet.Wallet
}

// Config holds syncer settings. Zero values take the defaults.
type Config struct {
	GapLimit  int
	BatchSize int
	Interval  time.Duration
	Backoff   backoff.Policy

	// OnBackoff is called before each wait with the zero-based attempt.
	OnBackoff func(walletID string, attempt int, delay time.Duration)
	// OnSynced is called after a pass applied new state to a wallet.
	OnSynced func(walletID string)
}

func (c *Config) setDefaults() {
	if c.GapLimit <= 0 {
		c.GapLimit = DefaultGapLimit
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = backoff.DefaultPolicy()
	}
}

// Phase is a wallet's sync progress.
type Phase int

// Sync phases.
const (
	PhaseIdle Phase = iota
	PhaseSyncing
	PhaseSynced
	PhaseStalled
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSyncing:
		return "syncing"
	case PhaseSynced:
		return "synced"
	case PhaseStalled:
		return "stalled"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Status is the last known sync outcome for one wallet.
type Status struct {
	Phase    Phase
	Height   int64
	LastSync time.Time
	Err      error
}

// Syncer runs sync passes. One pass per wallet runs at a time.
type Syncer struct {
	cfg     Config
	chain   Chain
	wallets Wallets
	logger  zerolog.Logger

	// sleep waits between retries; tests replace it.
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	passes map[string]context.CancelFunc
	status map[string]Status
	dirty  map[string]map[string]struct{} // wallet id -> addresses flagged by notifications
	watch  map[string]watched             // scripthash -> subscribed receive address

	trigger chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a syncer over chain and wallets.
func New(cfg Config, chain Chain, wallets Wallets) *Syncer {
	cfg.setDefaults()
	return &Syncer{
		cfg:     cfg,
		chain:   chain,
		wallets: wallets,
		logger:  log.Sync,
		sleep:   backoff.Sleep,
		passes:  make(map[string]context.CancelFunc),
		status:  make(map[string]Status),
		dirty:   make(map[string]map[string]struct{}),
		watch:   make(map[string]watched),
		trigger: make(chan struct{}, 1),
	}
}

// Status returns the sync status of a wallet.
func (s *Syncer) Status(walletID string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[walletID]
}

func (s *Syncer) setStatus(walletID string, st Status) {
	s.mu.Lock()
	s.status[walletID] = st
	s.mu.Unlock()
}

// Cancel aborts the running pass for a wallet, if any. Results of the
// cancelled pass are discarded.
func (s *Syncer) Cancel(walletID string) {
	s.mu.Lock()
	cancel, ok := s.passes[walletID]
	delete(s.status, walletID)
	delete(s.dirty, walletID)
	for sh, wa := range s.watch {
		if wa.walletID == walletID {
			delete(s.watch, sh)
		}
	}
	s.mu.Unlock()
	if ok {
		cancel()
		s.logger.Debug().Str("wallet", walletID).Msg("Sync pass cancelled")
	}
}

// MarkDirty forces addr to be queried on the next pass even if it was
// already seen at the current tip.
func (s *Syncer) MarkDirty(walletID, addr string) {
	s.mu.Lock()
	set := s.dirty[walletID]
	if set == nil {
		set = make(map[string]struct{})
		s.dirty[walletID] = set
	}
	set[addr] = struct{}{}
	s.mu.Unlock()
}

func (s *Syncer) takeDirty(walletID string) map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.dirty[walletID]
	delete(s.dirty, walletID)
	return set
}

// Trigger requests a pass over all wallets from the background loop.
func (s *Syncer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Start runs passes over every wallet each Interval and on Trigger until
// ctx is cancelled or Stop is called. Server pushes from notes, which may
// be nil, schedule extra passes.
func (s *Syncer) Start(ctx context.Context, notes <-chan electrum.Notification) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop()
	if notes != nil {
		s.wg.Add(1)
		go s.follow(notes)
	}
	s.logger.Info().Dur("interval", s.cfg.Interval).Int("gap_limit", s.cfg.GapLimit).Msg("Sync engine started")
}

// Stop cancels background work and waits for it.
func (s *Syncer) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Syncer) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.SyncAll(s.ctx)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		case <-s.trigger:
		}
		s.SyncAll(s.ctx)
	}
}

// SyncAll runs one pass per wallet, sequentially, and returns the first
// error other than a skipped or cancelled pass.
func (s *Syncer) SyncAll(ctx context.Context) error {
	var first error
	for _, w := range s.wallets.List() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.SyncWallet(ctx, w.ID())
		if err == nil || errors.Is(err, ErrSyncInProgress) || errors.Is(err, ErrUnknownWallet) || errors.Is(err, context.Canceled) {
			continue
		}
		s.logger.Warn().Err(err).Str("wallet", w.ID()).Msg("Sync pass failed")
		if first == nil {
			first = err
		}
	}
	return first
}

// SyncWallet runs one pass for a wallet. A pass that stalls returns a
// *StalledError and leaves previously synced data intact.
func (s *Syncer) SyncWallet(ctx context.Context, walletID string) error {
	w, ok := s.wallets.Get(walletID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWallet, walletID)
	}
	if !w.Flavor().HD() {
		// Custodial accounts have no on-chain addresses to scan.
		return nil
	}

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	if _, busy := s.passes[walletID]; busy {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSyncInProgress, walletID)
	}
	s.passes[walletID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.passes, walletID)
		s.mu.Unlock()
	}()

	prev := s.Status(walletID)
	s.setStatus(walletID, Status{Phase: PhaseSyncing, Height: prev.Height, LastSync: prev.LastSync})

	p := &pass{
		s:       s,
		ctx:     pctx,
		w:       w,
		id:      walletID,
		tip:     s.chain.Tip(),
		dirty:   s.takeDirty(walletID),
		txCache: make(map[string]*wire.MsgTx),
		times:   make(map[int64]int64),
		logger:  log.WithWallet(s.logger, walletID),
	}
	err := p.run()

	switch {
	case err == nil:
		s.setStatus(walletID, Status{Phase: PhaseSynced, Height: p.tip, LastSync: time.Now()})
		if s.cfg.OnSynced != nil {
			s.cfg.OnSynced(walletID)
		}
	case errors.Is(err, ErrSyncStalled):
		s.setStatus(walletID, Status{Phase: PhaseStalled, Height: prev.Height, LastSync: prev.LastSync, Err: err})
		s.restoreDirty(walletID, p.dirty)
	case errors.Is(err, context.Canceled), errors.Is(err, ErrUnknownWallet):
		// Deleted or shut down mid-pass; nothing to record.
	default:
		s.setStatus(walletID, Status{Phase: PhaseFailed, Height: prev.Height, LastSync: prev.LastSync, Err: err})
		s.restoreDirty(walletID, p.dirty)
	}
	if err == nil {
		s.watchReceive(ctx, w)
	}
	return err
}

func (s *Syncer) restoreDirty(walletID string, set map[string]struct{}) {
	for addr := range set {
		s.MarkDirty(walletID, addr)
	}
}

// retry runs fn until it succeeds, fails permanently or the retry budget is
// spent. Delays grow as base * 2^attempt plus jitter.
func (s *Syncer) retry(ctx context.Context, walletID string, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !transient(ctx, err) {
			return err
		}
		if s.cfg.Backoff.Exhausted(attempt) {
			return &StalledError{WalletID: walletID, Attempts: attempt + 1, Err: err}
		}
		delay := s.cfg.Backoff.Delay(attempt)
		s.logger.Debug().
			Err(err).
			Str("wallet", walletID).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Backing off")
		if s.cfg.OnBackoff != nil {
			s.cfg.OnBackoff(walletID, attempt, delay)
		}
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// transient reports whether err is worth retrying: rate limiting, a
// connection that is down or reconnecting, a request timeout or a garbled
// reply. Cancellation of the pass itself is not.
func transient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return errors.Is(err, electrum.ErrRateLimitExceeded) ||
		errors.Is(err, electrum.ErrNotReady) ||
		errors.Is(err, electrum.ErrConnectionLost) ||
		errors.Is(err, electrum.ErrMalformedResponse) ||
		errors.Is(err, context.DeadlineExceeded)
}

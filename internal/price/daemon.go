package price

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/klingnet-vault/internal/log"
	"github.com/Klingon-tech/klingnet-vault/internal/storage"
)

// Defaults for Config.
const (
	DefaultCurrency     = "usd"
	DefaultInterval     = 5 * time.Minute
	DefaultStaleAfter   = 30 * time.Minute
	DefaultFetchTimeout = 15 * time.Second
)

var rateKeyPrefix = []byte("rate/")

// Config holds daemon settings. Zero values take the defaults.
type Config struct {
	Currency     string
	Interval     time.Duration
	StaleAfter   time.Duration
	FetchTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Currency == "" {
		c.Currency = DefaultCurrency
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
}

// Daemon polls a Source for the selected currency and caches the last good
// rate per currency. A failed poll never clears a cached rate.
type Daemon struct {
	cfg    Config
	src    Source
	cache  storage.DB // optional
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	currency string
	rates    map[string]ExchangeRate

	refresh chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a daemon. When cache is non-nil, rates persisted by a
// previous run are loaded from it and every fetched rate is written back.
func New(cfg Config, src Source, cache storage.DB) (*Daemon, error) {
	cfg.setDefaults()
	ccy, err := NormalizeCurrency(cfg.Currency)
	if err != nil {
		return nil, err
	}
	d := &Daemon{
		cfg:      cfg,
		src:      src,
		cache:    cache,
		logger:   log.Price,
		now:      time.Now,
		currency: ccy,
		rates:    make(map[string]ExchangeRate),
		refresh:  make(chan struct{}, 1),
	}
	d.loadCache()
	return d, nil
}

func (d *Daemon) loadCache() {
	if d.cache == nil {
		return
	}
	err := d.cache.ForEach(rateKeyPrefix, func(_, value []byte) error {
		var r ExchangeRate
		if err := json.Unmarshal(value, &r); err != nil {
			return nil
		}
		if ccy, err := NormalizeCurrency(r.Currency); err == nil && r.Rate.IsPositive() {
			r.Currency = ccy
			d.rates[ccy] = r
		}
		return nil
	})
	if err != nil {
		d.logger.Warn().Err(err).Msg("Failed to load cached rates")
		return
	}
	if len(d.rates) > 0 {
		d.logger.Debug().Int("count", len(d.rates)).Msg("Loaded cached rates")
	}
}

func (d *Daemon) storeCache(r ExchangeRate) {
	if d.cache == nil {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	key := append(append([]byte{}, rateKeyPrefix...), r.Currency...)
	if err := d.cache.Put(key, data); err != nil {
		d.logger.Warn().Err(err).Str("currency", r.Currency).Msg("Failed to cache rate")
	}
}

// Start fetches the selected currency once, then keeps polling every
// interval (the configured one when interval is zero) until ctx is
// cancelled or Stop is called. The error of the first fetch is returned,
// but polling continues either way.
func (d *Daemon) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = d.cfg.Interval
	}
	ctx, d.cancel = context.WithCancel(ctx)
	err := d.Refresh(ctx)

	d.wg.Add(1)
	go d.loop(ctx, interval)
	d.logger.Info().
		Str("currency", d.Currency()).
		Dur("interval", interval).
		Msg("Price daemon started")
	return err
}

// Stop ends polling and waits for the loop to exit.
func (d *Daemon) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
}

func (d *Daemon) loop(ctx context.Context, interval time.Duration) {
	defer d.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.refresh:
		}
		d.Refresh(ctx)
	}
}

// Refresh fetches the selected currency now. On failure the cached rate
// is kept and the error returned.
func (d *Daemon) Refresh(ctx context.Context) error {
	ccy := d.Currency()
	fctx, cancel := context.WithTimeout(ctx, d.cfg.FetchTimeout)
	defer cancel()

	rate, err := d.src.Fetch(fctx, ccy)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn().Err(err).Str("currency", ccy).Msg("Rate fetch failed, keeping last known rate")
		}
		return err
	}

	r := ExchangeRate{Currency: ccy, Rate: rate, FetchedAt: d.now()}
	d.mu.Lock()
	d.rates[ccy] = r
	d.mu.Unlock()
	d.storeCache(r)
	d.logger.Debug().Str("currency", ccy).Str("rate", rate.String()).Msg("Rate updated")
	return nil
}

// Currency returns the selected currency code.
func (d *Daemon) Currency() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.currency
}

// SetCurrency selects the currency to poll and schedules an immediate
// fetch when the daemon is running.
func (d *Daemon) SetCurrency(code string) error {
	ccy, err := NormalizeCurrency(code)
	if err != nil {
		return err
	}
	d.mu.Lock()
	changed := d.currency != ccy
	d.currency = ccy
	d.mu.Unlock()
	if changed {
		select {
		case d.refresh <- struct{}{}:
		default:
		}
	}
	return nil
}

// Rate returns the cached rate for currency, the selected one when empty.
func (d *Daemon) Rate(currency string) (ExchangeRate, error) {
	ccy := d.Currency()
	if currency != "" {
		var err error
		if ccy, err = NormalizeCurrency(currency); err != nil {
			return ExchangeRate{}, err
		}
	}
	d.mu.RLock()
	r, ok := d.rates[ccy]
	d.mu.RUnlock()
	if !ok {
		return ExchangeRate{}, ErrNoRate
	}
	return r, nil
}

// Convert values sats in currency, the selected one when empty, rounded
// to cents. With a rate older than the freshness threshold the value is
// returned together with a *StaleRateWarning.
func (d *Daemon) Convert(sats int64, currency string) (decimal.Decimal, error) {
	r, err := d.Rate(currency)
	if err != nil {
		return decimal.Zero, err
	}
	value := SatsToBTC(sats).Mul(r.Rate).Round(2)
	if age := r.Age(d.now()); age > d.cfg.StaleAfter {
		return value, &StaleRateWarning{Currency: r.Currency, Age: age}
	}
	return value, nil
}

// IsStale reports whether err is only a stale-rate warning.
func IsStale(err error) bool {
	var w *StaleRateWarning
	return errors.As(err, &w)
}

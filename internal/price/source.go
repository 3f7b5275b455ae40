package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/Klingon-tech/klingnet-vault/internal/log"
)

// DefaultBaseURL is the CoinGecko v3 API.
const DefaultBaseURL = "https://api.coingecko.com/api/v3"

// Breaker settings for HTTPSource.
var (
	// MinRequestsToTrip is the request count the breaker needs to see
	// before it may open.
	MinRequestsToTrip uint32 = 5
	// FailingRatio opens the breaker once this share of requests failed.
	FailingRatio = 0.6
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout = 2 * time.Minute
)

// Source fetches the current fiat value of one bitcoin.
type Source interface {
	Fetch(ctx context.Context, currency string) (decimal.Decimal, error)
}

// HTTPSource queries a CoinGecko-style simple/price endpoint. Repeated
// failures open a circuit breaker so a dead endpoint is not hammered.
type HTTPSource struct {
	baseURL string
	coinID  string
	client  *http.Client
	cb      *gobreaker.CircuitBreaker
}

// NewHTTPSource creates a source for baseURL. An empty baseURL uses
// DefaultBaseURL.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		coinID:  "bitcoin",
		client:  &http.Client{Timeout: timeout},
		cb:      newBreaker("price-source"),
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= MinRequestsToTrip && ratio >= FailingRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			switch {
			case to == gobreaker.StateOpen:
				log.Price.Warn().Str("source", name).Msg("Price source seems down, pausing requests")
			case from == gobreaker.StateOpen && to == gobreaker.StateHalfOpen:
				log.Price.Info().Str("source", name).Msg("Probing price source")
			case from == gobreaker.StateHalfOpen && to == gobreaker.StateClosed:
				log.Price.Info().Str("source", name).Msg("Price source recovered")
			}
		},
	})
}

// Fetch returns the value of one bitcoin in currency.
func (s *HTTPSource) Fetch(ctx context.Context, currency string) (decimal.Decimal, error) {
	ccy, err := NormalizeCurrency(currency)
	if err != nil {
		return decimal.Zero, err
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.fetch(ctx, ccy)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrSourceDown, err)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return res.(decimal.Decimal), nil
}

func (s *HTTPSource) fetch(ctx context.Context, ccy string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("ids", s.coinID)
	q.Set("vs_currencies", ccy)
	endpoint := s.baseURL + "/simple/price?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get rate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("get rate: status %d", resp.StatusCode)
	}

	// {"bitcoin":{"usd":67012.5}}
	var body map[string]map[string]json.Number
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("decode rate: %w", err)
	}
	num, ok := body[s.coinID][ccy]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s not quoted", ErrInvalidCurrency, strings.ToUpper(ccy))
	}
	rate, err := decimal.NewFromString(num.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode rate %q: %w", num, err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("decode rate: non-positive %s", rate)
	}
	return rate, nil
}

// Package price keeps bitcoin fiat exchange rates fresh in the background
// and converts satoshi amounts with the last known good rate.
package price

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SatsPerBTC is the number of satoshis in one bitcoin.
const SatsPerBTC = 100_000_000

// Price errors.
var (
	ErrNoRate          = errors.New("no exchange rate available")
	ErrStaleRate       = errors.New("exchange rate is stale")
	ErrInvalidCurrency = errors.New("invalid currency code")
	ErrSourceDown      = errors.New("price source unavailable")
)

// ExchangeRate is the fiat value of one bitcoin.
type ExchangeRate struct {
	Currency  string          `json:"currency"`
	Rate      decimal.Decimal `json:"rate"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Age returns how long ago the rate was fetched.
func (r ExchangeRate) Age(now time.Time) time.Duration {
	return now.Sub(r.FetchedAt)
}

// StaleRateWarning accompanies a conversion made with a rate older than
// the freshness threshold. The converted value is still usable.
type StaleRateWarning struct {
	Currency string
	Age      time.Duration
}

func (w *StaleRateWarning) Error() string {
	return fmt.Sprintf("%s rate is %s old", strings.ToUpper(w.Currency), w.Age.Round(time.Second))
}

func (w *StaleRateWarning) Is(target error) bool {
	return target == ErrStaleRate
}

// NormalizeCurrency lowercases and checks a three-letter currency code.
func NormalizeCurrency(code string) (string, error) {
	c := strings.ToLower(strings.TrimSpace(code))
	if len(c) != 3 {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	for _, r := range c {
		if r < 'a' || r > 'z' {
			return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
		}
	}
	return c, nil
}

// SatsToBTC converts satoshis to a bitcoin amount.
func SatsToBTC(sats int64) decimal.Decimal {
	return decimal.New(sats, -8)
}

// FormatBTC renders satoshis as a bitcoin amount with eight decimals.
func FormatBTC(sats int64) string {
	return SatsToBTC(sats).StringFixed(8)
}

// FormatFiat renders a fiat amount with two decimals and the upper-case
// currency code, e.g. "1234.50 USD".
func FormatFiat(amount decimal.Decimal, currency string) string {
	return amount.StringFixed(2) + " " + strings.ToUpper(currency)
}

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"github.com/Klingon-tech/klingnet-vault/internal/price"
)

const onlineTimeout = 2 * time.Minute

// ── balance ─────────────────────────────────────────────────────────────

var balanceCmd = cli.Command{
	Name:  "balance",
	Usage: "show the total balance of all wallets",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "fiat", Usage: "also value the balance in this currency (e.g. usd)"},
	},
	Action: balanceAction,
}

func balanceAction(c *cli.Context) error {
	e, err := openEngine(c, false)
	if err != nil {
		return err
	}
	defer e.Stop()

	total, err := e.AggregateBalance()
	if err != nil {
		return err
	}
	fmt.Printf("Balance: %s BTC\n", price.FormatBTC(int64(total)))

	ccy := c.String("fiat")
	if ccy == "" {
		return nil
	}
	if err := e.SetCurrency(ccy); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()
	if err := e.RefreshPrices(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: rate fetch failed, using cached rate: %v\n", err)
	}

	value, err := e.ConvertToFiat(int64(total), "")
	switch {
	case err == nil:
		fmt.Printf("Value:   %s\n", price.FormatFiat(value, ccy))
	case price.IsStale(err):
		fmt.Printf("Value:   %s (%v)\n", price.FormatFiat(value, ccy), err)
	default:
		return err
	}
	return nil
}

// ── sync ────────────────────────────────────────────────────────────────

var syncCmd = cli.Command{
	Name:      "sync",
	Usage:     "sync one wallet, or all of them, against Electrum",
	ArgsUsage: "[wallet-id]",
	Action:    syncAction,
}

func syncAction(c *cli.Context) error {
	e, err := openEngine(c, true)
	if err != nil {
		return err
	}
	defer e.Stop()

	ctx, cancel := context.WithTimeout(c.Context, onlineTimeout)
	defer cancel()
	if err := e.SyncNow(ctx, c.Args().First()); err != nil {
		return err
	}

	wallets, err := e.ListWallets()
	if err != nil {
		return err
	}
	for _, w := range wallets {
		if id := c.Args().First(); id != "" && id != w.ID {
			continue
		}
		fmt.Printf("%-20s  %s  %16s BTC  height %d\n",
			w.Label, w.Sync.Phase, price.FormatBTC(int64(w.Balance.Total())), w.SyncedHeight)
	}
	return nil
}

// ── send ────────────────────────────────────────────────────────────────

var sendCmd = cli.Command{
	Name:      "send",
	Usage:     "pay an address from a wallet and broadcast the transaction",
	ArgsUsage: "<wallet-id> <address> <amount>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "sats", Usage: "amount is in satoshis instead of BTC"},
		&cli.Uint64Flag{Name: "fee-rate", Usage: "fee rate in sat/vB (default: server estimate)"},
		&cli.BoolFlag{Name: "raw", Usage: "also print the signed transaction hex"},
	},
	Action: sendAction,
}

func sendAction(c *cli.Context) error {
	if c.NArg() != 3 {
		return fmt.Errorf("usage: vault-cli send <wallet-id> <address> <amount>")
	}
	id, dest := c.Args().Get(0), c.Args().Get(1)
	amount, err := parseAmount(c.Args().Get(2), c.Bool("sats"))
	if err != nil {
		return err
	}

	e, err := openEngine(c, true)
	if err != nil {
		return err
	}
	defer e.Stop()

	ctx, cancel := context.WithTimeout(c.Context, onlineTimeout)
	defer cancel()
	// Spend from fresh UTXOs.
	if err := e.SyncNow(ctx, id); err != nil {
		return err
	}

	signed, err := e.SendPayment(ctx, id, dest, amount, c.Uint64("fee-rate"))
	if err != nil {
		return err
	}
	fmt.Printf("Sent %s BTC to %s\n", price.FormatBTC(int64(amount)), dest)
	fmt.Printf("Fee:  %d sats\n", signed.Fee)
	fmt.Printf("TxID: %s\n", signed.TxID)
	if c.Bool("raw") {
		fmt.Printf("Raw:  %s\n", signed.Hex())
	}
	return nil
}

// parseAmount parses a positive BTC (or satoshi) amount into satoshis.
func parseAmount(s string, sats bool) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if !sats {
		d = d.Shift(8)
	}
	if !d.IsInteger() {
		return 0, fmt.Errorf("invalid amount %q: more precision than one satoshi", s)
	}
	if !d.IsPositive() {
		return 0, fmt.Errorf("invalid amount %q: must be positive", s)
	}
	if d.GreaterThan(decimal.New(21_000_000, 8)) {
		return 0, fmt.Errorf("invalid amount %q: exceeds the supply", s)
	}
	return uint64(d.IntPart()), nil
}

// ── status ──────────────────────────────────────────────────────────────

var statusCmd = cli.Command{
	Name:   "status",
	Usage:  "show engine and storage status",
	Action: statusAction,
}

func statusAction(c *cli.Context) error {
	e, err := openEngine(c, false)
	if err != nil {
		return err
	}
	defer e.Stop()

	st := e.Status()
	fmt.Printf("Network:   %s\n", st.Network)
	fmt.Printf("Encrypted: %v\n", st.Encrypted)
	fmt.Printf("Wallets:   %d\n", st.Wallets)
	fmt.Printf("Balance:   %s BTC\n", price.FormatBTC(int64(st.Balance)))
	if st.Currency != "" {
		fmt.Printf("Currency:  %s\n", st.Currency)
	}
	fmt.Printf("Data dir:  %s\n", e.Config().DataDir)
	return nil
}

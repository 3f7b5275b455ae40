package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/klingnet-vault/internal/electrum"
	"github.com/Klingon-tech/klingnet-vault/internal/syncer"
	"github.com/Klingon-tech/klingnet-vault/internal/vault"
	"github.com/Klingon-tech/klingnet-vault/internal/wallet"
)

// Fee defaults for SendPayment.
const (
	// DefaultConfTarget is the block target used when asking the server
	// for a fee rate.
	DefaultConfTarget = 6
	// FallbackFeeRate (sat/vB) is used when the server has no estimate.
	FallbackFeeRate = 2
)

// WalletInfo is a summary of one wallet without key material.
type WalletInfo struct {
	ID           string
	Label        string
	Flavor       wallet.Flavor
	Created      time.Time
	Balance      wallet.Balance
	SyncedHeight int64
	Sync         syncer.Status
}

// Status is a snapshot of the engine state.
type Status struct {
	Network   string
	Started   bool
	Unlocked  bool
	Encrypted bool // saves are encrypted
	Electrum  electrum.State
	Tip       int64
	Wallets   int
	Balance   uint64
	Currency  string // empty when prices are disabled
}

func (e *Engine) info(w *wallet.Wallet) WalletInfo {
	return WalletInfo{
		ID:           w.ID(),
		Label:        w.Label(),
		Flavor:       w.Flavor(),
		Created:      w.CreatedAt(),
		Balance:      w.BalanceDetail(),
		SyncedHeight: w.SyncedHeight(),
		Sync:         e.sync.Status(w.ID()),
	}
}

// ListWallets returns every wallet in collection order.
func (e *Engine) ListWallets() ([]WalletInfo, error) {
	coll, err := e.store.Collection()
	if err != nil {
		return nil, err
	}
	wallets := coll.List()
	out := make([]WalletInfo, 0, len(wallets))
	for _, w := range wallets {
		out = append(out, e.info(w))
	}
	return out, nil
}

// GetWallet returns the live wallet with the given id.
func (e *Engine) GetWallet(id string) (*wallet.Wallet, error) {
	coll, err := e.store.Collection()
	if err != nil {
		return nil, err
	}
	w, ok := coll.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", vault.ErrWalletNotFound, id)
	}
	return w, nil
}

// WalletInfo returns the summary of one wallet.
func (e *Engine) WalletInfo(id string) (WalletInfo, error) {
	w, err := e.GetWallet(id)
	if err != nil {
		return WalletInfo{}, err
	}
	return e.info(w), nil
}

// CreateWallet generates a new HD wallet and persists it. An empty label
// takes the next free default label.
func (e *Engine) CreateWallet(flavor wallet.Flavor, label string) (string, error) {
	label, err := e.labelOrDefault(label)
	if err != nil {
		return "", err
	}
	w, err := wallet.Generate(flavor, label, e.params, 0)
	if err != nil {
		return "", err
	}
	return e.commit(w)
}

// ImportWallet restores a wallet from a mnemonic (HD flavors) or an lndhub
// URI (lightning) and persists it.
func (e *Engine) ImportWallet(flavor wallet.Flavor, secret, label string) (string, error) {
	label, err := e.labelOrDefault(label)
	if err != nil {
		return "", err
	}
	w, err := wallet.Import(flavor, secret, label, e.params)
	if err != nil {
		return "", err
	}
	return e.commit(w)
}

// labelOrDefault resolves the label before any key material is generated,
// so a duplicate is rejected without deriving a wallet first.
func (e *Engine) labelOrDefault(label string) (string, error) {
	coll, err := e.store.Collection()
	if err != nil {
		return "", err
	}
	if label = strings.TrimSpace(label); label == "" {
		return coll.NextDefaultLabel(), nil
	}
	if coll.LabelTaken(label, "") {
		return "", fmt.Errorf("%w: %q", vault.ErrDuplicateLabel, label)
	}
	return label, nil
}

func (e *Engine) commit(w *wallet.Wallet) (string, error) {
	if err := e.store.CommitWallet(w); err != nil {
		w.Zero()
		return "", err
	}
	e.sync.Trigger()
	return w.ID(), nil
}

// DeleteWallet removes the wallet, persists the collection and then cancels
// its sync pass. Deleting an unknown id reports false with ErrWalletNotFound
// and changes nothing; a failed save leaves the wallet and its sync state
// in place.
func (e *Engine) DeleteWallet(id string) (bool, error) {
	coll, err := e.store.Collection()
	if err != nil {
		return false, err
	}
	if _, ok := coll.Get(id); !ok {
		return false, fmt.Errorf("%w: %s", vault.ErrWalletNotFound, id)
	}
	if err := e.store.HandleWalletDeletion(id); err != nil {
		return false, err
	}
	e.sync.Cancel(id)
	return true, nil
}

// RenameWallet changes a wallet label and persists it.
func (e *Engine) RenameWallet(id, label string) error {
	return e.store.RenameWallet(id, label)
}

// AggregateBalance returns the sum of all wallet balances in sats.
func (e *Engine) AggregateBalance() (uint64, error) {
	coll, err := e.store.Collection()
	if err != nil {
		return 0, err
	}
	return coll.TotalBalance(), nil
}

// ConvertToFiat values sats in currency (the selected one when empty). A
// stale rate still yields a value, together with a *price.StaleRateWarning.
func (e *Engine) ConvertToFiat(sats int64, currency string) (decimal.Decimal, error) {
	if e.prices == nil {
		return decimal.Zero, ErrPricesDisabled
	}
	return e.prices.Convert(sats, currency)
}

// SetCurrency selects the fiat currency to poll.
func (e *Engine) SetCurrency(code string) error {
	if e.prices == nil {
		return ErrPricesDisabled
	}
	return e.prices.SetCurrency(code)
}

// RefreshPrices fetches the selected currency once, outside the polling
// loop. The cached rate stays in place when the fetch fails.
func (e *Engine) RefreshPrices(ctx context.Context) error {
	if e.prices == nil {
		return ErrPricesDisabled
	}
	return e.prices.Refresh(ctx)
}

// UnlockStorage decrypts the stored collection. If the init pipeline halted
// at the unlock step, the remaining steps run before it returns.
func (e *Engine) UnlockStorage(passphrase []byte) (bool, error) {
	if _, err := e.store.Unlock(passphrase); err != nil {
		return false, err
	}
	e.resume()
	return true, nil
}

// IsStorageEncrypted reports whether the stored collection needs a
// passphrase.
func (e *Engine) IsStorageEncrypted() (bool, error) {
	return e.store.IsEncrypted()
}

// ChangePassphrase re-encrypts the collection under next. An empty next
// stores it in plaintext.
func (e *Engine) ChangePassphrase(current, next []byte) error {
	return e.store.ChangePassphrase(current, next)
}

// RevealSecret returns the wallet's mnemonic or lndhub URI.
func (e *Engine) RevealSecret(id string) (string, error) {
	w, err := e.GetWallet(id)
	if err != nil {
		return "", err
	}
	secret, err := w.Secret()
	if err != nil {
		return "", err
	}
	e.logger.Warn().Str("wallet", id).Msg("Wallet secret revealed")
	return secret, nil
}

// ReceiveAddress returns the first unused receive address, deriving and
// persisting a new one when all are used.
func (e *Engine) ReceiveAddress(id string) (string, error) {
	w, err := e.GetWallet(id)
	if err != nil {
		return "", err
	}
	rec, err := w.NextUnused(wallet.ChangeExternal)
	if err != nil {
		return "", err
	}
	if err := e.store.Save(); err != nil {
		return "", err
	}
	return rec.Address, nil
}

// SendPayment pays amount sats to dest from the wallet and broadcasts the
// transaction. A zero feeRate asks the server for an estimate. Once the
// broadcast succeeds the spent outputs leave the wallet's UTXO set.
func (e *Engine) SendPayment(ctx context.Context, id, dest string, amount, feeRate uint64) (*wallet.SignedTx, error) {
	w, err := e.GetWallet(id)
	if err != nil {
		return nil, err
	}
	if !w.Flavor().HD() {
		return nil, fmt.Errorf("%w: %s cannot send on-chain", wallet.ErrUnsupported, w.Flavor())
	}

	if feeRate == 0 {
		feeRate, err = e.chain.EstimateFee(ctx, DefaultConfTarget)
		if errors.Is(err, electrum.ErrNoFeeEstimate) {
			feeRate, err = FallbackFeeRate, nil
		}
		if err != nil {
			return nil, fmt.Errorf("estimate fee: %w", err)
		}
	}

	draft, err := w.BuildDraft(dest, amount, feeRate)
	if err != nil {
		return nil, err
	}
	signed, err := w.Sign(draft)
	if err != nil {
		return nil, err
	}
	txid, err := e.chain.Broadcast(ctx, signed.Raw)
	if err != nil {
		return nil, err
	}
	if txid != signed.TxID {
		e.logger.Warn().Str("local", signed.TxID).Str("server", txid).Msg("Broadcast txid mismatch")
	}

	spent := make([]wire.OutPoint, 0, len(signed.Tx.TxIn))
	for _, in := range signed.Tx.TxIn {
		spent = append(spent, in.PreviousOutPoint)
	}
	for _, u := range w.MarkSpent(spent) {
		e.sync.MarkDirty(id, u.Address)
	}
	if draft.ChangeIndex >= 0 {
		e.sync.MarkDirty(id, draft.Outputs[draft.ChangeIndex].Address)
	}

	e.logger.Info().
		Str("wallet", id).
		Str("txid", signed.TxID).
		Uint64("amount", amount).
		Uint64("fee", signed.Fee).
		Msg("Payment sent")

	// Persist the change address and spent outputs; the server's view
	// follows on the next pass.
	if err := e.store.Save(); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to persist after send")
	}
	e.sync.Trigger()
	return signed, nil
}

// SyncNow runs a pass for one wallet, or for every wallet when id is
// empty, and waits for it.
func (e *Engine) SyncNow(ctx context.Context, id string) error {
	if id == "" {
		return e.sync.SyncAll(ctx)
	}
	return e.sync.SyncWallet(ctx, id)
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	started := e.started && !e.stopped
	e.mu.Unlock()

	st := Status{
		Network:   string(e.cfg.Network),
		Started:   started,
		Unlocked:  e.store.IsUnlocked(),
		Encrypted: e.store.HasPassphrase(),
		Electrum:  e.chain.State(),
		Tip:       e.chain.Tip(),
	}
	if coll, err := e.store.Collection(); err == nil {
		st.Wallets = coll.Len()
		st.Balance = coll.TotalBalance()
	}
	if e.prices != nil {
		st.Currency = e.prices.Currency()
	}
	return st
}

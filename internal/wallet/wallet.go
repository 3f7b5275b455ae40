package wallet

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-vault/pkg/crypto"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// FinalityDepth is the confirmation count after which a transaction record
// no longer changes.
const FinalityDepth = 6

// IDLength is the length of a wallet id in hex characters.
const IDLength = 32

const idContext = "klingnet-vault wallet id v1"

// UTXO is an unspent output paying one of the wallet's addresses.
type UTXO struct {
	TxID     string `json:"txid"`
	Vout     uint32 `json:"vout"`
	Value    uint64 `json:"value"`
	Height   int64  `json:"height"` // 0 while unconfirmed.
	Address  string `json:"address"`
	Path     string `json:"path"`
	PkScript []byte `json:"pk_script"`
}

// Outpoint returns "txid:vout".
func (u UTXO) Outpoint() string {
	return fmt.Sprintf("%s:%d", u.TxID, u.Vout)
}

// TxRecord is a transaction's net effect on the wallet.
type TxRecord struct {
	TxID          string `json:"txid"`
	Height        int64  `json:"height"`
	Confirmations int64  `json:"confirmations"`
	ValueSats     int64  `json:"value_sats"`
	Timestamp     int64  `json:"timestamp"`
}

// Final reports whether the record has reached FinalityDepth.
func (t TxRecord) Final() bool {
	return t.Confirmations >= FinalityDepth
}

// AddressUpdate carries the result of querying one address at a chain tip.
type AddressUpdate struct {
	Address string
	Height  int64
	Used    bool
	UTXOs   []UTXO
}

// Wallet is a single wallet of any flavor. Key material is only reachable
// through Secret and the derivation and signing methods.
type Wallet struct {
	mu sync.RWMutex

	id        string
	label     string
	flavor    Flavor
	params    *chaincfg.Params
	account   uint32
	createdAt time.Time

	seed   *Seed  // HD flavors
	secret []byte // lightning account URI

	addresses    []AddressRecord
	utxos        []UTXO
	txs          map[string]TxRecord
	balance      Balance
	syncedHeight int64
}

// Generate creates a new HD wallet from fresh entropy.
func Generate(f Flavor, label string, params *chaincfg.Params, words int) (*Wallet, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFlavor, uint8(f))
	}
	if !f.HD() {
		return nil, fmt.Errorf("%w: %s wallets must be imported", ErrUnsupported, f)
	}
	if words == 0 {
		words = DefaultMnemonicWords
	}
	mnemonic, err := GenerateMnemonic(words)
	if err != nil {
		return nil, err
	}
	return Import(f, mnemonic, label, params)
}

// Import creates a wallet from a caller-supplied secret: a BIP-39 mnemonic
// for HD flavors or an lndhub URI for lightning.
func Import(f Flavor, secret, label string, params *chaincfg.Params) (*Wallet, error) {
	w := &Wallet{
		label:     label,
		flavor:    f,
		params:    params,
		createdAt: time.Now().UTC(),
		txs:       make(map[string]TxRecord),
	}

	switch {
	case f.HD():
		seed, err := NewSeed(secret)
		if err != nil {
			return nil, err
		}
		w.seed = seed
		w.id = walletID(f, seed.mnemonic)
	case f == FlavorLightningCustodial:
		acct, err := ParseLndhubURI(secret)
		if err != nil {
			return nil, err
		}
		w.secret = []byte(acct.String())
		w.id = walletID(f, w.secret)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownFlavor, uint8(f))
	}
	return w, nil
}

// walletID derives the stable id from flavor and secret, so importing the
// same secret twice yields the same id.
func walletID(f Flavor, secret []byte) string {
	fp := crypto.Fingerprint(idContext, []byte(f.String()), secret)
	return hex.EncodeToString(fp[:IDLength/2])
}

// ID returns the immutable wallet id.
func (w *Wallet) ID() string { return w.id }

// Flavor returns the wallet flavor.
func (w *Wallet) Flavor() Flavor { return w.flavor }

// Params returns the network parameters.
func (w *Wallet) Params() *chaincfg.Params { return w.params }

// CreatedAt returns the creation time.
func (w *Wallet) CreatedAt() time.Time { return w.createdAt }

// Label returns the display label.
func (w *Wallet) Label() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.label
}

// SetLabel changes the display label. Uniqueness is enforced by the owner
// of the wallet collection.
func (w *Wallet) SetLabel(label string) {
	w.mu.Lock()
	w.label = label
	w.mu.Unlock()
}

// Secret returns the mnemonic or lndhub URI. Treat the result as highly
// sensitive.
func (w *Wallet) Secret() (string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	switch {
	case w.seed != nil && !w.seed.Wiped():
		return w.seed.Mnemonic(), nil
	case w.secret != nil:
		return string(w.secret), nil
	default:
		return "", ErrWiped
	}
}

// Zero wipes the seed or secret. The wallet can no longer derive or sign.
func (w *Wallet) Zero() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seed != nil {
		w.seed.Zero()
	}
	wipe(w.secret)
	w.secret = nil
}

// Wiped reports whether the key material has been zeroed.
func (w *Wallet) Wiped() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.flavor.HD() {
		return w.seed == nil || w.seed.Wiped()
	}
	return w.secret == nil
}

// Balance returns the cached balance in sats. No network access.
func (w *Wallet) Balance() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.balance.Total()
}

// BalanceDetail returns the balance split by confirmation state.
func (w *Wallet) BalanceDetail() Balance {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.balance
}

// SyncedHeight returns the chain tip of the last completed sync pass.
func (w *Wallet) SyncedHeight() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.syncedHeight
}

// SetSyncedHeight records a completed sync pass.
func (w *Wallet) SetSyncedHeight(h int64) {
	w.mu.Lock()
	if h > w.syncedHeight {
		w.syncedHeight = h
	}
	w.mu.Unlock()
}

// DeriveAddress derives the address at change/index on the wallet's account.
func (w *Wallet) DeriveAddress(change, index uint32) (AddressRecord, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.deriveLocked(change, index)
}

func (w *Wallet) deriveLocked(change, index uint32) (AddressRecord, error) {
	if !w.flavor.HD() {
		return AddressRecord{}, fmt.Errorf("%w: %s has no derivation scope", ErrInvalidDerivationPath, w.flavor)
	}
	if w.seed == nil || w.seed.Wiped() {
		return AddressRecord{}, ErrWiped
	}
	return DeriveAddress(w.seed.Bytes(), w.flavor, w.params, w.account, change, index)
}

// Addresses returns a copy of the tracked addresses ordered by chain, index.
func (w *Wallet) Addresses() []AddressRecord {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]AddressRecord, len(w.addresses))
	copy(out, w.addresses)
	return out
}

func (w *Wallet) findAddress(addr string) int {
	for i := range w.addresses {
		if w.addresses[i].Address == addr {
			return i
		}
	}
	return -1
}

// TrackAddress adds rec to the tracked set. Tracking an already known
// address is a no-op.
func (w *Wallet) TrackAddress(rec AddressRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trackLocked(rec)
}

func (w *Wallet) trackLocked(rec AddressRecord) {
	if w.findAddress(rec.Address) >= 0 {
		return
	}
	w.addresses = append(w.addresses, rec)
	sort.SliceStable(w.addresses, func(i, j int) bool {
		a, b := w.addresses[i], w.addresses[j]
		if a.Chain != b.Chain {
			return a.Chain < b.Chain
		}
		return a.Index < b.Index
	})
}

// NextUnused returns the first tracked unused address on chain, deriving
// and tracking the next index when every tracked address has been used.
func (w *Wallet) NextUnused(chain uint32) (AddressRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	next := uint32(0)
	for _, a := range w.addresses {
		if a.Chain != chain {
			continue
		}
		if !a.Used {
			return a, nil
		}
		if a.Index >= next {
			next = a.Index + 1
		}
	}
	rec, err := w.deriveLocked(chain, next)
	if err != nil {
		return AddressRecord{}, err
	}
	w.trackLocked(rec)
	return rec, nil
}

// ApplyAddressUpdate merges a query result for one address. Updates are
// commutative: a result observed at a lower height than the one already
// applied is discarded. It reports whether the update was applied.
func (w *Wallet) ApplyAddressUpdate(u AddressUpdate) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	i := w.findAddress(u.Address)
	if i < 0 {
		return false
	}
	rec := &w.addresses[i]
	if u.Height < rec.LastSeenHeight {
		return false
	}
	rec.LastSeenHeight = u.Height
	rec.Used = rec.Used || u.Used || len(u.UTXOs) > 0

	kept := w.utxos[:0]
	for _, utxo := range w.utxos {
		if utxo.Address != u.Address {
			kept = append(kept, utxo)
		}
	}
	w.utxos = kept
	for _, utxo := range u.UTXOs {
		utxo.Address = rec.Address
		utxo.Path = rec.Path
		utxo.PkScript = rec.PkScript
		w.utxos = append(w.utxos, utxo)
	}
	sortUTXOs(w.utxos)
	w.balance = sumUTXOs(w.utxos)
	return true
}

// UTXOs returns a copy of the known unspent outputs.
func (w *Wallet) UTXOs() []UTXO {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]UTXO, len(w.utxos))
	copy(out, w.utxos)
	return out
}

// MarkSpent drops the outputs consumed by inputs from the UTXO set, so a
// broadcast payment is reflected before the server reports it. It returns
// the outputs removed.
func (w *Wallet) MarkSpent(inputs []wire.OutPoint) []UTXO {
	spent := make(map[string]bool, len(inputs))
	for _, op := range inputs {
		spent[op.String()] = true
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	var removed []UTXO
	kept := w.utxos[:0]
	for _, u := range w.utxos {
		if spent[u.Outpoint()] {
			removed = append(removed, u)
			continue
		}
		kept = append(kept, u)
	}
	w.utxos = kept
	w.balance = sumUTXOs(w.utxos)
	return removed
}

// UpsertTransaction inserts or updates a record. Final records are never
// modified. It reports whether anything changed.
func (w *Wallet) UpsertTransaction(tx TxRecord) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if old, ok := w.txs[tx.TxID]; ok && (old.Final() || old == tx) {
		return false
	}
	w.txs[tx.TxID] = tx
	return true
}

// Transaction returns the record for txid.
func (w *Wallet) Transaction(txid string) (TxRecord, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	tx, ok := w.txs[txid]
	return tx, ok
}

// RefreshConfirmations recomputes confirmation counts against tip for
// records that are not yet final.
func (w *Wallet) RefreshConfirmations(tip int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, tx := range w.txs {
		if tx.Final() || tx.Height <= 0 || tip < tx.Height {
			continue
		}
		tx.Confirmations = tip - tx.Height + 1
		w.txs[id] = tx
	}
}

// Transactions returns records newest first, mempool entries on top.
func (w *Wallet) Transactions() []TxRecord {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]TxRecord, 0, len(w.txs))
	for _, tx := range w.txs {
		out = append(out, tx)
	}
	sortTxs(out)
	return out
}

func sortUTXOs(utxos []UTXO) {
	sort.Slice(utxos, func(i, j int) bool {
		if utxos[i].TxID != utxos[j].TxID {
			return utxos[i].TxID < utxos[j].TxID
		}
		return utxos[i].Vout < utxos[j].Vout
	})
}

func sortTxs(txs []TxRecord) {
	sort.Slice(txs, func(i, j int) bool {
		hi, hj := txs[i].Height, txs[j].Height
		if (hi <= 0) != (hj <= 0) {
			return hi <= 0
		}
		if hi != hj {
			return hi > hj
		}
		return txs[i].TxID < txs[j].TxID
	})
}

// Record is the persisted form of a wallet.
type Record struct {
	ID           string          `json:"id"`
	Label        string          `json:"label"`
	Flavor       Flavor          `json:"flavor"`
	Network      string          `json:"network"`
	Account      uint32          `json:"account"`
	CreatedAt    time.Time       `json:"created_at"`
	Secret       string          `json:"secret"`
	SyncedHeight int64           `json:"synced_height"`
	Addresses    []AddressRecord `json:"addresses"`
	UTXOs        []UTXO          `json:"utxos"`
	Transactions []TxRecord      `json:"transactions"`
}

// Record snapshots the wallet for persistence. Slices are in a fixed order
// so equal wallets serialize to equal bytes.
func (w *Wallet) Record() (Record, error) {
	secret, err := w.Secret()
	if err != nil {
		return Record{}, err
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	rec := Record{
		ID:           w.id,
		Label:        w.label,
		Flavor:       w.flavor,
		Network:      w.params.Name,
		Account:      w.account,
		CreatedAt:    w.createdAt,
		Secret:       secret,
		SyncedHeight: w.syncedHeight,
		Addresses:    append([]AddressRecord{}, w.addresses...),
		UTXOs:        append([]UTXO{}, w.utxos...),
		Transactions: make([]TxRecord, 0, len(w.txs)),
	}
	for _, tx := range w.txs {
		rec.Transactions = append(rec.Transactions, tx)
	}
	sortTxs(rec.Transactions)
	return rec, nil
}

// FromRecord rebuilds a wallet from its persisted form.
func FromRecord(rec Record) (*Wallet, error) {
	params, err := NetParams(rec.Network)
	if err != nil {
		return nil, err
	}
	w, err := Import(rec.Flavor, rec.Secret, rec.Label, params)
	if err != nil {
		return nil, fmt.Errorf("restore wallet %s: %w", rec.ID, err)
	}
	if !strings.EqualFold(w.id, rec.ID) {
		w.Zero()
		return nil, fmt.Errorf("restore wallet %s: id does not match secret", rec.ID)
	}
	w.account = rec.Account
	w.createdAt = rec.CreatedAt
	w.syncedHeight = rec.SyncedHeight
	w.addresses = append(w.addresses, rec.Addresses...)
	w.utxos = append(w.utxos, rec.UTXOs...)
	sortUTXOs(w.utxos)
	for _, tx := range rec.Transactions {
		w.txs[tx.TxID] = tx
	}
	w.balance = sumUTXOs(w.utxos)
	return w, nil
}

package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

func importTest(t *testing.T, f Flavor) *Wallet {
	t.Helper()
	w, err := Import(f, abandonMnemonic, "test", &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("Import(%s) error: %v", f, err)
	}
	return w
}

// fund tracks receive address index and gives it one UTXO of value sats.
func fund(t *testing.T, w *Wallet, index uint32, value uint64, height int64) AddressRecord {
	t.Helper()
	rec, err := w.DeriveAddress(ChangeExternal, index)
	if err != nil {
		t.Fatalf("DeriveAddress() error: %v", err)
	}
	w.TrackAddress(rec)
	ok := w.ApplyAddressUpdate(AddressUpdate{
		Address: rec.Address,
		Height:  height,
		Used:    true,
		UTXOs:   []UTXO{{TxID: fmt.Sprintf("%064x", index+1), Vout: 0, Value: value, Height: height}},
	})
	if !ok {
		t.Fatal("ApplyAddressUpdate() rejected update")
	}
	return rec
}

func TestGenerate_SegwitReceiveAddresses(t *testing.T) {
	w, err := Generate(FlavorSegwitBech32, "Savings", &chaincfg.MainNetParams, 12)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}

	a0, err := w.DeriveAddress(ChangeExternal, 0)
	if err != nil {
		t.Fatalf("DeriveAddress(0) error: %v", err)
	}
	a1, err := w.DeriveAddress(ChangeExternal, 1)
	if err != nil {
		t.Fatalf("DeriveAddress(1) error: %v", err)
	}
	if a0.Address == a1.Address {
		t.Error("index 0 and 1 should differ")
	}
	for _, a := range []AddressRecord{a0, a1} {
		if err := ValidateAddress(FlavorSegwitBech32, &chaincfg.MainNetParams, a.Address); err != nil {
			t.Errorf("%s does not validate: %v", a.Address, err)
		}
	}
}

func TestGenerate_LightningRequiresImport(t *testing.T) {
	_, err := Generate(FlavorLightningCustodial, "ln", &chaincfg.MainNetParams, 12)
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}

func TestImport_StableID(t *testing.T) {
	a := importTest(t, FlavorSegwitBech32)
	b := importTest(t, FlavorSegwitBech32)
	c := importTest(t, FlavorTaproot)

	if len(a.ID()) != IDLength {
		t.Errorf("id length = %d, want %d", len(a.ID()), IDLength)
	}
	if a.ID() != b.ID() {
		t.Error("same flavor and secret should give the same id")
	}
	if a.ID() == c.ID() {
		t.Error("different flavors should give different ids")
	}
}

func TestImport_InvalidSecret(t *testing.T) {
	if _, err := Import(FlavorSegwitBech32, "abandon abandon", "x", &chaincfg.MainNetParams); !errors.Is(err, ErrInvalidMnemonic) {
		t.Errorf("bad mnemonic: %v", err)
	}
	if _, err := Import(FlavorLightningCustodial, "https://example.com", "x", &chaincfg.MainNetParams); !errors.Is(err, ErrInvalidSecret) {
		t.Errorf("bad lndhub uri: %v", err)
	}
	if _, err := Import(Flavor(99), abandonMnemonic, "x", &chaincfg.MainNetParams); !errors.Is(err, ErrUnknownFlavor) {
		t.Errorf("unknown flavor: %v", err)
	}
}

func TestWallet_SecretAndZero(t *testing.T) {
	w := importTest(t, FlavorLegacyP2PKH)
	secret, err := w.Secret()
	if err != nil || secret != abandonMnemonic {
		t.Fatalf("Secret() = %q, %v", secret, err)
	}

	w.Zero()
	if !w.Wiped() {
		t.Error("Wiped() should be true")
	}
	if _, err := w.Secret(); !errors.Is(err, ErrWiped) {
		t.Errorf("Secret() after Zero = %v, want ErrWiped", err)
	}
	if _, err := w.DeriveAddress(0, 0); !errors.Is(err, ErrWiped) {
		t.Errorf("DeriveAddress() after Zero = %v, want ErrWiped", err)
	}
}

func TestWallet_BalanceEqualsUTXOSum(t *testing.T) {
	w := importTest(t, FlavorSegwitBech32)
	fund(t, w, 0, 50_000, 100)
	fund(t, w, 1, 25_000, 0)

	if w.Balance() != 75_000 {
		t.Errorf("Balance() = %d, want 75000", w.Balance())
	}
	detail := w.BalanceDetail()
	if detail.Confirmed != 50_000 || detail.Unconfirmed != 25_000 {
		t.Errorf("BalanceDetail() = %+v", detail)
	}

	var sum uint64
	for _, u := range w.UTXOs() {
		sum += u.Value
	}
	if sum != w.Balance() {
		t.Errorf("balance %d != utxo sum %d", w.Balance(), sum)
	}
}

func TestMarkSpent(t *testing.T) {
	w := importTest(t, FlavorSegwitBech32)
	a := fund(t, w, 0, 50_000, 100)
	fund(t, w, 1, 25_000, 0)

	var first wire.OutPoint
	for _, u := range w.UTXOs() {
		if u.Address == a.Address {
			op, err := wire.NewOutPointFromString(u.Outpoint())
			if err != nil {
				t.Fatal(err)
			}
			first = *op
		}
	}
	unknown := *wire.NewOutPoint(&chainhash.Hash{0xaa}, 3)

	removed := w.MarkSpent([]wire.OutPoint{first, unknown})
	if len(removed) != 1 || removed[0].Address != a.Address {
		t.Fatalf("MarkSpent() removed %+v, want the output at %s", removed, a.Address)
	}
	if got := w.BalanceDetail(); got.Confirmed != 0 || got.Unconfirmed != 25_000 {
		t.Errorf("BalanceDetail() after MarkSpent = %+v", got)
	}
	if len(w.UTXOs()) != 1 {
		t.Errorf("UTXOs() = %d, want 1", len(w.UTXOs()))
	}
	if removed := w.MarkSpent([]wire.OutPoint{first}); len(removed) != 0 {
		t.Errorf("second MarkSpent() removed %d outputs", len(removed))
	}
}

func TestApplyAddressUpdate_HigherHeightWins(t *testing.T) {
	w := importTest(t, FlavorSegwitBech32)
	rec := fund(t, w, 0, 10_000, 200)

	// An older observation arriving late is discarded.
	stale := AddressUpdate{Address: rec.Address, Height: 150}
	if w.ApplyAddressUpdate(stale) {
		t.Error("stale update should be rejected")
	}
	if w.Balance() != 10_000 {
		t.Errorf("Balance() = %d after stale update", w.Balance())
	}

	// A newer observation showing the coin spent replaces the set.
	spent := AddressUpdate{Address: rec.Address, Height: 210, Used: true}
	if !w.ApplyAddressUpdate(spent) {
		t.Fatal("newer update should apply")
	}
	if w.Balance() != 0 {
		t.Errorf("Balance() = %d, want 0", w.Balance())
	}
	var got AddressRecord
	for _, a := range w.Addresses() {
		if a.Address == rec.Address {
			got = a
		}
	}
	if !got.Used || got.LastSeenHeight != 210 {
		t.Errorf("address record = %+v", got)
	}
}

func TestApplyAddressUpdate_UnknownAddress(t *testing.T) {
	w := importTest(t, FlavorSegwitBech32)
	if w.ApplyAddressUpdate(AddressUpdate{Address: "bc1qunknown", Height: 1}) {
		t.Error("update for an untracked address should be ignored")
	}
}

func TestNextUnused(t *testing.T) {
	w := importTest(t, FlavorSegwitBech32)

	first, err := w.NextUnused(ChangeExternal)
	if err != nil {
		t.Fatalf("NextUnused() error: %v", err)
	}
	if first.Index != 0 {
		t.Errorf("first index = %d, want 0", first.Index)
	}
	again, _ := w.NextUnused(ChangeExternal)
	if again.Address != first.Address {
		t.Error("NextUnused should return the same address until it is used")
	}

	w.ApplyAddressUpdate(AddressUpdate{Address: first.Address, Height: 5, Used: true})
	next, _ := w.NextUnused(ChangeExternal)
	if next.Index != 1 {
		t.Errorf("next index = %d, want 1", next.Index)
	}

	change, _ := w.NextUnused(ChangeInternal)
	if change.Chain != ChangeInternal || change.Index != 0 {
		t.Errorf("change address = %+v", change)
	}
}

func TestUpsertTransaction_FinalIsImmutable(t *testing.T) {
	w := importTest(t, FlavorSegwitBech32)
	tx := TxRecord{TxID: "aa", Height: 100, Confirmations: 1, ValueSats: 500}
	if !w.UpsertTransaction(tx) {
		t.Fatal("insert should report a change")
	}

	w.RefreshConfirmations(104)
	if got, _ := w.Transaction("aa"); got.Confirmations != 5 {
		t.Errorf("confirmations = %d, want 5", got.Confirmations)
	}
	w.RefreshConfirmations(105)
	if got, _ := w.Transaction("aa"); !got.Final() {
		t.Fatalf("record should be final at 6 confirmations: %+v", got)
	}

	tx.ValueSats = -1
	if w.UpsertTransaction(tx) {
		t.Error("final record must not change")
	}
	if got, _ := w.Transaction("aa"); got.ValueSats != 500 {
		t.Errorf("ValueSats = %d, want 500", got.ValueSats)
	}
}

func TestTransactions_Order(t *testing.T) {
	w := importTest(t, FlavorSegwitBech32)
	w.UpsertTransaction(TxRecord{TxID: "old", Height: 10})
	w.UpsertTransaction(TxRecord{TxID: "pending", Height: 0})
	w.UpsertTransaction(TxRecord{TxID: "new", Height: 20})

	txs := w.Transactions()
	order := []string{txs[0].TxID, txs[1].TxID, txs[2].TxID}
	want := []string{"pending", "new", "old"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRecord_RoundTrip(t *testing.T) {
	w := importTest(t, FlavorTaproot)
	fund(t, w, 0, 12_345, 77)
	w.UpsertTransaction(TxRecord{TxID: "bb", Height: 77, Confirmations: 3, ValueSats: 12_345, Timestamp: 1700000000})
	w.SetSyncedHeight(79)

	rec, err := w.Record()
	if err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	var decoded Record
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}

	restored, err := FromRecord(decoded)
	if err != nil {
		t.Fatalf("FromRecord() error: %v", err)
	}
	if restored.ID() != w.ID() || restored.Label() != w.Label() || restored.Flavor() != w.Flavor() {
		t.Error("identity fields differ after round trip")
	}
	if restored.Balance() != 12_345 {
		t.Errorf("Balance() = %d, want 12345", restored.Balance())
	}
	if restored.SyncedHeight() != 79 {
		t.Errorf("SyncedHeight() = %d, want 79", restored.SyncedHeight())
	}
	if _, ok := restored.Transaction("bb"); !ok {
		t.Error("transaction lost in round trip")
	}

	again, _ := restored.Record()
	raw2, _ := json.Marshal(again)
	if string(raw) != string(raw2) {
		t.Error("serialization should be deterministic")
	}
}

func TestFromRecord_IDMismatch(t *testing.T) {
	w := importTest(t, FlavorSegwitBech32)
	rec, _ := w.Record()
	rec.ID = "00000000000000000000000000000000"
	if _, err := FromRecord(rec); err == nil {
		t.Error("FromRecord should reject an id that does not match the secret")
	}
}

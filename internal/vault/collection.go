package vault

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Klingon-tech/klingnet-vault/internal/wallet"
)

// DefaultLabel is the base for generated wallet labels.
const DefaultLabel = "Wallet"

// Collection is the ordered set of wallets held by one store. IDs are
// unique and labels are unique case-insensitively.
type Collection struct {
	mu      sync.RWMutex
	wallets []*wallet.Wallet
}

// NewCollection returns an empty collection.
func NewCollection() *Collection {
	return &Collection{}
}

// Len returns the number of wallets.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.wallets)
}

// List returns the wallets in order.
func (c *Collection) List() []*wallet.Wallet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*wallet.Wallet{}, c.wallets...)
}

// Get returns the wallet with id.
func (c *Collection) Get(id string) (*wallet.Wallet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i := c.indexOf(id); i >= 0 {
		return c.wallets[i], true
	}
	return nil, false
}

// TotalBalance sums the cached balances of every wallet.
func (c *Collection) TotalBalance() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total uint64
	for _, w := range c.wallets {
		total += w.Balance()
	}
	return total
}

// LabelTaken reports whether label is used by a wallet other than exceptID.
func (c *Collection) LabelTaken(label, exceptID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.labelTakenLocked(strings.TrimSpace(label), exceptID)
}

// NextDefaultLabel returns "Wallet", or "Wallet #n" with the smallest n >= 2
// that is free.
func (c *Collection) NextDefaultLabel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.labelTakenLocked(DefaultLabel, "") {
		return DefaultLabel
	}
	for n := 2; ; n++ {
		label := fmt.Sprintf("%s #%d", DefaultLabel, n)
		if !c.labelTakenLocked(label, "") {
			return label
		}
	}
}

func (c *Collection) indexOf(id string) int {
	for i, w := range c.wallets {
		if w.ID() == id {
			return i
		}
	}
	return -1
}

func (c *Collection) labelTakenLocked(label, exceptID string) bool {
	for _, w := range c.wallets {
		if w.ID() != exceptID && strings.EqualFold(strings.TrimSpace(w.Label()), label) {
			return true
		}
	}
	return false
}

// add appends w after checking id and label uniqueness.
func (c *Collection) add(w *wallet.Wallet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(w, len(c.wallets))
}

func (c *Collection) insertLocked(w *wallet.Wallet, at int) error {
	label := strings.TrimSpace(w.Label())
	if label == "" {
		return ErrEmptyLabel
	}
	if c.indexOf(w.ID()) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateWallet, w.ID())
	}
	if c.labelTakenLocked(label, "") {
		return fmt.Errorf("%w: %q", ErrDuplicateLabel, label)
	}
	w.SetLabel(label)
	c.placeLocked(w, at)
	return nil
}

func (c *Collection) placeLocked(w *wallet.Wallet, at int) {
	if at < 0 || at > len(c.wallets) {
		at = len(c.wallets)
	}
	c.wallets = append(c.wallets, nil)
	copy(c.wallets[at+1:], c.wallets[at:])
	c.wallets[at] = w
}

// remove takes the wallet out and reports where it was.
func (c *Collection) remove(id string) (*wallet.Wallet, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexOf(id)
	if i < 0 {
		return nil, -1, fmt.Errorf("%w: %s", ErrWalletNotFound, id)
	}
	w := c.wallets[i]
	c.wallets = append(c.wallets[:i], c.wallets[i+1:]...)
	return w, i, nil
}

// restore puts a removed wallet back at its old position.
func (c *Collection) restore(w *wallet.Wallet, at int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.indexOf(w.ID()) >= 0 {
		return
	}
	c.placeLocked(w, at)
}

// rename changes a label, returning the old one.
func (c *Collection) rename(id, label string) (string, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return "", ErrEmptyLabel
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexOf(id)
	if i < 0 {
		return "", fmt.Errorf("%w: %s", ErrWalletNotFound, id)
	}
	if c.labelTakenLocked(label, id) {
		return "", fmt.Errorf("%w: %q", ErrDuplicateLabel, label)
	}
	old := c.wallets[i].Label()
	c.wallets[i].SetLabel(label)
	return old, nil
}

// document is the serialized collection.
type document struct {
	Version int             `json:"version"`
	Wallets []wallet.Record `json:"wallets"`
}

// snapshot captures every wallet under the read lock so a save never sees
// a collection mid-mutation.
func (c *Collection) snapshot() (*document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc := &document{Version: FormatVersion, Wallets: make([]wallet.Record, 0, len(c.wallets))}
	for _, w := range c.wallets {
		rec, err := w.Record()
		if err != nil {
			return nil, fmt.Errorf("snapshot wallet %s: %w", w.ID(), err)
		}
		doc.Wallets = append(doc.Wallets, rec)
	}
	return doc, nil
}

// zeroAll wipes every wallet's key material.
func (c *Collection) zeroAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.wallets {
		w.Zero()
	}
	c.wallets = nil
}

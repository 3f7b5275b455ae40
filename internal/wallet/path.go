package wallet

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/tyler-smith/go-bip32"
)

// Change chains.
const (
	// ChangeExternal is for receiving addresses.
	ChangeExternal = 0

	// ChangeInternal is for change addresses.
	ChangeInternal = 1
)

// Path is a BIP-32 derivation path in binary form.
type Path []uint32

// ParsePath converts "m/84'/0'/0'/0/5" to a Path. Both ' and h mark hardened
// elements.
func ParsePath(s string) (Path, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidDerivationPath)
	}

	elems := strings.Split(s, "/")
	if strings.TrimSpace(elems[0]) == "m" {
		elems = elems[1:]
	}
	if len(elems) == 0 {
		return nil, fmt.Errorf("%w: %q has no elements", ErrInvalidDerivationPath, s)
	}

	path := make(Path, 0, len(elems))
	for _, elem := range elems {
		elem = strings.TrimSpace(elem)
		if elem == "" {
			return nil, fmt.Errorf("%w: %q has an empty element", ErrInvalidDerivationPath, s)
		}

		var value uint32
		if strings.HasSuffix(elem, "'") || strings.HasSuffix(elem, "h") {
			value = bip32.FirstHardenedChild
			elem = strings.TrimSpace(elem[:len(elem)-1])
		}

		n, ok := new(big.Int).SetString(elem, 10)
		if !ok {
			return nil, fmt.Errorf("%w: invalid element %q", ErrInvalidDerivationPath, elem)
		}
		limit := int64(math.MaxUint32 - value)
		if value != 0 {
			limit = int64(bip32.FirstHardenedChild - 1)
		}
		if n.Sign() < 0 || n.Cmp(big.NewInt(limit)) > 0 {
			return nil, fmt.Errorf("%w: element %v out of range [0, %d]", ErrInvalidDerivationPath, n, limit)
		}
		path = append(path, value+uint32(n.Uint64()))
	}
	return path, nil
}

// String returns the canonical representation, e.g. "m/84'/0'/0'/0/5".
func (p Path) String() string {
	var b strings.Builder
	b.WriteString("m")
	for _, c := range p {
		if c >= bip32.FirstHardenedChild {
			fmt.Fprintf(&b, "/%d'", c-bip32.FirstHardenedChild)
		} else {
			fmt.Fprintf(&b, "/%d", c)
		}
	}
	return b.String()
}

// HasPrefix reports whether prefix is an ancestor of (or equal to) p.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

// ChainIndex returns the change and index elements of a full address path.
func (p Path) ChainIndex() (chain, index uint32, err error) {
	if len(p) != 5 {
		return 0, 0, fmt.Errorf("%w: %s is not an address path", ErrInvalidDerivationPath, p)
	}
	return p[3], p[4], nil
}

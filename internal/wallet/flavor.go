package wallet

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip32"
)

// Flavor is the address/script type of a wallet.
type Flavor uint8

// Wallet flavors.
const (
	FlavorSegwitBech32 Flavor = iota + 1
	FlavorLegacyP2PKH
	FlavorTaproot
	FlavorLightningCustodial
)

// Derivation purposes (BIP-44, BIP-84, BIP-86).
const (
	PurposeBIP44 = 44
	PurposeBIP84 = 84
	PurposeBIP86 = 86
)

// Flavors lists every known flavor in display order.
var Flavors = []Flavor{
	FlavorSegwitBech32,
	FlavorLegacyP2PKH,
	FlavorTaproot,
	FlavorLightningCustodial,
}

// String returns the canonical flavor name.
func (f Flavor) String() string {
	switch f {
	case FlavorSegwitBech32:
		return "segwit-bech32"
	case FlavorLegacyP2PKH:
		return "legacy-p2pkh"
	case FlavorTaproot:
		return "taproot"
	case FlavorLightningCustodial:
		return "lightning-custodial"
	default:
		return fmt.Sprintf("flavor(%d)", uint8(f))
	}
}

// ParseFlavor parses a flavor name. A few common aliases are accepted.
func ParseFlavor(s string) (Flavor, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "segwit-bech32", "segwit", "bech32", "p2wpkh":
		return FlavorSegwitBech32, nil
	case "legacy-p2pkh", "legacy", "p2pkh":
		return FlavorLegacyP2PKH, nil
	case "taproot", "p2tr":
		return FlavorTaproot, nil
	case "lightning-custodial", "lightning", "lndhub":
		return FlavorLightningCustodial, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFlavor, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (f Flavor) MarshalText() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFlavor, uint8(f))
	}
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Flavor) UnmarshalText(b []byte) error {
	parsed, err := ParseFlavor(string(b))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Valid reports whether f is a known flavor.
func (f Flavor) Valid() bool {
	switch f {
	case FlavorSegwitBech32, FlavorLegacyP2PKH, FlavorTaproot, FlavorLightningCustodial:
		return true
	default:
		return false
	}
}

// HD reports whether the flavor derives keys from a BIP-39 seed.
func (f Flavor) HD() bool {
	switch f {
	case FlavorSegwitBech32, FlavorLegacyP2PKH, FlavorTaproot:
		return true
	default:
		return false
	}
}

// Purpose returns the BIP-43 purpose for HD flavors.
func (f Flavor) Purpose() (uint32, error) {
	switch f {
	case FlavorSegwitBech32:
		return PurposeBIP84, nil
	case FlavorLegacyP2PKH:
		return PurposeBIP44, nil
	case FlavorTaproot:
		return PurposeBIP86, nil
	case FlavorLightningCustodial:
		return 0, fmt.Errorf("%w: %s wallets have no derivation scope", ErrInvalidDerivationPath, f)
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownFlavor, uint8(f))
	}
}

// CoinType returns the BIP-44 coin type for the network: 0 on mainnet and 1
// on every test network.
func CoinType(params *chaincfg.Params) uint32 {
	if params.Net == chaincfg.MainNetParams.Net {
		return 0
	}
	return 1
}

// AccountPath returns m/purpose'/coin'/account' for the flavor.
func AccountPath(f Flavor, params *chaincfg.Params, account uint32) (Path, error) {
	purpose, err := f.Purpose()
	if err != nil {
		return nil, err
	}
	if account >= bip32.FirstHardenedChild {
		return nil, fmt.Errorf("%w: account %d out of range", ErrInvalidDerivationPath, account)
	}
	return Path{
		bip32.FirstHardenedChild + purpose,
		bip32.FirstHardenedChild + CoinType(params),
		bip32.FirstHardenedChild + account,
	}, nil
}

// AddressPath returns m/purpose'/coin'/account'/change/index.
func AddressPath(f Flavor, params *chaincfg.Params, account, change, index uint32) (Path, error) {
	base, err := AccountPath(f, params, account)
	if err != nil {
		return nil, err
	}
	if change != ChangeExternal && change != ChangeInternal {
		return nil, fmt.Errorf("%w: change %d", ErrInvalidDerivationPath, change)
	}
	if index >= bip32.FirstHardenedChild {
		return nil, fmt.Errorf("%w: index %d out of range", ErrInvalidDerivationPath, index)
	}
	return append(base, change, index), nil
}

// NetParams maps a network name to its chain parameters.
func NetParams(name string) (*chaincfg.Params, error) {
	switch strings.ToLower(name) {
	case "", "mainnet", "main", "bitcoin":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3", "test":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", name)
	}
}

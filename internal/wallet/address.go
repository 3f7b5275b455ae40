package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// AddressRecord is a derived address tracked by a wallet.
type AddressRecord struct {
	Path           string `json:"path"`
	Chain          uint32 `json:"chain"`
	Index          uint32 `json:"index"`
	Address        string `json:"address"`
	PkScript       []byte `json:"pk_script"`
	Used           bool   `json:"used"`
	LastSeenHeight int64  `json:"last_seen_height"`
}

// EncodeAddress encodes a compressed public key as the flavor's address type.
func EncodeAddress(f Flavor, pubKey []byte, params *chaincfg.Params) (btcutil.Address, error) {
	switch f {
	case FlavorSegwitBech32:
		return btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pubKey), params)
	case FlavorLegacyP2PKH:
		return btcutil.NewAddressPubKeyHash(btcutil.Hash160(pubKey), params)
	case FlavorTaproot:
		internal, err := btcec.ParsePubKey(pubKey)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		// BIP-86 key path spend: tweak with an empty script tree.
		output := txscript.ComputeTaprootKeyNoScript(internal)
		return btcutil.NewAddressTaproot(schnorr.SerializePubKey(output), params)
	case FlavorLightningCustodial:
		return nil, fmt.Errorf("%w: %s has no on-chain addresses", ErrUnsupported, f)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownFlavor, uint8(f))
	}
}

// DeriveAddress derives the address at m/purpose'/coin'/account'/change/index
// for the flavor. It is a pure function of its arguments.
func DeriveAddress(seed []byte, f Flavor, params *chaincfg.Params, account, change, index uint32) (AddressRecord, error) {
	path, err := AddressPath(f, params, account, change, index)
	if err != nil {
		return AddressRecord{}, err
	}
	master, err := NewMasterKey(seed)
	if err != nil {
		return AddressRecord{}, err
	}
	defer master.Zero()

	child, err := master.DerivePath(path)
	if err != nil {
		return AddressRecord{}, err
	}
	defer child.Zero()

	addr, err := EncodeAddress(f, child.PublicKeyBytes(), params)
	if err != nil {
		return AddressRecord{}, err
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return AddressRecord{}, fmt.Errorf("build output script: %w", err)
	}
	return AddressRecord{
		Path:     path.String(),
		Chain:    change,
		Index:    index,
		Address:  addr.EncodeAddress(),
		PkScript: script,
	}, nil
}

// ValidateAddress checks that addr is a well-formed address of the flavor's
// type on the given network.
func ValidateAddress(f Flavor, params *chaincfg.Params, addr string) error {
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if !decoded.IsForNet(params) {
		return fmt.Errorf("%w: %s is not a %s address", ErrInvalidAddress, addr, params.Name)
	}

	var ok bool
	switch f {
	case FlavorSegwitBech32:
		_, ok = decoded.(*btcutil.AddressWitnessPubKeyHash)
	case FlavorLegacyP2PKH:
		_, ok = decoded.(*btcutil.AddressPubKeyHash)
	case FlavorTaproot:
		_, ok = decoded.(*btcutil.AddressTaproot)
	case FlavorLightningCustodial:
		return fmt.Errorf("%w: %s has no on-chain addresses", ErrUnsupported, f)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownFlavor, uint8(f))
	}
	if !ok {
		return fmt.Errorf("%w: %s is not a %s address", ErrInvalidAddress, addr, f)
	}
	return nil
}

// DestinationScript decodes any standard address on the network and returns
// its output script. Payments may go to any address type.
func DestinationScript(params *chaincfg.Params, addr string) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if !decoded.IsForNet(params) {
		return nil, fmt.Errorf("%w: %s is not a %s address", ErrInvalidAddress, addr, params.Name)
	}
	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return script, nil
}

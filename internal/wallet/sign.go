package wallet

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Output is a payment in a draft transaction. PkScript is derived from
// Address when empty.
type Output struct {
	Address  string
	PkScript []byte
	Value    uint64
}

// Draft is an unsigned transaction: inputs owned by the wallet, outputs and
// the fee the difference must leave for miners.
type Draft struct {
	Inputs      []UTXO
	Outputs     []Output
	Fee         uint64
	ChangeIndex int // Index of the change output, -1 when there is none.
}

// SignedTx is a fully signed transaction ready for broadcast.
type SignedTx struct {
	Tx   *wire.MsgTx
	TxID string
	Raw  []byte
	Fee  uint64
}

// Hex returns the serialized transaction in hex.
func (s *SignedTx) Hex() string {
	return hex.EncodeToString(s.Raw)
}

// BuildDraft funds a payment of amount sats to dest at feeRate sat/vB.
// Change goes to the next unused internal address; change below the dust
// limit is left to the fee instead.
func (w *Wallet) BuildDraft(dest string, amount, feeRate uint64) (*Draft, error) {
	if !w.flavor.HD() {
		return nil, fmt.Errorf("%w: %s cannot build on-chain payments", ErrUnsupported, w.flavor)
	}
	if amount < DustLimit {
		return nil, fmt.Errorf("amount %d is below the dust limit of %d", amount, DustLimit)
	}
	destScript, err := DestinationScript(w.params, dest)
	if err != nil {
		return nil, err
	}
	change, err := w.NextUnused(ChangeInternal)
	if err != nil {
		return nil, fmt.Errorf("derive change address: %w", err)
	}

	scripts := [][]byte{destScript, change.PkScript}
	utxos := w.UTXOs()
	fee := EstimateFee(EstimateVSize(w.flavor, 1, scripts), feeRate)

	var sel *CoinSelection
	for settled := false; !settled; {
		sel, err = SelectCoins(utxos, amount+fee)
		if err != nil {
			return nil, err
		}
		need := EstimateFee(EstimateVSize(w.flavor, len(sel.Inputs), scripts), feeRate)
		settled = need <= fee
		fee = max(fee, need)
	}

	d := &Draft{
		Inputs:      sel.Inputs,
		Outputs:     []Output{{Address: dest, PkScript: destScript, Value: amount}},
		Fee:         fee,
		ChangeIndex: -1,
	}
	if rest := sel.Total - amount - fee; rest >= DustLimit {
		d.Outputs = append(d.Outputs, Output{Address: change.Address, PkScript: change.PkScript, Value: rest})
		d.ChangeIndex = 1
	} else {
		d.Fee += rest
	}
	return d, nil
}

// Sign signs every input of the draft with the key at its derivation path.
// Inputs must cover outputs plus fee, and every input path must lie in the
// wallet's account scope.
func (w *Wallet) Sign(d *Draft) (*SignedTx, error) {
	if !w.flavor.HD() {
		return nil, fmt.Errorf("%w: %s cannot sign on-chain transactions", ErrUnsupported, w.flavor)
	}
	if len(d.Inputs) == 0 || len(d.Outputs) == 0 {
		return nil, fmt.Errorf("draft needs at least one input and one output")
	}

	var in, out uint64
	for _, u := range d.Inputs {
		in += u.Value
	}
	for _, o := range d.Outputs {
		if o.Value == 0 {
			return nil, fmt.Errorf("output to %s has zero value", o.Address)
		}
		out += o.Value
	}
	if in < out+d.Fee {
		return nil, fmt.Errorf("%w: inputs %d, outputs %d, fee %d", ErrInsufficientFunds, in, out, d.Fee)
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.seed == nil || w.seed.Wiped() {
		return nil, ErrWiped
	}
	scope, err := AccountPath(w.flavor, w.params, w.account)
	if err != nil {
		return nil, err
	}
	master, err := NewMasterKey(w.seed.Bytes())
	if err != nil {
		return nil, err
	}
	defer master.Zero()

	tx := wire.NewMsgTx(wire.TxVersion + 1)
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	keys := make([]*HDKey, len(d.Inputs))
	defer func() {
		for _, k := range keys {
			if k != nil {
				k.Zero()
			}
		}
	}()

	for i, u := range d.Inputs {
		key, script, err := w.inputKey(master, scope, u)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", u.Outpoint(), err)
		}
		keys[i] = key
		d.Inputs[i].PkScript = script

		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("input %s: bad txid: %w", u.Outpoint(), err)
		}
		op := wire.NewOutPoint(hash, u.Vout)
		txIn := wire.NewTxIn(op, nil, nil)
		txIn.Sequence = wire.MaxTxInSequenceNum - 2 // signal RBF
		tx.AddTxIn(txIn)
		fetcher.AddPrevOut(*op, wire.NewTxOut(int64(u.Value), script))
	}

	for _, o := range d.Outputs {
		script := o.PkScript
		if len(script) == 0 {
			if script, err = DestinationScript(w.params, o.Address); err != nil {
				return nil, err
			}
		}
		tx.AddTxOut(wire.NewTxOut(int64(o.Value), script))
	}

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, u := range d.Inputs {
		if err := w.signInput(tx, sigHashes, i, u, keys[i]); err != nil {
			return nil, fmt.Errorf("sign input %s: %w", u.Outpoint(), err)
		}
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize: %w", err)
	}
	return &SignedTx{
		Tx:   tx,
		TxID: tx.TxHash().String(),
		Raw:  buf.Bytes(),
		Fee:  in - out,
	}, nil
}

// inputKey derives the key for a UTXO after checking its path lies inside
// scope and that the key actually controls the output script.
func (w *Wallet) inputKey(master *HDKey, scope Path, u UTXO) (*HDKey, []byte, error) {
	path, err := ParsePath(u.Path)
	if err != nil {
		return nil, nil, err
	}
	if len(path) != len(scope)+2 || !path.HasPrefix(scope) {
		return nil, nil, fmt.Errorf("%w: %s is outside %s", ErrInvalidDerivationPath, path, scope)
	}
	chain, index, err := path.ChainIndex()
	if err != nil {
		return nil, nil, err
	}
	if (chain != ChangeExternal && chain != ChangeInternal) || index >= 1<<31 {
		return nil, nil, fmt.Errorf("%w: %s is outside %s", ErrInvalidDerivationPath, path, scope)
	}

	key, err := master.DerivePath(path)
	if err != nil {
		return nil, nil, err
	}
	addr, err := EncodeAddress(w.flavor, key.PublicKeyBytes(), w.params)
	if err != nil {
		key.Zero()
		return nil, nil, err
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		key.Zero()
		return nil, nil, err
	}
	if len(u.PkScript) > 0 && !bytes.Equal(u.PkScript, script) {
		key.Zero()
		return nil, nil, fmt.Errorf("%w: %s does not control the output script", ErrInvalidDerivationPath, path)
	}
	return key, script, nil
}

func (w *Wallet) signInput(tx *wire.MsgTx, sigHashes *txscript.TxSigHashes, idx int, u UTXO, key *HDKey) error {
	signer, err := key.Signer()
	if err != nil {
		return err
	}
	defer signer.Zero()
	priv := signer.Key()
	amount := int64(u.Value)

	switch w.flavor {
	case FlavorLegacyP2PKH:
		sigScript, err := txscript.SignatureScript(tx, idx, u.PkScript, txscript.SigHashAll, priv, true)
		if err != nil {
			return err
		}
		tx.TxIn[idx].SignatureScript = sigScript
	case FlavorSegwitBech32:
		witness, err := txscript.WitnessSignature(tx, sigHashes, idx, amount, u.PkScript, txscript.SigHashAll, priv, true)
		if err != nil {
			return err
		}
		tx.TxIn[idx].Witness = witness
	case FlavorTaproot:
		witness, err := txscript.TaprootWitnessSignature(tx, sigHashes, idx, amount, u.PkScript, txscript.SigHashDefault, priv)
		if err != nil {
			return err
		}
		tx.TxIn[idx].Witness = witness
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, w.flavor)
	}
	return nil
}

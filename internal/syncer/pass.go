package syncer

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-vault/internal/electrum"
	"github.com/Klingon-tech/klingnet-vault/internal/wallet"
)

// pass is one sync of one wallet against a fixed tip.
type pass struct {
	s      *Syncer
	ctx    context.Context
	w      *wallet.Wallet
	id     string
	tip    int64
	dirty  map[string]struct{}
	logger zerolog.Logger

	history map[string]int64 // txid -> height seen in address histories
	txCache map[string]*wire.MsgTx
	times   map[int64]int64 // height -> block timestamp

	queried int
}

// addrResult is what the server reported for one address.
type addrResult struct {
	used  bool
	utxos []wallet.UTXO
}

func (p *pass) run() error {
	start := time.Now()
	p.history = make(map[string]int64)

	for _, chain := range []uint32{wallet.ChangeExternal, wallet.ChangeInternal} {
		if err := p.scanChain(chain); err != nil {
			return err
		}
	}
	if err := p.syncTransactions(); err != nil {
		return err
	}
	if err := p.live(); err != nil {
		return err
	}
	p.w.RefreshConfirmations(p.tip)
	p.w.SetSyncedHeight(p.tip)

	p.logger.Info().
		Int64("tip", p.tip).
		Int("queried", p.queried).
		Int("addresses", len(p.w.Addresses())).
		Uint64("balance", p.w.Balance()).
		Dur("took", time.Since(start)).
		Msg("Wallet synced")
	return nil
}

// live fails once the pass is cancelled or the wallet left the collection,
// so results are never applied to a deleted wallet.
func (p *pass) live() error {
	if err := p.ctx.Err(); err != nil {
		return err
	}
	if cur, ok := p.s.wallets.Get(p.id); !ok || cur != p.w {
		return fmt.Errorf("%w: %s", ErrUnknownWallet, p.id)
	}
	return nil
}

// scanChain walks one derivation chain in index order until GapLimit
// consecutive unused addresses were seen. A used address resets the count.
func (p *pass) scanChain(chain uint32) error {
	known := make(map[uint32]wallet.AddressRecord)
	for _, rec := range p.w.Addresses() {
		if rec.Chain == chain {
			known[rec.Index] = rec
		}
	}

	gap := 0
	index := uint32(0)
	for gap < p.s.cfg.GapLimit {
		// Never look further than the remaining gap allows.
		size := p.s.cfg.BatchSize
		if left := p.s.cfg.GapLimit - gap; left < size {
			size = left
		}
		batch := make([]wallet.AddressRecord, 0, size)
		for i := 0; i < size; i++ {
			idx := index + uint32(i)
			rec, ok := known[idx]
			if !ok {
				var err error
				if rec, err = p.w.DeriveAddress(chain, idx); err != nil {
					return err
				}
			}
			batch = append(batch, rec)
		}

		results, err := p.query(batch)
		if err != nil {
			return err
		}
		if err := p.live(); err != nil {
			return err
		}

		for _, rec := range batch {
			if _, ok := known[rec.Index]; !ok {
				p.w.TrackAddress(rec)
			}
			used := rec.Used
			if res, ok := results[rec.Address]; ok {
				p.w.ApplyAddressUpdate(wallet.AddressUpdate{
					Address: rec.Address,
					Height:  p.tip,
					Used:    res.used,
					UTXOs:   res.utxos,
				})
				used = used || res.used
			}
			if used {
				gap = 0
			} else {
				gap++
			}
			index++
		}
	}
	return nil
}

// stale reports whether rec must be queried at this tip.
func (p *pass) stale(rec wallet.AddressRecord) bool {
	if _, ok := p.dirty[rec.Address]; ok {
		return true
	}
	return rec.LastSeenHeight == 0 || rec.LastSeenHeight < p.tip
}

// query fetches history for the stale addresses of a batch, then unspent
// outputs for those that have any history.
func (p *pass) query(batch []wallet.AddressRecord) (map[string]addrResult, error) {
	byHash := make(map[string]wallet.AddressRecord)
	var hashes []string
	for _, rec := range batch {
		if !p.stale(rec) {
			continue
		}
		sh := electrum.ScripthashFromScript(rec.PkScript)
		byHash[sh] = rec
		hashes = append(hashes, sh)
	}
	results := make(map[string]addrResult, len(hashes))
	if len(hashes) == 0 {
		return results, nil
	}
	p.queried += len(hashes)

	var history map[string][]electrum.HistoryItem
	err := p.s.retry(p.ctx, p.id, func(ctx context.Context) error {
		var err error
		history, err = p.s.chain.QueryHistory(ctx, hashes)
		return err
	})
	if err != nil {
		return nil, err
	}

	var used []string
	for _, sh := range hashes {
		items := history[sh]
		if len(items) > 0 {
			used = append(used, sh)
		}
		for _, it := range items {
			h := it.Height
			if h < 0 {
				h = 0
			}
			p.history[it.TxHash] = h
		}
		results[byHash[sh].Address] = addrResult{used: len(items) > 0}
	}
	if len(used) == 0 {
		return results, nil
	}

	var unspent map[string][]electrum.UnspentOutput
	err = p.s.retry(p.ctx, p.id, func(ctx context.Context) error {
		var err error
		unspent, err = p.s.chain.QueryBalance(ctx, used)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, sh := range used {
		rec := byHash[sh]
		res := results[rec.Address]
		for _, u := range unspent[sh] {
			h := u.Height
			if h < 0 {
				h = 0
			}
			res.utxos = append(res.utxos, wallet.UTXO{TxID: u.TxHash, Vout: u.TxPos, Value: u.Value, Height: h})
		}
		results[rec.Address] = res
	}
	return results, nil
}

// syncTransactions records every transaction seen in the queried histories.
// Final records are left alone; known records only get their height
// updated; new ones are fetched to compute their net value.
func (p *pass) syncTransactions() error {
	txids := make([]string, 0, len(p.history))
	for txid := range p.history {
		txids = append(txids, txid)
	}
	sort.Strings(txids)

	owned := make(map[string]bool)
	for _, rec := range p.w.Addresses() {
		owned[hex.EncodeToString(rec.PkScript)] = true
	}

	for _, txid := range txids {
		height := p.history[txid]
		rec, known := p.w.Transaction(txid)
		if known && (rec.Final() || rec.Height == height) {
			continue
		}
		if !known {
			tx, err := p.fetchTx(txid)
			if err != nil {
				return err
			}
			value, err := p.netValue(tx, owned)
			if err != nil {
				return err
			}
			rec = wallet.TxRecord{TxID: txid, ValueSats: value}
		}

		rec.Height = height
		rec.Confirmations = 0
		rec.Timestamp = time.Now().Unix()
		if height > 0 {
			if p.tip >= height {
				rec.Confirmations = p.tip - height + 1
			}
			ts, err := p.blockTime(height)
			if err != nil {
				return err
			}
			rec.Timestamp = ts
		}

		if err := p.live(); err != nil {
			return err
		}
		p.w.UpsertTransaction(rec)
	}
	return nil
}

// netValue is what tx paid to the wallet minus what it spent from it.
// Only inputs spending a transaction from the wallet's own history can be
// the wallet's, so other previous transactions are never fetched.
func (p *pass) netValue(tx *wire.MsgTx, owned map[string]bool) (int64, error) {
	var value int64
	for _, out := range tx.TxOut {
		if owned[hex.EncodeToString(out.PkScript)] {
			value += out.Value
		}
	}
	for _, in := range tx.TxIn {
		prevID := in.PreviousOutPoint.Hash.String()
		if _, ours := p.history[prevID]; !ours {
			if _, ours = p.w.Transaction(prevID); !ours {
				continue
			}
		}
		prev, err := p.fetchTx(prevID)
		if err != nil {
			return 0, err
		}
		idx := in.PreviousOutPoint.Index
		if int(idx) < len(prev.TxOut) && owned[hex.EncodeToString(prev.TxOut[idx].PkScript)] {
			value -= prev.TxOut[idx].Value
		}
	}
	return value, nil
}

func (p *pass) fetchTx(txid string) (*wire.MsgTx, error) {
	if tx, ok := p.txCache[txid]; ok {
		return tx, nil
	}
	var tx *wire.MsgTx
	err := p.s.retry(p.ctx, p.id, func(ctx context.Context) error {
		var err error
		tx, err = p.s.chain.GetTransaction(ctx, txid)
		return err
	})
	if err != nil {
		return nil, err
	}
	p.txCache[txid] = tx
	return tx, nil
}

func (p *pass) blockTime(height int64) (int64, error) {
	if ts, ok := p.times[height]; ok {
		return ts, nil
	}
	var hdr *wire.BlockHeader
	err := p.s.retry(p.ctx, p.id, func(ctx context.Context) error {
		var err error
		hdr, err = p.s.chain.BlockHeader(ctx, height)
		return err
	})
	if err != nil {
		return 0, err
	}
	ts := hdr.Timestamp.Unix()
	p.times[height] = ts
	return ts, nil
}

package electrum

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Ping checks liveness.
func (c *Client) Ping(ctx context.Context) error {
	s, err := c.ready()
	if err != nil {
		return err
	}
	return c.call(ctx, s, methodPing, nil, nil)
}

// ListUnspent returns the unspent outputs paying to one scripthash.
func (c *Client) ListUnspent(ctx context.Context, scripthash string) ([]UnspentOutput, error) {
	res, err := c.QueryBalance(ctx, []string{scripthash})
	if err != nil {
		return nil, err
	}
	return res[scripthash], nil
}

// GetHistory returns the confirmed and mempool history of one scripthash.
func (c *Client) GetHistory(ctx context.Context, scripthash string) ([]HistoryItem, error) {
	res, err := c.QueryHistory(ctx, []string{scripthash})
	if err != nil {
		return nil, err
	}
	return res[scripthash], nil
}

// QueryBalance lists unspent outputs for every scripthash in one pipelined
// batch. The sum of the outputs is the balance of each script.
func (c *Client) QueryBalance(ctx context.Context, scripthashes []string) (map[string][]UnspentOutput, error) {
	out := make(map[string][]UnspentOutput, len(scripthashes))
	err := c.queryEach(ctx, methodListUnspent, scripthashes, func(sh string, raw []byte) error {
		var utxos []UnspentOutput
		if err := decodeResult(methodListUnspent, raw, &utxos); err != nil {
			return err
		}
		out[sh] = utxos
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// QueryHistory fetches history for every scripthash in one pipelined batch.
func (c *Client) QueryHistory(ctx context.Context, scripthashes []string) (map[string][]HistoryItem, error) {
	out := make(map[string][]HistoryItem, len(scripthashes))
	err := c.queryEach(ctx, methodGetHistory, scripthashes, func(sh string, raw []byte) error {
		var items []HistoryItem
		if err := decodeResult(methodGetHistory, raw, &items); err != nil {
			return err
		}
		out[sh] = items
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) queryEach(ctx context.Context, method string, scripthashes []string, fn func(string, []byte) error) error {
	if len(scripthashes) == 0 {
		return nil
	}
	s, err := c.ready()
	if err != nil {
		return err
	}
	params := make([][]interface{}, len(scripthashes))
	for i, sh := range scripthashes {
		params[i] = []interface{}{sh}
	}
	results, err := c.batch(ctx, s, method, params)
	if err != nil {
		return err
	}
	for i, sh := range scripthashes {
		if err := fn(sh, results[i]); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeScripthash asks the server to push status changes for
// scripthash and returns the current status, empty when it has no history.
// Subscriptions are renewed after a reconnect.
func (c *Client) SubscribeScripthash(ctx context.Context, scripthash string) (string, error) {
	s, err := c.ready()
	if err != nil {
		return "", err
	}
	status, err := c.subscribe(ctx, s, scripthash)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.subscriptions[scripthash] = struct{}{}
	c.mu.Unlock()
	return status, nil
}

func (c *Client) subscribe(ctx context.Context, s *session, scripthash string) (string, error) {
	var status *string
	if err := c.call(ctx, s, methodSubscribe, []interface{}{scripthash}, &status); err != nil {
		return "", err
	}
	if status == nil {
		return "", nil
	}
	return *status, nil
}

// GetTransaction fetches and decodes a transaction by id.
func (c *Client) GetTransaction(ctx context.Context, txid string) (*wire.MsgTx, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, fmt.Errorf("invalid txid %q: %w", txid, err)
	}
	s, err := c.ready()
	if err != nil {
		return nil, err
	}
	var rawHex string
	if err := c.call(ctx, s, methodGetTransaction, []interface{}{txid, false}, &rawHex); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("%w: transaction hex: %v", ErrMalformedResponse, err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: transaction: %v", ErrMalformedResponse, err)
	}
	if got := tx.TxHash(); !got.IsEqual(hash) {
		return nil, fmt.Errorf("%w: asked for %s, got %s", ErrMalformedResponse, txid, got)
	}
	return &tx, nil
}

// BlockHeader fetches the header at height.
func (c *Client) BlockHeader(ctx context.Context, height int64) (*wire.BlockHeader, error) {
	s, err := c.ready()
	if err != nil {
		return nil, err
	}
	var rawHex string
	if err := c.call(ctx, s, methodBlockHeader, []interface{}{height}, &rawHex); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(rawHex)
	if err != nil || len(raw) != wire.MaxBlockHeaderPayload {
		return nil, fmt.Errorf("%w: header at %d", ErrMalformedResponse, height)
	}
	var hdr wire.BlockHeader
	if err := hdr.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: header at %d: %v", ErrMalformedResponse, height, err)
	}
	return &hdr, nil
}

// EstimateFee returns the fee rate in sat/vB for confirmation within
// blocks. The server answers in BTC/kB, or -1 when it has no estimate.
func (c *Client) EstimateFee(ctx context.Context, blocks int) (uint64, error) {
	s, err := c.ready()
	if err != nil {
		return 0, err
	}
	var btcPerKB float64
	if err := c.call(ctx, s, methodEstimateFee, []interface{}{blocks}, &btcPerKB); err != nil {
		return 0, err
	}
	if btcPerKB <= 0 {
		return 0, ErrNoFeeEstimate
	}
	perKB, err := btcutil.NewAmount(btcPerKB)
	if err != nil {
		return 0, fmt.Errorf("%w: fee %v", ErrMalformedResponse, btcPerKB)
	}
	rate := uint64(math.Ceil(float64(perKB) / 1000))
	if rate < 1 {
		rate = 1
	}
	return rate, nil
}

// Broadcast relays a signed transaction and returns its id as reported by
// the server. A refusal is returned as *RejectedError. Broadcasts are never
// retried here: resubmitting is the caller's decision.
func (c *Client) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	s, err := c.ready()
	if err != nil {
		return "", err
	}
	var txid string
	err = c.call(ctx, s, methodBroadcast, []interface{}{hex.EncodeToString(rawTx)}, &txid)
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		c.logger.Warn().Str("reason", rpcErr.Message).Msg("Broadcast rejected")
		return "", &RejectedError{Reason: rpcErr.Message}
	}
	if err != nil {
		return "", err
	}
	c.logger.Info().Str("txid", txid).Msg("Transaction broadcast")
	return txid, nil
}

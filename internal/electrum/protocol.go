package electrum

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Protocol method names.
const (
	methodVersion          = "server.version"
	methodPing             = "server.ping"
	methodHeadersSubscribe = "blockchain.headers.subscribe"
	methodBlockHeader      = "blockchain.block.header"
	methodEstimateFee      = "blockchain.estimatefee"
	methodListUnspent      = "blockchain.scripthash.listunspent"
	methodGetHistory       = "blockchain.scripthash.get_history"
	methodSubscribe        = "blockchain.scripthash.subscribe"
	methodGetTransaction   = "blockchain.transaction.get"
	methodBroadcast        = "blockchain.transaction.broadcast"
)

// request is a JSON-RPC 2.0 request. Electrum frames are newline delimited.
type request struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      uint64        `json:"id"`
}

// message is any frame read from the server: a response when ID is set, a
// notification when only Method is set.
type message struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

// rpcError is the wire error object. Some servers send a bare string.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &e.Message)
	}
	type plain rpcError
	return json.Unmarshal(data, (*plain)(e))
}

// rateLimitPhrases are matched case-insensitively against server errors.
// ElectrumX reports cost limits as "excessive resource usage".
var rateLimitPhrases = []string{
	"rate limit",
	"too many requests",
	"excessive resource usage",
	"request limit",
}

func isRateLimited(msg string) bool {
	msg = strings.ToLower(msg)
	for _, p := range rateLimitPhrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// toError converts a wire error. Rate limiting is reported as
// ErrRateLimitExceeded so callers can back off.
func (e *rpcError) toError() error {
	if isRateLimited(e.Message) {
		return fmt.Errorf("%w: %s", ErrRateLimitExceeded, e.Message)
	}
	return &RPCError{Code: e.Code, Message: e.Message}
}

// Header is the tip announced by blockchain.headers.subscribe.
type Header struct {
	Height int64  `json:"height"`
	Hex    string `json:"hex"`
}

// UnspentOutput is one entry of blockchain.scripthash.listunspent.
// Height is 0 for mempool outputs.
type UnspentOutput struct {
	TxHash string `json:"tx_hash"`
	TxPos  uint32 `json:"tx_pos"`
	Height int64  `json:"height"`
	Value  uint64 `json:"value"`
}

// HistoryItem is one entry of blockchain.scripthash.get_history. Height is
// 0 or -1 for mempool transactions.
type HistoryItem struct {
	TxHash string `json:"tx_hash"`
	Height int64  `json:"height"`
	Fee    uint64 `json:"fee,omitempty"`
}

// NotificationKind distinguishes pushed messages.
type NotificationKind int

// Notification kinds.
const (
	NotifyTip NotificationKind = iota + 1
	NotifyScripthash
)

// Notification is a server push: a new tip or a scripthash status change.
type Notification struct {
	Kind       NotificationKind
	Tip        Header
	Scripthash string
	Status     string
}

// parseNotification decodes a pushed frame. Unknown methods return false.
func parseNotification(msg *message) (Notification, bool, error) {
	switch msg.Method {
	case methodHeadersSubscribe:
		var params []Header
		if err := json.Unmarshal(msg.Params, &params); err != nil || len(params) == 0 {
			return Notification{}, false, fmt.Errorf("%w: header notification", ErrMalformedResponse)
		}
		return Notification{Kind: NotifyTip, Tip: params[0]}, true, nil
	case methodSubscribe:
		var params []*string
		if err := json.Unmarshal(msg.Params, &params); err != nil || len(params) != 2 || params[0] == nil {
			return Notification{}, false, fmt.Errorf("%w: scripthash notification", ErrMalformedResponse)
		}
		n := Notification{Kind: NotifyScripthash, Scripthash: *params[0]}
		if params[1] != nil {
			n.Status = *params[1]
		}
		return n, true, nil
	default:
		return Notification{}, false, nil
	}
}

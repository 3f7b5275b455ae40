package electrum

import (
	"errors"
	"fmt"
)

// Client errors.
var (
	ErrNoReachableServer = errors.New("no reachable electrum server")
	ErrNotReady          = errors.New("electrum connection not ready")
	ErrConnectionLost    = errors.New("electrum connection lost")
	ErrMalformedResponse = errors.New("malformed electrum response")
	ErrRateLimitExceeded = errors.New("electrum server rate limit exceeded")
	ErrNoFeeEstimate     = errors.New("server has no fee estimate")
	ErrClosed            = errors.New("electrum client closed")
)

// RPCError is an error object returned by the server.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// RejectedError reports a transaction the server refused to relay. Reason
// is the server's message, e.g. a fee or double-spend rejection.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "transaction rejected: " + e.Reason
}

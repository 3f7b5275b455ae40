// Package electrum implements a client for the Electrum server protocol:
// newline-delimited JSON-RPC over TCP or TLS, with pipelined requests,
// server push notifications and automatic reconnection.
package electrum

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/ratelimit"

	"github.com/Klingon-tech/klingnet-vault/internal/backoff"
	"github.com/Klingon-tech/klingnet-vault/internal/log"
)

// Defaults for Config.
const (
	DefaultClientName      = "klingnet-vault"
	DefaultProtocolVersion = "1.4"
	DefaultDialTimeout     = 10 * time.Second
	DefaultRequestTimeout  = 30 * time.Second
	DefaultPingInterval    = 60 * time.Second

	// maxFrameSize bounds a single response line. Large transactions and
	// long histories fit comfortably.
	maxFrameSize = 16 << 20

	notificationBuffer = 64
)

// State is the connection state.
type State int32

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds client settings. Zero values take the defaults.
type Config struct {
	ClientName      string
	ProtocolVersion string
	DialTimeout     time.Duration
	RequestTimeout  time.Duration
	PingInterval    time.Duration

	// RequestsPerSecond paces outgoing requests. Zero disables pacing.
	RequestsPerSecond int

	// Reconnect schedules redial attempts after the connection degrades.
	Reconnect backoff.Policy

	// TLSConfig overrides the TLS settings for ssl endpoints.
	TLSConfig *tls.Config
}

func (c *Config) setDefaults() {
	if c.ClientName == "" {
		c.ClientName = DefaultClientName
	}
	if c.ProtocolVersion == "" {
		c.ProtocolVersion = DefaultProtocolVersion
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.Reconnect.Base <= 0 {
		c.Reconnect = backoff.DefaultPolicy()
	}
}

// Client is a single logical connection to one of a prioritized list of
// Electrum servers. It is safe for concurrent use.
type Client struct {
	cfg     Config
	logger  zerolog.Logger
	limiter ratelimit.Limiter

	state  atomic.Int32
	nextID atomic.Uint64

	mu            sync.Mutex
	sess          *session
	endpoints     []Endpoint
	serverVersion string
	subscriptions map[string]struct{}
	started       bool
	closed        bool

	tip atomic.Int64

	reconnecting  atomic.Bool
	notifications chan Notification

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a disconnected client.
func New(cfg Config) *Client {
	cfg.setDefaults()
	limiter := ratelimit.NewUnlimited()
	if cfg.RequestsPerSecond > 0 {
		limiter = ratelimit.New(cfg.RequestsPerSecond)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:           cfg,
		logger:        log.Electrum,
		limiter:       limiter,
		subscriptions: make(map[string]struct{}),
		notifications: make(chan Notification, notificationBuffer),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	if old := State(c.state.Swap(int32(s))); old != s {
		c.logger.Debug().Str("from", old.String()).Str("to", s.String()).Msg("Connection state changed")
	}
}

// Tip returns the last block height announced by the server.
func (c *Client) Tip() int64 {
	return c.tip.Load()
}

// ServerVersion returns the software version reported in the handshake.
func (c *Client) ServerVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverVersion
}

// Notifications delivers tip and scripthash status pushes. The channel is
// closed by Close. Pushes are dropped when the consumer falls behind; Tip
// always reflects the latest header.
func (c *Client) Notifications() <-chan Notification {
	return c.notifications
}

// Connect tries endpoints in priority order and returns once one completes
// the handshake. Each endpoint gets DialTimeout for dial and handshake.
// The endpoint list is kept for reconnects.
func (c *Client) Connect(ctx context.Context, endpoints []Endpoint) error {
	if len(endpoints) == 0 {
		return fmt.Errorf("%w: no endpoints configured", ErrNoReachableServer)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.State() == StateReady {
		c.mu.Unlock()
		return nil
	}
	c.endpoints = append([]Endpoint(nil), endpoints...)
	c.mu.Unlock()

	err := c.connectAny(ctx, endpoints)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err != nil {
		return err
	}
	if !c.started {
		c.started = true
		c.goLocked(c.pingLoop)
	}
	return nil
}

// goLocked runs fn in a goroutine tracked by wg. c.mu must be held and the
// client must not be closed, so no Add races with the Wait in Close.
func (c *Client) goLocked(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// spawn is goLocked for callers that do not hold c.mu. It reports false
// once the client is closed.
func (c *Client) spawn(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.goLocked(fn)
	return true
}

func (c *Client) connectAny(ctx context.Context, endpoints []Endpoint) error {
	var lastErr error
	for _, ep := range endpoints {
		if err := ctx.Err(); err != nil {
			c.setState(StateDisconnected)
			return err
		}
		if err := c.dial(ctx, ep); err != nil {
			lastErr = err
			c.logger.Warn().Err(err).Str("endpoint", ep.String()).Msg("Electrum endpoint unreachable")
			continue
		}
		return nil
	}
	c.setState(StateDisconnected)
	return fmt.Errorf("%w: %v", ErrNoReachableServer, lastErr)
}

// dial opens a connection and runs the handshake: server.version, then a
// header subscription that also yields the current tip.
func (c *Client) dial(ctx context.Context, ep Endpoint) error {
	c.setState(StateConnecting)
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	conn, err := ep.dial(dctx, c.cfg.TLSConfig)
	if err != nil {
		return fmt.Errorf("dial %s: %w", ep, err)
	}
	s := newSession(ep, conn)

	c.setState(StateHandshaking)
	if !c.spawn(func() { c.readLoop(s) }) {
		conn.Close()
		return ErrClosed
	}

	var version []string
	if err := c.call(dctx, s, methodVersion, []interface{}{c.cfg.ClientName, c.cfg.ProtocolVersion}, &version); err != nil {
		s.close(err)
		return fmt.Errorf("handshake %s: %w", ep, err)
	}
	var hdr Header
	if err := c.call(dctx, s, methodHeadersSubscribe, nil, &hdr); err != nil {
		s.close(err)
		return fmt.Errorf("subscribe headers %s: %w", ep, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.close(ErrClosed)
		return ErrClosed
	}
	old := c.sess
	c.sess = s
	if len(version) > 0 {
		c.serverVersion = version[0]
	}
	subs := make([]string, 0, len(c.subscriptions))
	for sh := range c.subscriptions {
		subs = append(subs, sh)
	}
	c.mu.Unlock()
	if old != nil && old != s {
		old.close(ErrConnectionLost)
	}

	c.tip.Store(hdr.Height)
	c.setState(StateReady)
	c.logger.Info().
		Str("endpoint", ep.String()).
		Str("server", c.ServerVersion()).
		Int64("tip", hdr.Height).
		Msg("Electrum connected")

	for _, sh := range subs {
		if _, err := c.subscribe(c.ctx, s, sh); err != nil {
			c.logger.Warn().Err(err).Str("scripthash", sh).Msg("Resubscribe failed")
		}
	}
	return nil
}

// readLoop decodes frames until the connection fails. A frame that is not
// valid JSON degrades the connection.
func (c *Client) readLoop(s *session) {
	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.degrade(s, fmt.Errorf("%w: %v", ErrMalformedResponse, err))
			return
		}
		switch {
		case msg.ID != nil:
			if !s.deliver(*msg.ID, &msg) {
				c.logger.Debug().Uint64("id", *msg.ID).Msg("Dropping reply for unknown request")
			}
		case msg.Method != "":
			c.handleNotification(&msg)
		default:
			c.logger.Debug().RawJSON("frame", line).Msg("Ignoring frame without id or method")
		}
	}

	err := scanner.Err()
	if err == nil {
		err = ErrConnectionLost
	}
	c.degrade(s, err)
}

func (c *Client) handleNotification(msg *message) {
	n, ok, err := parseNotification(msg)
	if err != nil {
		c.logger.Warn().Err(err).Str("method", msg.Method).Msg("Bad notification")
		return
	}
	if !ok {
		return
	}
	if n.Kind == NotifyTip {
		c.tip.Store(n.Tip.Height)
	}
	select {
	case c.notifications <- n:
	default:
		c.logger.Debug().Str("method", msg.Method).Msg("Notification buffer full, dropping")
	}
}

// degrade marks the current session unusable and starts reconnecting.
// Failures on sessions that are no longer current are ignored.
func (c *Client) degrade(s *session, cause error) {
	s.close(cause)

	c.mu.Lock()
	current := c.sess == s
	c.mu.Unlock()
	if !current || c.ctx.Err() != nil {
		return
	}

	c.setState(StateDegraded)
	c.logger.Warn().Err(cause).Str("endpoint", s.endpoint.String()).Msg("Electrum connection degraded")
	c.startReconnect()
}

func (c *Client) startReconnect() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	started := c.spawn(func() {
		defer c.reconnecting.Store(false)
		c.reconnectLoop()
	})
	if !started {
		c.reconnecting.Store(false)
	}
}

// reconnectLoop cycles through the endpoint list, backing off between
// rounds, until a handshake succeeds or the client is closed.
func (c *Client) reconnectLoop() {
	for attempt := 0; ; attempt++ {
		if err := backoff.Sleep(c.ctx, c.cfg.Reconnect.Delay(attempt)); err != nil {
			return
		}
		c.mu.Lock()
		endpoints := c.endpoints
		c.mu.Unlock()

		err := c.connectAny(c.ctx, endpoints)
		if err == nil || c.ctx.Err() != nil {
			return
		}
		c.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Reconnect failed")
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.State() != StateReady {
				continue
			}
			if err := c.Ping(c.ctx); err != nil {
				c.logger.Debug().Err(err).Msg("Ping failed")
			}
		}
	}
}

// Close shuts the connection down and stops background work.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		s := c.sess
		c.mu.Unlock()
		c.cancel()
		if s != nil {
			s.close(ErrClosed)
		}
		c.wg.Wait()
		c.setState(StateDisconnected)
		close(c.notifications)
		c.logger.Info().Msg("Electrum client closed")
	})
	return nil
}

// ready returns the session to issue queries on. Queries need Ready.
func (c *Client) ready() (*session, error) {
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if st := c.State(); st != StateReady {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, st)
	}
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil || s.closed() {
		return nil, ErrNotReady
	}
	return s, nil
}

// call issues one request and decodes its result into out.
func (c *Client) call(ctx context.Context, s *session, method string, params []interface{}, out interface{}) error {
	results, err := c.batch(ctx, s, method, [][]interface{}{params})
	if err != nil {
		return err
	}
	return decodeResult(method, results[0], out)
}

// batch pipelines one request per parameter set on the shared stream and
// waits for all replies. Replies are matched by id, so the server may
// answer in any order and interleave notifications. A timeout degrades the
// connection.
func (c *Client) batch(ctx context.Context, s *session, method string, paramSets [][]interface{}) ([]json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	ids := make([]uint64, len(paramSets))
	replies := make([]chan *message, len(paramSets))
	defer func() {
		for _, id := range ids {
			if id != 0 {
				s.forget(id)
			}
		}
	}()

	for i, params := range paramSets {
		if params == nil {
			params = []interface{}{}
		}
		c.limiter.Take()
		id := c.nextID.Add(1)
		ids[i] = id
		replies[i] = s.register(id)
		if err := s.write(ctx, request{JSONRPC: "2.0", Method: method, Params: params, ID: id}); err != nil {
			c.degrade(s, err)
			return nil, fmt.Errorf("send %s: %w", method, err)
		}
	}

	results := make([]json.RawMessage, len(paramSets))
	for i, ch := range replies {
		select {
		case msg := <-ch:
			if msg.Error != nil {
				return nil, fmt.Errorf("%s: %w", method, msg.Error.toError())
			}
			results[i] = msg.Result
		case <-s.done:
			return nil, fmt.Errorf("%s: %w: %v", method, ErrConnectionLost, s.err)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				c.degrade(s, fmt.Errorf("%s timed out", method))
			}
			return nil, fmt.Errorf("%s: %w", method, ctx.Err())
		}
	}
	return results, nil
}

func decodeResult(method string, raw json.RawMessage, out interface{}) error {
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: %w: %v", method, ErrMalformedResponse, err)
	}
	return nil
}

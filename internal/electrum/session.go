package electrum

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"
)

// session is one live connection. The client replaces it wholesale on
// reconnect; requests in flight on a dead session fail with its error.
type session struct {
	endpoint Endpoint
	conn     net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan *message

	done chan struct{}
	once sync.Once
	err  error
}

func newSession(ep Endpoint, conn net.Conn) *session {
	return &session{
		endpoint: ep,
		conn:     conn,
		pending:  make(map[uint64]chan *message),
		done:     make(chan struct{}),
	}
}

// register reserves a reply slot for id.
func (s *session) register(id uint64) chan *message {
	ch := make(chan *message, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	return ch
}

func (s *session) forget(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// deliver routes a response to its waiter by id, whatever order the server
// answers in. Unknown ids are reported so late replies can be dropped.
func (s *session) deliver(id uint64, msg *message) bool {
	s.mu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}

// write sends one newline-terminated frame.
func (s *session) write(ctx context.Context, req request) error {
	frame, err := json.Marshal(req)
	if err != nil {
		return err
	}
	frame = append(frame, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err = s.conn.Write(frame)
	return err
}

// close tears the session down once and records why.
func (s *session) close(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
		s.conn.Close()
	})
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

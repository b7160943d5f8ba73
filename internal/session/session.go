// Package session models one accepted TCP connection: its identity, role,
// last-seen time, and outbound write queue. A Session owns its transport
// exclusively; callers that need to look one up by id or role go through
// the registry package, which holds a reference, not ownership.
package session

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conclave-dev/partyline/internal/wire"
)

// outboxSize bounds how many envelopes can be queued for a session before
// Send starts dropping envelopes for a slow consumer (returning false).
const outboxSize = 256

// Session is one registered client connection.
type Session struct {
	ClientID   string
	Role       wire.Role
	ClientType wire.ClientType

	conn   net.Conn
	writer *wire.Writer
	reader *wire.Reader

	lastSeen atomic.Int64 // unix millis

	outbox   chan *wire.Envelope
	closeCh  chan struct{}
	closeOne sync.Once
}

// New wraps an accepted connection before registration completes; ClientID,
// Role and ClientType are filled in once the register envelope arrives.
func New(conn net.Conn) *Session {
	s := &Session{
		conn:    conn,
		writer:  wire.NewWriter(conn),
		reader:  wire.NewReader(conn),
		outbox:  make(chan *wire.Envelope, outboxSize),
		closeCh: make(chan struct{}),
	}
	s.Touch()
	return s
}

// Reader exposes the session's envelope decoder for the broker's read loop.
func (s *Session) Reader() *wire.Reader { return s.reader }

// Touch records that an envelope was just received, resetting the
// liveness clock the monitor sweeps against.
func (s *Session) Touch() {
	s.lastSeen.Store(time.Now().UnixMilli())
}

// LastSeen returns the last time an envelope was received, in unix millis.
func (s *Session) LastSeen() int64 {
	return s.lastSeen.Load()
}

// Send enqueues env for delivery without blocking the router; it returns
// false if the session's outbox is full (a saturated, presumably dead,
// peer) or already closed.
func (s *Session) Send(env *wire.Envelope) bool {
	select {
	case <-s.closeCh:
		return false
	default:
	}
	select {
	case s.outbox <- env:
		return true
	default:
		return false
	}
}

// SendNow writes env directly to the transport, bypassing the outbox.
// Used on the registration handshake's error path, where the connection
// is about to close and a queued write could be dropped with it. Safe
// alongside Pump; the writer's own mutex prevents interleaving.
func (s *Session) SendNow(env *wire.Envelope) error {
	return s.writer.Encode(env)
}

// Pump drains the outbox onto the transport until the session is closed
// or a write fails. It must run in its own goroutine; the broker server
// starts one per accepted connection.
func (s *Session) Pump() {
	for {
		select {
		case env := <-s.outbox:
			if err := s.writer.Encode(env); err != nil {
				s.Close()
				return
			}
		case <-s.closeCh:
			return
		}
	}
}

// Close tears down the transport and stops the write pump. Safe to call
// more than once or concurrently.
func (s *Session) Close() {
	s.closeOne.Do(func() {
		close(s.closeCh)
		s.conn.Close()
	})
}

// Done reports the channel closed when the session is torn down, for
// callers that want to select on session death.
func (s *Session) Done() <-chan struct{} { return s.closeCh }

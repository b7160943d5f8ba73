// Package client implements the producer/consumer-side session: connect,
// register, send typed envelopes, await correlated replies, and
// reconnect with exponential backoff on disconnect.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/conclave-dev/partyline/internal/config"
	"github.com/conclave-dev/partyline/internal/plog"
	"github.com/conclave-dev/partyline/internal/wire"
)

// State is the client connection's position in the state machine:
// idle -> connecting -> connected -> disconnected -> (backoff) ->
// connecting.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

// Handlers are the caller's event callbacks. Any may be left nil.
type Handlers struct {
	OnClarification        func(wire.Clarification)
	OnYap                  func(wire.Yap)
	OnSync                 func()
	OnDisconnected         func()
	OnMaxReconnectAttempts func()
}

// Client is a producer's or consumer's connection to the broker.
type Client struct {
	addr       string
	clientID   string
	role       wire.Role
	clientType wire.ClientType
	cfg        config.ClientConfig
	log        *plog.Logger

	handlers Handlers

	mu       sync.Mutex
	state    State
	conn     net.Conn
	writer   *wire.Writer
	connDone chan struct{}

	pendingMu sync.Mutex
	pending   map[string]chan replyOrErr

	syncCh chan struct{}

	stopped   chan struct{}
	stopOnce  sync.Once
	heartbeat *time.Ticker
}

type replyOrErr struct {
	response string
	err      error
}

// New builds a Client. addr is the broker's TCP address, e.g.
// "localhost:8765".
func New(addr, clientID string, role wire.Role, clientType wire.ClientType, cfg config.ClientConfig, log *plog.Logger) *Client {
	return &Client{
		addr:       addr,
		clientID:   clientID,
		role:       role,
		clientType: clientType,
		cfg:        cfg,
		log:        log,
		state:      StateIdle,
		pending:    make(map[string]chan replyOrErr),
		stopped:    make(chan struct{}),
	}
}

// SetHandlers installs the event callbacks. Must be called before Run.
func (c *Client) SetHandlers(h Handlers) {
	c.handlers = h
}

// State returns the client's current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run drives the full connect/reconnect state machine until ctx is
// cancelled or Close is called. It blocks; callers typically launch it
// in its own goroutine.
func (c *Client) Run(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopped:
			return
		default:
		}

		if err := c.connectOnce(ctx); err != nil {
			c.logError("connect attempt %d failed: %v", attempt, err)
		} else {
			attempt = 0 // a successful connection resets the backoff counter
			c.runConnected(ctx)
		}

		select {
		case <-ctx.Done():
			return
		case <-c.stopped:
			return
		default:
		}

		if c.handlers.OnDisconnected != nil {
			c.handlers.OnDisconnected()
		}

		if attempt >= c.cfg.MaxReconnectAttempts {
			if c.handlers.OnMaxReconnectAttempts != nil {
				c.handlers.OnMaxReconnectAttempts()
			}
			return
		}

		delay := backoffDelay(c.cfg.ReconnectDelayMs, c.cfg.ReconnectFactor, attempt)
		attempt++
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		case <-c.stopped:
			return
		}
	}
}

// backoffDelay is reconnectDelay * factor^attempt.
func backoffDelay(baseMs int, factor float64, attempt int) time.Duration {
	d := float64(baseMs)
	for i := 0; i < attempt; i++ {
		d *= factor
	}
	return time.Duration(d) * time.Millisecond
}

// connectOnce opens the TCP connection, registers, and waits for the
// broker's sync acknowledgement.
func (c *Client) connectOnce(ctx context.Context) error {
	c.setState(StateConnecting)

	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("connect to broker at %s (start one with `partyline broker`, or check the port): %w", c.addr, err)
	}

	connDone := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.writer = wire.NewWriter(conn)
	c.syncCh = make(chan struct{})
	c.connDone = connDone
	c.mu.Unlock()

	regEnv, err := wire.New(wire.KindRegister, c.clientID, c.clientType, wire.RegisterPayload{
		ClientID: c.clientID,
		Role:     c.role,
	})
	if err != nil {
		conn.Close()
		return err
	}
	if err := c.writer.Encode(regEnv); err != nil {
		conn.Close()
		return fmt.Errorf("send register: %w", err)
	}

	go c.readLoop(conn, connDone)

	select {
	case <-c.syncCh:
		c.setState(StateConnected)
		if c.handlers.OnSync != nil {
			c.handlers.OnSync()
		}
		return nil
	case <-time.After(5 * time.Second):
		conn.Close()
		return fmt.Errorf("registration timed out waiting for sync from %s", c.addr)
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	}
}

// runConnected starts the heartbeat ticker and blocks until readLoop
// closes connDone (the transport died), then rejects every pending
// AwaitReply slot at once, before the reconnect timer rearms, so callers
// observe the failure synchronously.
func (c *Client) runConnected(ctx context.Context) {
	c.heartbeat = time.NewTicker(time.Duration(c.cfg.HeartbeatMs) * time.Millisecond)
	defer c.heartbeat.Stop()

	c.mu.Lock()
	connDone := c.connDone
	c.mu.Unlock()

	for {
		select {
		case <-c.heartbeat.C:
			c.sendHeartbeat()
		case <-connDone:
			c.setState(StateDisconnected)
			c.rejectAllPending(fmt.Errorf("connection lost"))
			return
		case <-ctx.Done():
			return
		case <-c.stopped:
			return
		}
	}
}

func (c *Client) sendHeartbeat() {
	env, err := wire.New(wire.KindHeartbeat, c.clientID, c.clientType, struct{}{})
	if err != nil {
		return
	}
	c.mu.Lock()
	w := c.writer
	c.mu.Unlock()
	if w != nil {
		w.Encode(env) // failures surface via the socket's own error path
	}
}

// readLoop decodes envelopes from the broker until the connection fails,
// dispatching each to the appropriate handler or pending-reply slot, and
// closes connDone so runConnected can react.
func (c *Client) readLoop(conn net.Conn, connDone chan struct{}) {
	defer close(connDone)
	r := wire.NewReader(conn)
	for {
		env, err := r.Decode()
		if err != nil {
			conn.Close()
			return
		}

		switch env.Type {
		case wire.KindSync:
			select {
			case <-c.syncCh:
			default:
				close(c.syncCh)
			}
		case wire.KindClarification:
			var req wire.Clarification
			if env.UnmarshalData(&req) == nil && c.handlers.OnClarification != nil {
				c.handlers.OnClarification(req)
			}
		case wire.KindYap:
			var yap wire.Yap
			if env.UnmarshalData(&yap) == nil && c.handlers.OnYap != nil {
				c.handlers.OnYap(yap)
			}
		case wire.KindResponse:
			var resp wire.Response
			if env.UnmarshalData(&resp) == nil {
				c.resolvePending(resp.RequestID, resp.Response, resp.Error)
			}
		case wire.KindError:
			var errPayload wire.ErrorPayload
			env.UnmarshalData(&errPayload)
			c.logError("broker error: %s", errPayload.Error)
		}
	}
}

// SendClarification enqueues a clarification envelope. Returns
// not-connected if the socket is down.
func (c *Client) SendClarification(req wire.Clarification) error {
	env, err := wire.New(wire.KindClarification, c.clientID, c.clientType, req)
	if err != nil {
		return err
	}
	return c.send(env)
}

// SendYap enqueues a yap envelope.
func (c *Client) SendYap(yap wire.Yap) error {
	env, err := wire.New(wire.KindYap, c.clientID, c.clientType, yap)
	if err != nil {
		return err
	}
	return c.send(env)
}

// SendResponse enqueues a consumer's reply to a clarification.
func (c *Client) SendResponse(requestID, response string) error {
	env, err := wire.New(wire.KindResponse, c.clientID, c.clientType, wire.Response{
		RequestID: requestID,
		Response:  response,
	})
	if err != nil {
		return err
	}
	return c.send(env)
}

func (c *Client) send(env *wire.Envelope) error {
	c.mu.Lock()
	w := c.writer
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || w == nil {
		return fmt.Errorf("not connected")
	}
	return w.Encode(env)
}

// AwaitReply registers a one-shot slot for requestID and blocks until a
// matching response arrives, the timeout elapses, or the connection is
// lost.
func (c *Client) AwaitReply(requestID string, timeout time.Duration) (string, error) {
	ch := make(chan replyOrErr, 1)
	c.pendingMu.Lock()
	c.pending[requestID] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}()

	select {
	case r := <-ch:
		return r.response, r.err
	case <-time.After(timeout):
		return "", fmt.Errorf("response timeout")
	}
}

func (c *Client) resolvePending(requestID, response, errMsg string) {
	c.pendingMu.Lock()
	ch, ok := c.pending[requestID]
	c.pendingMu.Unlock()
	if !ok {
		return // late duplicate or a request this client never awaited
	}
	var err error
	if errMsg != "" {
		err = fmt.Errorf("%s", errMsg)
	}
	select {
	case ch <- replyOrErr{response: response, err: err}:
	default:
	}
}

func (c *Client) rejectAllPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- replyOrErr{err: err}:
		default:
		}
		delete(c.pending, id)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Close stops the run loop and tears down the active connection, if any.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		close(c.stopped)
	})
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
}

func (c *Client) logError(format string, args ...interface{}) {
	if c.log != nil {
		c.log.Error(format, args...)
	}
}

// Package router implements the broker's core routing decisions: which
// consumer receives which clarification, how yaps from many producers are
// reconciled into roughly chronological order, and how replies find their
// way back to the producer that asked. All router state is protected by a
// single mutex held only for the duration of one envelope's routing
// decision; no I/O happens while it is held.
package router

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/conclave-dev/partyline/internal/registry"
	"github.com/conclave-dev/partyline/internal/session"
	"github.com/conclave-dev/partyline/internal/wire"
)

// Config tunes the bounds and timers the router enforces.
type Config struct {
	MaxClarificationQueue int
	MaxYapBuffer          int
	YapBufferDelay        time.Duration
}

// DefaultConfig returns the stock bounds: a 10-deep per-consumer
// clarification queue, a 50-entry yap reorder buffer flushed 200ms after
// the last insertion.
func DefaultConfig() Config {
	return Config{
		MaxClarificationQueue: 10,
		MaxYapBuffer:          50,
		YapBufferDelay:        200 * time.Millisecond,
	}
}

// entry is one clarification tracked by the router, alongside the
// producer that asked it so replies and teardown can route without a
// second lookup. raw tracks the clarification's current JSON
// representation (including any fields outside the Clarification
// schema) so re-delivery never drops what the producer originally sent;
// req mirrors the fields the router itself needs to inspect or mutate.
type entry struct {
	req      wire.Clarification
	raw      json.RawMessage
	sourceID string
}

// yapEntry pairs a yap's typed fields (used for the reorder sort) with
// its raw JSON representation (used for delivery).
type yapEntry struct {
	yap wire.Yap
	raw json.RawMessage
}

// consumerState is the per-consumer routing state: its clarification
// queue (head is active, tail is queued) and its yap reorder buffer.
type consumerState struct {
	queue []*entry

	yapBuf   []yapEntry
	yapTimer *time.Timer
}

var (
	// ErrNoConsumer is returned when no live consumer session exists.
	ErrNoConsumer = fmt.Errorf("No CLI clients available")
	// ErrQueueFull is returned when the selected consumer's queue is saturated.
	ErrQueueFull = fmt.Errorf("queue full")
)

// rawOrMarshal returns raw if it carries a payload, or marshals fallback
// otherwise. Callers that have no original envelope data to preserve
// (e.g. tests constructing a Clarification directly) fall back to
// marshaling the typed value, which is lossless since there's nothing
// beyond its named fields to lose.
func rawOrMarshal(raw json.RawMessage, fallback interface{}) (json.RawMessage, error) {
	if len(raw) > 0 {
		return raw, nil
	}
	return json.Marshal(fallback)
}

// Router is the central routing authority. It is safe for concurrent use.
type Router struct {
	cfg      Config
	registry *registry.Registry

	mu    sync.Mutex
	state map[string]*consumerState // consumerID -> state
}

// New builds a Router bound to reg for session lookups.
func New(reg *registry.Registry, cfg Config) *Router {
	return &Router{
		cfg:      cfg,
		registry: reg,
		state:    make(map[string]*consumerState),
	}
}

func (r *Router) stateFor(consumerID string) *consumerState {
	st, ok := r.state[consumerID]
	if !ok {
		st = &consumerState{}
		r.state[consumerID] = st
	}
	return st
}

// RouteClarification selects a target consumer by shortest current queue
// length (ties broken by earliest registration, via registry.Consumers'
// ordering) and appends req to that consumer's queue. raw is the
// inbound envelope's original Data (may be nil, e.g. in tests that build
// req directly); when present it is what gets forwarded on delivery, so
// any field a producer included beyond the Clarification schema
// survives. On success RouteClarification returns the chosen consumer id
// and advances its queue. On failure it returns ErrNoConsumer or
// ErrQueueFull; the broker server is responsible for synthesizing the
// producer-facing error response.
func (r *Router) RouteClarification(raw json.RawMessage, req wire.Clarification, sourceID string) (string, error) {
	consumers := r.registry.Consumers()
	if len(consumers) == 0 {
		return "", ErrNoConsumer
	}

	r.mu.Lock()
	var chosen *session.Session
	shortest := -1
	for _, c := range consumers {
		n := len(r.stateFor(c.ClientID).queue)
		if shortest == -1 || n < shortest {
			shortest = n
			chosen = c
		}
	}

	st := r.stateFor(chosen.ClientID)
	if len(st.queue) >= r.cfg.MaxClarificationQueue {
		r.mu.Unlock()
		return "", ErrQueueFull
	}

	req.Status = wire.StatusPending
	base, err := rawOrMarshal(raw, req)
	if err != nil {
		r.mu.Unlock()
		return "", fmt.Errorf("encode clarification: %w", err)
	}
	merged, err := wire.MergeFields(base, map[string]interface{}{"status": wire.StatusPending})
	if err != nil {
		merged = base
	}
	st.queue = append(st.queue, &entry{req: req, raw: merged, sourceID: sourceID})
	r.mu.Unlock()

	r.Advance(chosen.ClientID)
	return chosen.ClientID, nil
}

// Advance delivers the head of consumerID's queue if it isn't already
// active. It is idempotent when the head is already active, and is
// invoked on queue insertion, after a reply, and after a consumer
// registers.
func (r *Router) Advance(consumerID string) {
	r.mu.Lock()
	st := r.stateFor(consumerID)
	if len(st.queue) == 0 {
		r.mu.Unlock()
		return
	}
	head := st.queue[0]
	if head.req.Status == wire.StatusActive {
		r.mu.Unlock()
		return
	}
	head.req.Status = wire.StatusActive
	if merged, err := wire.MergeFields(head.raw, map[string]interface{}{"status": wire.StatusActive}); err == nil {
		head.raw = merged
	}
	deliver := head.raw
	sourceID := head.sourceID
	r.mu.Unlock()

	consumer, ok := r.registry.ByID(consumerID)
	if !ok {
		return
	}
	consumer.Send(wire.NewRaw(wire.KindClarification, sourceID, wire.ClientMCPServer, deliver))
}

// HandleReply locates the active request with requestID in consumerID's
// queue, removes it, emits a response envelope to the originating
// producer, and promotes the next queued request. Unknown request ids
// are ignored as late duplicate replies. raw is the consumer's inbound
// response envelope Data (may be nil, e.g. in tests); any field the
// consumer included beyond the Response schema is forwarded to the
// producer alongside the requestId/response/cliId fields the router
// itself sets.
func (r *Router) HandleReply(raw json.RawMessage, requestID, answer, consumerID string) {
	r.mu.Lock()
	st, ok := r.state[consumerID]
	if !ok {
		r.mu.Unlock()
		return
	}

	idx := -1
	for i, e := range st.queue {
		if e.req.ID == requestID && e.req.Status == wire.StatusActive {
			idx = i
			break
		}
	}
	if idx == -1 {
		r.mu.Unlock()
		return
	}

	sourceID := st.queue[idx].sourceID
	st.queue = append(st.queue[:idx], st.queue[idx+1:]...)
	r.mu.Unlock()

	if producer, ok := r.registry.ByID(sourceID); ok {
		base, err := rawOrMarshal(raw, wire.Response{RequestID: requestID, Response: answer})
		if err == nil {
			merged, mergeErr := wire.MergeFields(base, map[string]interface{}{
				"requestId": requestID,
				"response":  answer,
				"cliId":     consumerID,
			})
			if mergeErr != nil {
				merged = base
			}
			producer.Send(wire.NewRaw(wire.KindResponse, consumerID, wire.ClientCLI, merged))
		}
	}

	r.Advance(consumerID)
}

// RouteYap fans a yap out to every live consumer via each consumer's
// reorder buffer. raw is the producer's inbound envelope
// Data (may be nil, e.g. in tests); it is what gets forwarded so any
// field beyond the Yap schema survives.
func (r *Router) RouteYap(raw json.RawMessage, yap wire.Yap, sourceID string) {
	base, err := rawOrMarshal(raw, yap)
	if err != nil {
		return
	}
	for _, c := range r.registry.Consumers() {
		r.bufferYap(c.ClientID, yap, base)
	}
}

// bufferYap appends yap to consumerID's reorder buffer, re-sorts by
// timestamp, caps at MaxYapBuffer dropping the oldest excess, and
// (re)arms the flush timer.
func (r *Router) bufferYap(consumerID string, yap wire.Yap, raw json.RawMessage) {
	r.mu.Lock()
	st := r.stateFor(consumerID)

	st.yapBuf = append(st.yapBuf, yapEntry{yap: yap, raw: raw})
	sort.SliceStable(st.yapBuf, func(i, j int) bool {
		return st.yapBuf[i].yap.Timestamp < st.yapBuf[j].yap.Timestamp
	})
	if over := len(st.yapBuf) - r.cfg.MaxYapBuffer; over > 0 {
		st.yapBuf = st.yapBuf[over:]
	}

	if st.yapTimer != nil {
		st.yapTimer.Stop()
	}
	st.yapTimer = time.AfterFunc(r.cfg.YapBufferDelay, func() {
		r.flushYaps(consumerID)
	})
	r.mu.Unlock()
}

// flushYaps empties consumerID's buffer, delivering its contents as
// individual yap envelopes in timestamp order.
func (r *Router) flushYaps(consumerID string) {
	r.mu.Lock()
	st, ok := r.state[consumerID]
	if !ok || len(st.yapBuf) == 0 {
		r.mu.Unlock()
		return
	}
	batch := st.yapBuf
	st.yapBuf = nil
	st.yapTimer = nil
	r.mu.Unlock()

	consumer, ok := r.registry.ByID(consumerID)
	if !ok {
		return
	}
	for _, y := range batch {
		consumer.Send(wire.NewRaw(wire.KindYap, consumerID, wire.ClientMCPServer, y.raw))
	}
}

// ConsumerLost discards a departed consumer's routing state:
// its queue and yap buffer are dropped, and every pending clarification
// is reported as timed out to its originating producer so it may retry.
func (r *Router) ConsumerLost(consumerID string) {
	r.mu.Lock()
	st, ok := r.state[consumerID]
	delete(r.state, consumerID)
	r.mu.Unlock()
	if !ok {
		return
	}
	if st.yapTimer != nil {
		st.yapTimer.Stop()
	}

	for _, e := range st.queue {
		if producer, ok := r.registry.ByID(e.sourceID); ok {
			merged, err := wire.MergeFields(e.raw, map[string]interface{}{
				"requestId": e.req.ID,
				"status":    wire.StatusTimeout,
				"error":     "Consumer disconnected",
			})
			if err != nil {
				merged = e.raw
			}
			producer.Send(wire.NewRaw(wire.KindResponse, consumerID, wire.ClientCLI, merged))
		}
	}
}

// ProducerLost cleans up after a departed producer:
// every queued or active request sourced from producerID is marked
// terminal with a synthetic timeout clarification delivered to its
// consumer (so the human can dismiss it), then removed from the queue.
func (r *Router) ProducerLost(producerID string) {
	r.mu.Lock()
	type delivery struct {
		consumerID string
		raw        json.RawMessage
	}
	var toDeliver []delivery

	for consumerID, st := range r.state {
		kept := st.queue[:0]
		for _, e := range st.queue {
			if e.sourceID == producerID {
				merged, err := wire.MergeFields(e.raw, map[string]interface{}{
					"status":   wire.StatusTimeout,
					"response": "Source client disconnected",
				})
				if err != nil {
					merged = e.raw
				}
				toDeliver = append(toDeliver, delivery{consumerID: consumerID, raw: merged})
				continue
			}
			kept = append(kept, e)
		}
		st.queue = kept
	}
	r.mu.Unlock()

	advanced := make(map[string]bool)
	for _, d := range toDeliver {
		if consumer, ok := r.registry.ByID(d.consumerID); ok {
			consumer.Send(wire.NewRaw(wire.KindClarification, producerID, wire.ClientMCPServer, d.raw))
		}
		// Removing an active entry leaves the next queued request at the
		// head in pending state; promote it.
		if !advanced[d.consumerID] {
			advanced[d.consumerID] = true
			r.Advance(d.consumerID)
		}
	}
}

// QueueLen reports the current queue depth for a consumer, for tests and
// diagnostics.
func (r *Router) QueueLen(consumerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.state[consumerID]; ok {
		return len(st.queue)
	}
	return 0
}

package router

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/conclave-dev/partyline/internal/registry"
	"github.com/conclave-dev/partyline/internal/session"
	"github.com/conclave-dev/partyline/internal/wire"
)

// pipeSession returns a session backed by an in-memory net.Pipe, along
// with the peer end so the test can read what the broker side sends.
func pipeSession(t *testing.T, clientID string, role wire.Role) (*session.Session, net.Conn) {
	t.Helper()
	server, peer := net.Pipe()
	t.Cleanup(func() { peer.Close() })
	s := session.New(server)
	s.ClientID = clientID
	s.Role = role
	go s.Pump()
	t.Cleanup(s.Close)
	return s, peer
}

func readEnvelope(t *testing.T, peer net.Conn) *wire.Envelope {
	t.Helper()
	r := wire.NewReader(peer)
	env, err := r.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return env
}

// TestSingleProducerConsumerRoundTrip covers the basic round trip: one
// producer, one consumer, a clarification and its reply.
func TestSingleProducerConsumerRoundTrip(t *testing.T) {
	reg := registry.New()
	consumerSess, consumerPeer := pipeSession(t, "c1", wire.RoleConsumer)
	producerSess, producerPeer := pipeSession(t, "p1", wire.RoleProducer)
	reg.Put(consumerSess)
	reg.Put(producerSess)

	rt := New(reg, DefaultConfig())

	req := wire.Clarification{ID: "req-1", Question: "name?", Urgency: wire.UrgencyMedium}
	chosen, err := rt.RouteClarification(nil, req, "p1")
	if err != nil {
		t.Fatalf("RouteClarification: %v", err)
	}
	if chosen != "c1" {
		t.Fatalf("chosen = %q, want c1", chosen)
	}

	delivered := readEnvelope(t, consumerPeer)
	if delivered.Type != wire.KindClarification {
		t.Fatalf("delivered.Type = %v, want clarification", delivered.Type)
	}
	var gotReq wire.Clarification
	if err := delivered.UnmarshalData(&gotReq); err != nil {
		t.Fatalf("UnmarshalData: %v", err)
	}
	if gotReq.Status != wire.StatusActive {
		t.Errorf("delivered status = %v, want active", gotReq.Status)
	}

	rt.HandleReply(nil, "req-1", "output.txt", "c1")

	reply := readEnvelope(t, producerPeer)
	if reply.Type != wire.KindResponse {
		t.Fatalf("reply.Type = %v, want response", reply.Type)
	}
	var resp wire.Response
	if err := reply.UnmarshalData(&resp); err != nil {
		t.Fatalf("UnmarshalData: %v", err)
	}
	if resp.Response != "output.txt" || resp.RequestID != "req-1" {
		t.Errorf("resp = %+v, want response=output.txt requestId=req-1", resp)
	}

	if n := rt.QueueLen("c1"); n != 0 {
		t.Errorf("QueueLen after reply = %d, want 0", n)
	}
}

// TestTwoProducersOneConsumerFIFO checks per-consumer FIFO: a second
// request queues behind the first and is delivered only once the first
// is answered.
func TestTwoProducersOneConsumerFIFO(t *testing.T) {
	reg := registry.New()
	consumerSess, consumerPeer := pipeSession(t, "c1", wire.RoleConsumer)
	p1Sess, _ := pipeSession(t, "p1", wire.RoleProducer)
	p2Sess, p2Peer := pipeSession(t, "p2", wire.RoleProducer)
	reg.Put(consumerSess)
	reg.Put(p1Sess)
	reg.Put(p2Sess)

	rt := New(reg, DefaultConfig())

	rt.RouteClarification(nil, wire.Clarification{ID: "req-1", Question: "a?"}, "p1")
	readEnvelope(t, consumerPeer) // req-1 delivered as active

	rt.RouteClarification(nil, wire.Clarification{ID: "req-2", Question: "b?"}, "p2")
	if n := rt.QueueLen("c1"); n != 2 {
		t.Fatalf("QueueLen = %d, want 2 (req-2 queued behind active req-1)", n)
	}

	rt.HandleReply(nil, "req-1", "answer-a", "c1")

	// Answering req-1 should advance req-2 to active and deliver it.
	second := readEnvelope(t, consumerPeer)
	var gotReq wire.Clarification
	second.UnmarshalData(&gotReq)
	if gotReq.ID != "req-2" {
		t.Fatalf("second delivered id = %q, want req-2", gotReq.ID)
	}

	rt.HandleReply(nil, "req-2", "answer-b", "c1")
	reply := readEnvelope(t, p2Peer)
	var resp wire.Response
	reply.UnmarshalData(&resp)
	if resp.Response != "answer-b" {
		t.Errorf("resp.Response = %q, want answer-b", resp.Response)
	}
}

// TestTwoConsumersLoadBalancing checks that requests
// spread across idle consumers by shortest queue length.
func TestTwoConsumersLoadBalancing(t *testing.T) {
	reg := registry.New()
	c1Sess, _ := pipeSession(t, "c1", wire.RoleConsumer)
	c2Sess, _ := pipeSession(t, "c2", wire.RoleConsumer)
	pSess, _ := pipeSession(t, "p1", wire.RoleProducer)
	reg.Put(c1Sess)
	reg.Put(c2Sess)
	reg.Put(pSess)

	rt := New(reg, DefaultConfig())

	first, _ := rt.RouteClarification(nil, wire.Clarification{ID: "req-1"}, "p1")
	second, _ := rt.RouteClarification(nil, wire.Clarification{ID: "req-2"}, "p1")

	if first == second {
		t.Fatalf("both requests routed to %q, want spread across c1/c2", first)
	}
}

func TestRouteClarificationNoConsumer(t *testing.T) {
	reg := registry.New()
	rt := New(reg, DefaultConfig())

	_, err := rt.RouteClarification(nil, wire.Clarification{ID: "req-1"}, "p1")
	if err != ErrNoConsumer {
		t.Fatalf("err = %v, want ErrNoConsumer", err)
	}
}

// TestYapReorderBufferFlushesSorted checks that yaps
// arriving out of timestamp order are delivered in timestamp order once
// the debounce timer fires.
func TestYapReorderBufferFlushesSorted(t *testing.T) {
	reg := registry.New()
	consumerSess, consumerPeer := pipeSession(t, "c1", wire.RoleConsumer)
	reg.Put(consumerSess)

	cfg := DefaultConfig()
	cfg.YapBufferDelay = 20 * time.Millisecond
	rt := New(reg, cfg)

	rt.RouteYap(nil, wire.Yap{ID: "y3", Message: "third", Timestamp: 300}, "p1")
	rt.RouteYap(nil, wire.Yap{ID: "y1", Message: "first", Timestamp: 100}, "p1")
	rt.RouteYap(nil, wire.Yap{ID: "y2", Message: "second", Timestamp: 200}, "p1")

	var gotOrder []string
	for i := 0; i < 3; i++ {
		env := readEnvelope(t, consumerPeer)
		var y wire.Yap
		env.UnmarshalData(&y)
		gotOrder = append(gotOrder, y.ID)
	}

	want := []string{"y1", "y2", "y3"}
	for i, id := range want {
		if gotOrder[i] != id {
			t.Errorf("gotOrder = %v, want %v", gotOrder, want)
			break
		}
	}
}

// TestProducerLostSendsSyntheticTimeout checks that a
// producer disconnecting while its request is active delivers a
// timeout-status clarification to the holding consumer.
func TestProducerLostSendsSyntheticTimeout(t *testing.T) {
	reg := registry.New()
	consumerSess, consumerPeer := pipeSession(t, "c1", wire.RoleConsumer)
	producerSess, _ := pipeSession(t, "p1", wire.RoleProducer)
	reg.Put(consumerSess)
	reg.Put(producerSess)

	rt := New(reg, DefaultConfig())
	rt.RouteClarification(nil, wire.Clarification{ID: "req-1", Question: "q?"}, "p1")
	readEnvelope(t, consumerPeer) // the initial active delivery

	rt.ProducerLost("p1")

	timeoutEnv := readEnvelope(t, consumerPeer)
	var got wire.Clarification
	if err := timeoutEnv.UnmarshalData(&got); err != nil {
		t.Fatalf("UnmarshalData: %v", err)
	}
	if got.Status != wire.StatusTimeout {
		t.Errorf("status = %v, want timeout", got.Status)
	}
	if got.Response != "Source client disconnected" {
		t.Errorf("response = %q, want %q", got.Response, "Source client disconnected")
	}
	if n := rt.QueueLen("c1"); n != 0 {
		t.Errorf("QueueLen after ProducerLost = %d, want 0", n)
	}
}

func TestConsumerLostSignalsProducers(t *testing.T) {
	reg := registry.New()
	consumerSess, _ := pipeSession(t, "c1", wire.RoleConsumer)
	producerSess, producerPeer := pipeSession(t, "p1", wire.RoleProducer)
	reg.Put(consumerSess)
	reg.Put(producerSess)

	rt := New(reg, DefaultConfig())
	rt.RouteClarification(nil, wire.Clarification{ID: "req-1"}, "p1")

	rt.ConsumerLost("c1")

	env := readEnvelope(t, producerPeer)
	var resp wire.Response
	env.UnmarshalData(&resp)
	if resp.Error == "" {
		t.Errorf("resp.Error empty, want a disconnect notice")
	}
}

// TestUnknownFieldsRoundTripThroughClarification verifies that fields the
// payload schemas don't name are forwarded: a field in the producer's
// clarification reaches the consumer on delivery, and a field in the
// consumer's reply reaches the producer-bound response ("unknown fields
// in data are preserved and forwarded").
func TestUnknownFieldsRoundTripThroughClarification(t *testing.T) {
	reg := registry.New()
	consumerSess, consumerPeer := pipeSession(t, "c1", wire.RoleConsumer)
	producerSess, producerPeer := pipeSession(t, "p1", wire.RoleProducer)
	reg.Put(consumerSess)
	reg.Put(producerSess)

	rt := New(reg, DefaultConfig())

	raw := json.RawMessage(`{"id":"req-1","question":"name?","urgency":"medium","status":"pending","traceId":"abc-123"}`)
	var req wire.Clarification
	if err := json.Unmarshal(raw, &req); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, err := rt.RouteClarification(raw, req, "p1"); err != nil {
		t.Fatalf("RouteClarification: %v", err)
	}

	delivered := readEnvelope(t, consumerPeer)
	var fields map[string]interface{}
	if err := delivered.UnmarshalData(&fields); err != nil {
		t.Fatalf("UnmarshalData: %v", err)
	}
	if fields["traceId"] != "abc-123" {
		t.Errorf("delivered traceId = %v, want abc-123", fields["traceId"])
	}
	if fields["status"] != "active" {
		t.Errorf("delivered status = %v, want active", fields["status"])
	}

	replyRaw := json.RawMessage(`{"requestId":"req-1","response":"output.txt","confidence":0.9}`)
	rt.HandleReply(replyRaw, "req-1", "output.txt", "c1")

	reply := readEnvelope(t, producerPeer)
	var replyFields map[string]interface{}
	if err := reply.UnmarshalData(&replyFields); err != nil {
		t.Fatalf("UnmarshalData: %v", err)
	}
	if replyFields["confidence"] != 0.9 {
		t.Errorf("reply confidence = %v, want 0.9", replyFields["confidence"])
	}
	if replyFields["cliId"] != "c1" {
		t.Errorf("reply cliId = %v, want c1", replyFields["cliId"])
	}
}

func TestRouteClarificationQueueFull(t *testing.T) {
	reg := registry.New()
	consumerSess, consumerPeer := pipeSession(t, "c1", wire.RoleConsumer)
	reg.Put(consumerSess)

	cfg := DefaultConfig()
	cfg.MaxClarificationQueue = 2
	rt := New(reg, cfg)

	if _, err := rt.RouteClarification(nil, wire.Clarification{ID: "req-1"}, "p1"); err != nil {
		t.Fatalf("RouteClarification 1: %v", err)
	}
	readEnvelope(t, consumerPeer) // req-1 delivered as active
	if _, err := rt.RouteClarification(nil, wire.Clarification{ID: "req-2"}, "p1"); err != nil {
		t.Fatalf("RouteClarification 2: %v", err)
	}

	_, err := rt.RouteClarification(nil, wire.Clarification{ID: "req-3"}, "p1")
	if err != ErrQueueFull {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestYapBufferCapDropsOldest(t *testing.T) {
	reg := registry.New()
	consumerSess, consumerPeer := pipeSession(t, "c1", wire.RoleConsumer)
	reg.Put(consumerSess)

	cfg := DefaultConfig()
	cfg.MaxYapBuffer = 2
	cfg.YapBufferDelay = 20 * time.Millisecond
	rt := New(reg, cfg)

	rt.RouteYap(nil, wire.Yap{ID: "y1", Timestamp: 100}, "p1")
	rt.RouteYap(nil, wire.Yap{ID: "y2", Timestamp: 200}, "p1")
	rt.RouteYap(nil, wire.Yap{ID: "y3", Timestamp: 300}, "p1")

	var got []string
	for i := 0; i < 2; i++ {
		env := readEnvelope(t, consumerPeer)
		var y wire.Yap
		env.UnmarshalData(&y)
		got = append(got, y.ID)
	}
	if got[0] != "y2" || got[1] != "y3" {
		t.Errorf("flushed %v, want [y2 y3] (y1 dropped as oldest)", got)
	}
}

// TestProducerLostPromotesNextRequest checks that removing a departed
// producer's active request promotes the next queued request from a
// surviving producer.
func TestProducerLostPromotesNextRequest(t *testing.T) {
	reg := registry.New()
	consumerSess, consumerPeer := pipeSession(t, "c1", wire.RoleConsumer)
	p1Sess, _ := pipeSession(t, "p1", wire.RoleProducer)
	p2Sess, _ := pipeSession(t, "p2", wire.RoleProducer)
	reg.Put(consumerSess)
	reg.Put(p1Sess)
	reg.Put(p2Sess)

	rt := New(reg, DefaultConfig())
	rt.RouteClarification(nil, wire.Clarification{ID: "req-1"}, "p1")
	readEnvelope(t, consumerPeer) // req-1 active
	rt.RouteClarification(nil, wire.Clarification{ID: "req-2"}, "p2")

	rt.ProducerLost("p1")

	timeoutEnv := readEnvelope(t, consumerPeer)
	var dismissed wire.Clarification
	timeoutEnv.UnmarshalData(&dismissed)
	if dismissed.ID != "req-1" || dismissed.Status != wire.StatusTimeout {
		t.Fatalf("dismissal = %+v, want req-1 with timeout status", dismissed)
	}

	promoted := readEnvelope(t, consumerPeer)
	var next wire.Clarification
	promoted.UnmarshalData(&next)
	if next.ID != "req-2" || next.Status != wire.StatusActive {
		t.Errorf("promoted = %+v, want req-2 active", next)
	}
}

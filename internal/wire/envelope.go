// Package wire defines the on-wire envelope protocol shared by the broker
// and its client library: one JSON object per line, terminated by a
// single line feed, with a typed payload carried as raw JSON so unknown
// fields round-trip untouched.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the semantic type of an Envelope.
type Kind string

const (
	KindRegister      Kind = "register"
	KindSync          Kind = "sync"
	KindHeartbeat     Kind = "heartbeat"
	KindClarification Kind = "clarification"
	KindYap           Kind = "yap"
	KindResponse      Kind = "response"
	KindError         Kind = "error"
)

// ClientType identifies which side of the protocol a session speaks for.
type ClientType string

const (
	ClientMCPServer ClientType = "mcp-server"
	ClientCLI       ClientType = "cli"
)

// Role is a session's fixed role for the lifetime of the connection.
type Role string

const (
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
)

// Envelope is the outermost framed message on the wire. Fields follow the
// external schema exactly: id, type, clientId, clientType, timestamp,
// optional sequence, and an opaque data payload.
type Envelope struct {
	ID         string          `json:"id"`
	Type       Kind            `json:"type"`
	ClientID   string          `json:"clientId"`
	ClientType ClientType      `json:"clientType"`
	Timestamp  int64           `json:"timestamp"`
	Sequence   int64           `json:"sequence,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// New builds an envelope with a generated id and the current wall clock
// in milliseconds, marshaling payload into Data.
func New(kind Kind, clientID string, clientType ClientType, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Envelope{
		ID:         uuid.New().String(),
		Type:       kind,
		ClientID:   clientID,
		ClientType: clientType,
		Timestamp:  time.Now().UnixMilli(),
		Data:       data,
	}, nil
}

// UnmarshalData decodes the envelope's payload into v.
func (e *Envelope) UnmarshalData(v interface{}) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// NewRaw builds an envelope with a generated id and the current wall
// clock, using data directly as the payload instead of marshaling a
// fresh struct. Used whenever the payload being sent originated from
// another envelope's Data, so that fields unknown to this package's
// typed structs survive the hop untouched.
func NewRaw(kind Kind, clientID string, clientType ClientType, data json.RawMessage) *Envelope {
	return &Envelope{
		ID:         uuid.New().String(),
		Type:       kind,
		ClientID:   clientID,
		ClientType: clientType,
		Timestamp:  time.Now().UnixMilli(),
		Data:       data,
	}
}

// MergeFields decodes raw as a JSON object and overlays updates on top of
// it field by field, returning the merged encoding. Any field present in
// raw that updates doesn't name survives untouched; this is what lets
// an unknown field in a producer or consumer's payload round-trip
// through a re-emitted envelope instead of being dropped by a
// decode-into-typed-struct-then-re-marshal cycle.
func MergeFields(raw json.RawMessage, updates interface{}) (json.RawMessage, error) {
	base := map[string]interface{}{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &base); err != nil {
			return nil, fmt.Errorf("unmarshal base payload: %w", err)
		}
	}

	updData, err := json.Marshal(updates)
	if err != nil {
		return nil, fmt.Errorf("marshal field updates: %w", err)
	}
	upd := map[string]interface{}{}
	if err := json.Unmarshal(updData, &upd); err != nil {
		return nil, fmt.Errorf("unmarshal field updates: %w", err)
	}
	for k, v := range upd {
		base[k] = v
	}

	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("marshal merged payload: %w", err)
	}
	return merged, nil
}

// Urgency is the severity hint a producer attaches to a clarification.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// Status is a clarification request's lifecycle state. It transitions
// pending -> active -> (answered | timeout) and never revisits a terminal
// state once reached.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusAnswered Status = "answered"
	StatusTimeout  Status = "timeout"
)

// Clarification is the payload of a KindClarification envelope.
type Clarification struct {
	ID        string  `json:"id"`
	Question  string  `json:"question"`
	Context   string  `json:"context,omitempty"`
	Urgency   Urgency `json:"urgency"`
	Timestamp int64   `json:"timestamp"`
	Status    Status  `json:"status"`
	Response  string  `json:"response,omitempty"`
}

// Yap is the payload of a KindYap envelope.
type Yap struct {
	ID          string `json:"id"`
	Message     string `json:"message"`
	Mode        string `json:"mode,omitempty"`
	Category    string `json:"category,omitempty"`
	TaskContext string `json:"task_context,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// Response is the payload of a KindResponse envelope delivered to a
// producer, or the payload a consumer sends back to the broker when
// answering a clarification (in which case Error and CliID are unused).
type Response struct {
	RequestID string `json:"requestId"`
	Response  string `json:"response"`
	Error     string `json:"error,omitempty"`
	CliID     string `json:"cliId,omitempty"`
}

// ErrorPayload is the payload of a KindError envelope.
type ErrorPayload struct {
	Error string `json:"error"`
}

// RegisterPayload is the payload a connection sends as its first envelope.
type RegisterPayload struct {
	ClientID string `json:"clientId"`
	Role     Role   `json:"role"`
}

// SyncPayload acknowledges a successful registration.
type SyncPayload struct {
	Status string `json:"status"`
}

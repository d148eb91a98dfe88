// Package stream delivers session updates to external consumers as they
// happen. The session manager publishes one event per recorded engine event
// and one per status change; sinks forward them over a transport such as a
// Pulse (Redis) stream.
//
// Publishing is best-effort: the session manager logs Send failures and
// keeps driving the session. Sinks must be safe for concurrent use since
// every session run publishes from its own goroutine.
package stream

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/sessiond/runtime/agent/serialize"
)

type (
	// Sink delivers events to a transport.
	Sink interface {
		// Send publishes an event.
		Send(ctx context.Context, event Event) error
		// Close releases resources owned by the sink. It is idempotent.
		Close(ctx context.Context) error
	}

	// Purger is implemented by sinks that keep per-session state, such as a
	// stream per session. The manager calls Purge when a session is deleted
	// or cleaned up.
	Purger interface {
		Purge(ctx context.Context, sessionID string) error
	}

	// Event is a session update.
	Event interface {
		// Type is the event type.
		Type() EventType
		// SessionID is the caller-facing id of the session.
		SessionID() string
		// Timestamp is when the update happened.
		Timestamp() time.Time
		// Payload is the JSON-encodable body.
		Payload() any
	}

	// EventType enumerates the stream event types.
	EventType string

	// Base carries the common event metadata.
	Base struct {
		t  EventType
		id string
		ts time.Time
		p  any
	}

	// Recorded is published when an engine event is appended to a session.
	Recorded struct {
		Base
		Data serialize.Record
	}

	// StatusChanged is published when a session changes status.
	StatusChanged struct {
		Base
		Data StatusPayload
	}

	// StatusPayload describes a status transition.
	StatusPayload struct {
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
		Result any    `json:"result,omitempty"`
	}

	// Envelope is the wire form of an event.
	Envelope struct {
		Type      EventType       `json:"type"`
		SessionID string          `json:"session_id"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}

	noopSink struct{}
)

const (
	// EventRecorded is the type of Recorded events.
	EventRecorded EventType = "event_recorded"
	// EventStatusChanged is the type of StatusChanged events.
	EventStatusChanged EventType = "status_changed"
)

// NewRecorded returns the event published when rec is appended to session id.
func NewRecorded(id string, rec serialize.Record) Recorded {
	return Recorded{Base: Base{t: EventRecorded, id: id, ts: rec.Timestamp, p: rec}, Data: rec}
}

// NewStatusChanged returns the event published when session id changes status.
func NewStatusChanged(id string, at time.Time, data StatusPayload) StatusChanged {
	return StatusChanged{Base: Base{t: EventStatusChanged, id: id, ts: at, p: data}, Data: data}
}

// NewNoopSink returns a sink that drops every event.
func NewNoopSink() Sink { return noopSink{} }

// Marshal encodes event into its wire envelope.
func Marshal(event Event) ([]byte, error) {
	env := Envelope{Type: event.Type(), SessionID: event.SessionID(), Timestamp: event.Timestamp()}
	if p := event.Payload(); p != nil {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

func (b Base) Type() EventType      { return b.t }
func (b Base) SessionID() string    { return b.id }
func (b Base) Timestamp() time.Time { return b.ts }
func (b Base) Payload() any         { return b.p }

func (noopSink) Send(context.Context, Event) error { return nil }
func (noopSink) Close(context.Context) error       { return nil }

package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Message is a dynamic, JSON-shaped engine event. It implements every
// capability interface by looking up the conventional keys of the Claude
// stream-json protocol: is_error, subtype, type, session_id, num_turns,
// duration_ms, total_cost_usd, usage and result.
type Message struct {
	// Name is the event type name recorded on the session.
	Name string
	// Fields holds the decoded JSON object.
	Fields map[string]any
}

// NewMessage returns a message named name with the given fields.
func NewMessage(name string, fields map[string]any) Message {
	if fields == nil {
		fields = map[string]any{}
	}
	return Message{Name: name, Fields: fields}
}

// DecodeMessage decodes a JSON object into a Message. When name is empty it
// is derived from the "type" field, e.g. "result" becomes "ResultMessage".
func DecodeMessage(name string, data []byte) (Message, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return Message{}, fmt.Errorf("decode engine message: %w", err)
	}
	if fields == nil {
		return Message{}, fmt.Errorf("decode engine message: not a JSON object")
	}
	m := NewMessage(name, fields)
	if m.Name == "" {
		tag, _ := m.TypeTag()
		m.Name = MessageName(tag)
	}
	return m, nil
}

// MessageName derives an event name from a stream-json type tag.
func MessageName(tag string) string {
	switch tag {
	case "":
		return "Message"
	case "stream_event":
		return "StreamEvent"
	}
	parts := strings.FieldsFunc(tag, func(r rune) bool { return r == '_' || r == '-' })
	var b strings.Builder
	for _, p := range parts {
		r, size := utf8.DecodeRuneInString(p)
		b.WriteRune(unicode.ToUpper(r))
		b.WriteString(p[size:])
	}
	b.WriteString("Message")
	return b.String()
}

// EventName returns the message name.
func (m Message) EventName() string { return m.Name }

// MarshalJSON encodes the message fields.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m.Fields)
}

// IsError reports whether the is_error field is true.
func (m Message) IsError() bool {
	v, _ := m.Fields["is_error"].(bool)
	return v
}

// Subtype returns the subtype field.
func (m Message) Subtype() (string, bool) { return m.str("subtype") }

// TypeTag returns the type field.
func (m Message) TypeTag() (string, bool) { return m.str("type") }

// SessionID returns the session_id field.
func (m Message) SessionID() (string, bool) { return m.str("session_id") }

// ResultText returns the result field.
func (m Message) ResultText() (string, bool) { return m.str("result") }

// NumTurns returns the num_turns field.
func (m Message) NumTurns() (int, bool) {
	f, ok := m.num("num_turns")
	return int(f), ok
}

// DurationMS returns the duration_ms field.
func (m Message) DurationMS() (int64, bool) {
	f, ok := m.num("duration_ms")
	return int64(f), ok
}

// TotalCostUSD returns the total_cost_usd field.
func (m Message) TotalCostUSD() (float64, bool) { return m.num("total_cost_usd") }

// Usage returns the usage field.
func (m Message) Usage() (any, bool) {
	v, ok := m.Fields["usage"]
	return v, ok && v != nil
}

func (m Message) str(key string) (string, bool) {
	s, ok := m.Fields[key].(string)
	return s, ok
}

func (m Message) num(key string) (float64, bool) {
	switch v := m.Fields[key].(type) {
	case float64:
		return v, !math.IsNaN(v)
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

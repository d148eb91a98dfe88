package stream_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/sessiond/runtime/agent/serialize"
	"goa.design/sessiond/runtime/agent/stream"
)

func TestMarshalRecorded(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := serialize.Record{Type: "AssistantMessage", Content: map[string]any{"text": "hi"}, Timestamp: at}
	b, err := stream.Marshal(stream.NewRecorded("s1", rec))
	require.NoError(t, err)

	var env stream.Envelope
	require.NoError(t, json.Unmarshal(b, &env))
	require.Equal(t, stream.EventRecorded, env.Type)
	require.Equal(t, "s1", env.SessionID)
	require.True(t, at.Equal(env.Timestamp))
	require.JSONEq(t, `{"type":"AssistantMessage","content":{"text":"hi"},"timestamp":"2025-03-01T12:00:00Z"}`, string(env.Payload))
}

func TestMarshalStatusChanged(t *testing.T) {
	ev := stream.NewStatusChanged("s2", time.Now(), stream.StatusPayload{Status: "error", Error: "boom"})
	require.Equal(t, stream.EventStatusChanged, ev.Type())
	b, err := stream.Marshal(ev)
	require.NoError(t, err)
	require.Contains(t, string(b), `"status":"error"`)
	require.Contains(t, string(b), `"error":"boom"`)
}

func TestNoopSink(t *testing.T) {
	s := stream.NewNoopSink()
	require.NoError(t, s.Send(context.Background(), stream.NewStatusChanged("s", time.Now(), stream.StatusPayload{})))
	require.NoError(t, s.Close(context.Background()))
}

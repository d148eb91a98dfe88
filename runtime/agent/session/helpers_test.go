package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/sessiond/runtime/agent/engine"
	"goa.design/sessiond/runtime/agent/session"
	"goa.design/sessiond/runtime/agent/stream"
)

type (
	fakeClock struct {
		mu  sync.Mutex
		now time.Time
	}

	recordingSink struct {
		mu     sync.Mutex
		events []stream.Event
		purged []string
		// cut maps a purged session id to the number of events sent
		// before its purge.
		cut    map[string]int
		closed bool
	}
)

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (s *recordingSink) Send(_ context.Context, ev stream.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) Purge(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purged = append(s.purged, id)
	if s.cut == nil {
		s.cut = make(map[string]int)
	}
	s.cut[id] = len(s.events)
	return nil
}

func (s *recordingSink) types() []stream.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stream.EventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type()
	}
	return out
}

// sentAfterPurge returns the types of the events of id sent after it was
// purged.
func (s *recordingSink) sentAfterPurge(id string) []stream.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	cut, ok := s.cut[id]
	if !ok {
		return nil
	}
	var out []stream.EventType
	for _, ev := range s.events[cut:] {
		if ev.SessionID() == id {
			out = append(out, ev.Type())
		}
	}
	return out
}

func systemInit(sid string) engine.Message {
	return engine.NewMessage("SystemMessage", map[string]any{"type": "system", "subtype": "init", "session_id": sid})
}

func assistant(text, sid string) engine.Message {
	return engine.NewMessage("AssistantMessage", map[string]any{"type": "assistant", "session_id": sid, "text": text})
}

func result(sid string) engine.Message {
	return engine.NewMessage("ResultMessage", map[string]any{
		"type":           "result",
		"subtype":        "success",
		"session_id":     sid,
		"num_turns":      2,
		"duration_ms":    1500,
		"total_cost_usd": 0.25,
		"usage":          map[string]any{"input_tokens": 12, "output_tokens": 34},
		"result":         "all done",
	})
}

func errorResult(text string) engine.Message {
	fields := map[string]any{"type": "result", "subtype": "error_during_execution", "is_error": true}
	if text != "" {
		fields["result"] = text
	}
	return engine.NewMessage("ResultMessage", fields)
}

// waitTerminal waits for the current run of id and returns its snapshot.
func waitTerminal(t *testing.T, m *session.Manager, id string) session.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := m.Wait(ctx, id)
	require.NoError(t, err)
	return s
}

// waitStatus polls until the session reaches status.
func waitStatus(t *testing.T, m *session.Manager, id string, status session.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := m.Get(id)
		return ok && s.Status == status
	}, 5*time.Second, time.Millisecond)
}

// waitEvents polls until the session recorded n events.
func waitEvents(t *testing.T, m *session.Manager, id string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := m.Get(id)
		return ok && len(s.Events) >= n
	}, 5*time.Second, time.Millisecond)
}

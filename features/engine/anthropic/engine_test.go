package anthropic

import (
	"context"
	"errors"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/sessiond/runtime/agent/engine"
	"goa.design/sessiond/runtime/agent/session"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }

func (d *testDecoder) Err() error {
	if d.i >= len(d.events) {
		return d.err
	}
	return nil
}

type fakeMessages struct {
	params []sdk.MessageNewParams
	reply  []string
	err    error
}

func (f *fakeMessages) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	f.params = append(f.params, body)
	events := []ssestream.Event{
		{Type: "message_start", Data: []byte(`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-test","content":[],"usage":{"input_tokens":12,"output_tokens":1}}}`)},
	}
	for _, text := range f.reply {
		events = append(events, ssestream.Event{
			Type: "content_block_delta",
			Data: []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"` + text + `"}}`),
		})
	}
	events = append(events,
		ssestream.Event{Type: "message_delta", Data: []byte(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":7}}`)},
		ssestream.Event{Type: "message_stop", Data: []byte(`{"type":"message_stop"}`)},
	)
	if f.err != nil {
		events = events[:1]
	}
	return ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{events: events, err: f.err}, nil)
}

func drain(t *testing.T, c engine.Conn) ([]engine.Event, error) {
	t.Helper()
	var evs []engine.Event
	for {
		ev, err := c.Receive(context.Background())
		if err != nil {
			return evs, err
		}
		evs = append(evs, ev)
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Options{DefaultModel: "m"})
	require.Error(t, err)
	_, err = New(&fakeMessages{}, Options{})
	require.Error(t, err)
	_, err = NewFromAPIKey("", Options{DefaultModel: "m"})
	require.Error(t, err)
}

func TestStreamedRun(t *testing.T) {
	fake := &fakeMessages{reply: []string{"hel", "lo"}}
	eng, err := New(fake, Options{DefaultModel: "claude-test"})
	require.NoError(t, err)
	ctx := context.Background()

	c, err := eng.Connect(ctx, engine.Options{SystemPrompt: "be brief"})
	require.NoError(t, err)
	_, err = c.Receive(ctx)
	require.ErrorIs(t, err, ErrNotStarted)
	require.NoError(t, c.Submit(ctx, "hi"))

	evs, err := drain(t, c)
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, c.Disconnect(ctx))

	names := make([]string, len(evs))
	for i, ev := range evs {
		names[i] = ev.(engine.Message).EventName()
	}
	assert.Equal(t, []string{"SystemMessage", "StreamEvent", "StreamEvent", "AssistantMessage", "ResultMessage"}, names)

	last := evs[len(evs)-1]
	assert.Equal(t, session.DecisionComplete, session.Classify(last))
	text, _ := engine.ResultTextOf(last)
	assert.Equal(t, "hello", text)
	sid, ok := engine.SessionIDOf(last)
	require.True(t, ok)
	usage, ok := engine.UsageOf(last)
	require.True(t, ok)
	assert.EqualValues(t, 12, usage.(map[string]any)["input_tokens"])
	assert.EqualValues(t, 7, usage.(map[string]any)["output_tokens"])

	require.Len(t, fake.params, 1)
	assert.Equal(t, sdk.Model("claude-test"), fake.params[0].Model)
	assert.EqualValues(t, defaultMaxTokens, fake.params[0].MaxTokens)
	require.Len(t, fake.params[0].System, 1)
	assert.Equal(t, "be brief", fake.params[0].System[0].Text)
	assert.Equal(t, 2, eng.convs.Len(sid))
}

func TestResumeCarriesHistory(t *testing.T) {
	fake := &fakeMessages{reply: []string{"ok"}}
	eng, err := New(fake, Options{DefaultModel: "claude-test"})
	require.NoError(t, err)
	m := session.New(eng)
	ctx := context.Background()

	first, err := m.Create(ctx, "one", engine.Options{})
	require.NoError(t, err)
	done, err := m.Wait(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusCompleted, done.Status)
	require.NotEmpty(t, done.EngineSessionID)

	_, err = m.Resume(ctx, first.ID, "two", engine.Options{Model: "claude-other"})
	require.NoError(t, err)
	again, err := m.Wait(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, again.Status)
	assert.Equal(t, done.EngineSessionID, again.EngineSessionID)

	require.Len(t, fake.params, 2)
	assert.Len(t, fake.params[1].Messages, 3)
	assert.Equal(t, sdk.Model("claude-other"), fake.params[1].Model)
	assert.Equal(t, 4, eng.convs.Len(done.EngineSessionID))
}

func TestResumeUnknownConversation(t *testing.T) {
	eng, err := New(&fakeMessages{}, Options{DefaultModel: "claude-test"})
	require.NoError(t, err)
	_, err = eng.Connect(context.Background(), engine.Options{Resume: "missing"})
	require.Error(t, err)
}

func TestStreamErrorFailsRun(t *testing.T) {
	boom := errors.New("overloaded")
	eng, err := New(&fakeMessages{err: boom}, Options{DefaultModel: "claude-test"})
	require.NoError(t, err)
	ctx := context.Background()
	c, err := eng.Connect(ctx, engine.Options{})
	require.NoError(t, err)
	require.NoError(t, c.Submit(ctx, "hi"))
	_, err = drain(t, c)
	require.ErrorIs(t, err, boom)
}

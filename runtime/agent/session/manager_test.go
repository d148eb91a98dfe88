package session_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/sessiond/runtime/agent/engine"
	"goa.design/sessiond/runtime/agent/engine/inmem"
	"goa.design/sessiond/runtime/agent/session"
	"goa.design/sessiond/runtime/agent/stream"
)

func TestCreateRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	eng := inmem.New(inmem.Events(systemInit("eng-1"), assistant("hi", "eng-1"), result("eng-1")))
	m := session.New(eng, session.WithSink(sink))

	created, err := m.Create(ctx, "say hi", engine.Options{Model: "sonnet", Resume: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, created.Status)
	assert.NotEmpty(t, created.ID)
	assert.Empty(t, created.Events)
	assert.Nil(t, created.StartedAt)

	s := waitTerminal(t, m, created.ID)
	assert.Equal(t, session.StatusCompleted, s.Status)
	assert.Equal(t, "eng-1", s.EngineSessionID)
	assert.Empty(t, s.Error)
	require.NotNil(t, s.StartedAt)
	require.NotNil(t, s.EndedAt)
	assert.False(t, s.EndedAt.Before(*s.StartedAt))

	require.Len(t, s.Events, 3)
	assert.Equal(t, "SystemMessage", s.Events[0].Type)
	assert.Equal(t, "AssistantMessage", s.Events[1].Type)
	assert.Equal(t, "ResultMessage", s.Events[2].Type)

	require.NotNil(t, s.Result)
	assert.Equal(t, "eng-1", s.Result.SessionID)
	assert.Equal(t, 2, *s.Result.NumTurns)
	assert.EqualValues(t, 1500, *s.Result.DurationMS)
	assert.InDelta(t, 0.25, *s.Result.TotalCostUSD, 1e-9)
	assert.Equal(t, map[string]any{"input_tokens": int64(12), "output_tokens": int64(34)}, s.Result.Usage)

	require.Len(t, eng.Connects(), 1)
	assert.Equal(t, "sonnet", eng.Connects()[0].Model)
	assert.Empty(t, eng.Connects()[0].Resume)
	assert.Equal(t, []string{"say hi"}, eng.Prompts())
	assert.Equal(t, 1, eng.Disconnects())

	assert.Equal(t, []stream.EventType{
		stream.EventStatusChanged,
		stream.EventRecorded,
		stream.EventRecorded,
		stream.EventRecorded,
		stream.EventStatusChanged,
	}, sink.types())
}

func TestCreateRejectsBlankPrompt(t *testing.T) {
	m := session.New(inmem.New(inmem.Echo))
	_, err := m.Create(context.Background(), "  \n", engine.Options{})
	require.ErrorIs(t, err, session.ErrInvalidPrompt)
	assert.Empty(t, m.List())
}

func TestCreateIDGeneratorFailure(t *testing.T) {
	boom := errors.New("entropy exhausted")
	m := session.New(inmem.New(inmem.Echo), session.WithIDGenerator(func() (string, error) { return "", boom }))
	_, err := m.Create(context.Background(), "p", engine.Options{})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, m.List())
}

func TestEngineSessionIDCapturedEarlyAndRefreshedOnCompletion(t *testing.T) {
	eng := inmem.New(inmem.Events(systemInit("first"), assistant("x", "second"), result("final")))
	m := session.New(eng)
	created, err := m.Create(context.Background(), "p", engine.Options{})
	require.NoError(t, err)

	s := waitTerminal(t, m, created.ID)
	assert.Equal(t, "final", s.EngineSessionID)
}

func TestEarlyCaptureKeepsFirstID(t *testing.T) {
	eng := inmem.New(inmem.Block(systemInit("first"), assistant("x", "second")))
	m := session.New(eng)
	created, err := m.Create(context.Background(), "p", engine.Options{})
	require.NoError(t, err)
	waitEvents(t, m, created.ID, 2)

	s, ok := m.Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, "first", s.EngineSessionID)
	require.True(t, m.Cancel(context.Background(), created.ID))
}

func TestErrorEvent(t *testing.T) {
	cases := map[string]struct {
		ev   engine.Event
		want string
	}{
		"with text":    {errorResult("rate limited"), "rate limited"},
		"without text": {errorResult(""), session.UnknownErrorMessage},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			eng := inmem.New(inmem.Events(systemInit("e"), tc.ev, assistant("never", "e")))
			m := session.New(eng)
			created, err := m.Create(context.Background(), "p", engine.Options{})
			require.NoError(t, err)

			s := waitTerminal(t, m, created.ID)
			assert.Equal(t, session.StatusError, s.Status)
			assert.Equal(t, tc.want, s.Error)
			assert.Nil(t, s.Result)
			assert.Len(t, s.Events, 2, "events after the terminal one are not consumed")
			assert.NotNil(t, s.EndedAt)
		})
	}
}

func TestEngineFailures(t *testing.T) {
	boom := errors.New("engine crashed")
	cases := map[string]*inmem.Engine{
		"connect": inmem.New(inmem.Echo, inmem.WithConnectError(boom)),
		"stream":  inmem.New(inmem.Fail(boom, assistant("partial", "e"))),
	}
	for name, eng := range cases {
		t.Run(name, func(t *testing.T) {
			m := session.New(eng)
			created, err := m.Create(context.Background(), "p", engine.Options{})
			require.NoError(t, err)

			s := waitTerminal(t, m, created.ID)
			assert.Equal(t, session.StatusError, s.Status)
			assert.Equal(t, "engine crashed", s.Error)
			assert.NotNil(t, s.EndedAt)
		})
	}
}

func TestDisconnectFailureIsSwallowed(t *testing.T) {
	eng := inmem.New(inmem.Events(result("e")), inmem.WithDisconnectError(errors.New("pipe closed")))
	m := session.New(eng)
	created, err := m.Create(context.Background(), "p", engine.Options{})
	require.NoError(t, err)

	s := waitTerminal(t, m, created.ID)
	assert.Equal(t, session.StatusCompleted, s.Status)
	assert.Equal(t, 1, eng.Disconnects())
}

func TestStreamEndWithoutTerminalEventLeavesStatus(t *testing.T) {
	eng := inmem.New(inmem.Events(systemInit("e"), assistant("x", "e")))
	m := session.New(eng)
	created, err := m.Create(context.Background(), "p", engine.Options{})
	require.NoError(t, err)

	s := waitTerminal(t, m, created.ID)
	assert.Equal(t, session.StatusRunning, s.Status)
	assert.NotNil(t, s.EndedAt)
	assert.Len(t, s.Events, 2)
	assert.False(t, m.Cancel(context.Background(), "missing"))
}

func TestCancelRunning(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	eng := inmem.New(inmem.Block(systemInit("e")))
	m := session.New(eng, session.WithSink(sink))
	created, err := m.Create(ctx, "p", engine.Options{})
	require.NoError(t, err)
	waitEvents(t, m, created.ID, 1)

	require.True(t, m.Cancel(ctx, created.ID))
	s := waitTerminal(t, m, created.ID)
	assert.Equal(t, session.StatusCancelled, s.Status)
	assert.Equal(t, session.CancelledMessage, s.Error)
	assert.NotNil(t, s.EndedAt)
	assert.Nil(t, s.Result)
	assert.Equal(t, 1, eng.Interrupts())
	assert.Equal(t, 1, eng.Disconnects())

	assert.False(t, m.Cancel(ctx, created.ID), "already cancelled")
	assert.Contains(t, sink.types(), stream.EventStatusChanged)
}

func TestCancelSurvivesInterruptFailure(t *testing.T) {
	ctx := context.Background()
	eng := inmem.New(inmem.Block(systemInit("e")), inmem.WithInterruptError(errors.New("no such process")))
	m := session.New(eng)
	created, err := m.Create(ctx, "p", engine.Options{})
	require.NoError(t, err)
	waitEvents(t, m, created.ID, 1)

	require.True(t, m.Cancel(ctx, created.ID))
	s := waitTerminal(t, m, created.ID)
	assert.Equal(t, session.StatusCancelled, s.Status)
}

func TestCancelNotRunning(t *testing.T) {
	m := session.New(inmem.New(inmem.Events(result("e"))))
	created, err := m.Create(context.Background(), "p", engine.Options{})
	require.NoError(t, err)
	waitTerminal(t, m, created.ID)
	assert.False(t, m.Cancel(context.Background(), created.ID))
	s, _ := m.Get(created.ID)
	assert.Equal(t, session.StatusCompleted, s.Status)
}

// lateResult keeps emitting a terminal result after being interrupted.
func lateResult(ctx context.Context, _ engine.Options, _ string, emit func(engine.Event) error) error {
	if err := emit(systemInit("e")); err != nil {
		return err
	}
	<-ctx.Done()
	_ = emit(result("e"))
	return nil
}

func TestDriverNeverOverwritesCancelled(t *testing.T) {
	ctx := context.Background()
	m := session.New(inmem.New(lateResult))
	created, err := m.Create(ctx, "p", engine.Options{})
	require.NoError(t, err)
	waitEvents(t, m, created.ID, 1)

	require.True(t, m.Cancel(ctx, created.ID))
	s := waitTerminal(t, m, created.ID)
	assert.Equal(t, session.StatusCancelled, s.Status)
	assert.Nil(t, s.Result)
	assert.Len(t, s.Events, 1)
}

func TestResume(t *testing.T) {
	ctx := context.Background()
	eng := inmem.New(inmem.Echo)
	m := session.New(eng)

	created, err := m.Create(ctx, "first", engine.Options{Model: "a", AllowedTools: []string{"Read"}})
	require.NoError(t, err)
	first := waitTerminal(t, m, created.ID)
	require.Equal(t, session.StatusCompleted, first.Status)
	require.NotEmpty(t, first.EngineSessionID)

	resumed, err := m.Resume(ctx, created.ID, "second", engine.Options{Model: "b"})
	require.NoError(t, err)
	assert.Equal(t, created.ID, resumed.ID)
	assert.Equal(t, session.StatusPending, resumed.Status)
	assert.Equal(t, "first"+session.ResumeDelimiter+"second", resumed.Prompt)
	assert.Nil(t, resumed.Result)
	assert.Empty(t, resumed.Error)
	assert.Nil(t, resumed.StartedAt)
	assert.Nil(t, resumed.EndedAt)
	assert.Equal(t, "b", resumed.Options.Model)
	assert.Empty(t, resumed.Options.AllowedTools)
	assert.Equal(t, first.EngineSessionID, resumed.Options.Resume)

	s := waitTerminal(t, m, created.ID)
	assert.Equal(t, session.StatusCompleted, s.Status)
	assert.Equal(t, first.EngineSessionID, s.EngineSessionID)
	assert.Len(t, s.Events, 6, "events accumulate across runs")

	assert.Equal(t, []string{"first", "second"}, eng.Prompts())
	connects := eng.Connects()
	require.Len(t, connects, 2)
	assert.Equal(t, first.EngineSessionID, connects[1].Resume)
	assert.Len(t, m.List(), 1)
}

func TestResumeConcurrent(t *testing.T) {
	ctx := context.Background()
	script := func(ctx context.Context, opts engine.Options, prompt string, emit func(engine.Event) error) error {
		if opts.Resume == "" {
			return inmem.Events(systemInit("e"), result("e"))(ctx, opts, prompt, emit)
		}
		return inmem.Block(systemInit("e"))(ctx, opts, prompt, emit)
	}
	m := session.New(inmem.New(script))
	created, err := m.Create(ctx, "first", engine.Options{})
	require.NoError(t, err)
	require.Equal(t, session.StatusCompleted, waitTerminal(t, m, created.ID).Status)

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	start := make(chan struct{})
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := m.Resume(ctx, created.ID, fmt.Sprintf("again %d", i), engine.Options{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, session.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected resume error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, n-1, conflicts)

	// Once the winning run is running, a late resume names that status.
	waitStatus(t, m, created.ID, session.StatusRunning)
	_, err = m.Resume(ctx, created.ID, "late", engine.Options{})
	var conflict *session.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, session.StatusRunning, conflict.Status)

	s, ok := m.Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, 1, strings.Count(s.Prompt, session.ResumeDelimiter))

	require.True(t, m.Cancel(ctx, created.ID))
	waitTerminal(t, m, created.ID)
}

func TestResumeAfterError(t *testing.T) {
	ctx := context.Background()
	eng := inmem.New(inmem.Events(systemInit("e"), errorResult("bad")))
	m := session.New(eng)
	created, err := m.Create(ctx, "p", engine.Options{})
	require.NoError(t, err)
	s := waitTerminal(t, m, created.ID)
	require.Equal(t, session.StatusError, s.Status)

	resumed, err := m.Resume(ctx, created.ID, "again", engine.Options{})
	require.NoError(t, err)
	assert.Empty(t, resumed.Error)
	waitTerminal(t, m, created.ID)
}

func TestResumeRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		m := session.New(inmem.New(inmem.Echo))
		_, err := m.Resume(ctx, "missing", "p", engine.Options{})
		require.ErrorIs(t, err, session.ErrNotFound)
	})

	t.Run("blank prompt", func(t *testing.T) {
		m := session.New(inmem.New(inmem.Echo))
		_, err := m.Resume(ctx, "missing", " ", engine.Options{})
		require.ErrorIs(t, err, session.ErrInvalidPrompt)
	})

	t.Run("running", func(t *testing.T) {
		m := session.New(inmem.New(inmem.Block(systemInit("e"))))
		created, err := m.Create(ctx, "p", engine.Options{})
		require.NoError(t, err)
		waitEvents(t, m, created.ID, 1)

		_, err = m.Resume(ctx, created.ID, "again", engine.Options{})
		require.ErrorIs(t, err, session.ErrConflict)
		var conflict *session.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, session.StatusRunning, conflict.Status)
		require.True(t, m.Cancel(ctx, created.ID))
	})

	t.Run("no engine session id", func(t *testing.T) {
		m := session.New(inmem.New(inmem.Events(engine.NewMessage("ResultMessage", map[string]any{"type": "result"}))))
		created, err := m.Create(ctx, "p", engine.Options{})
		require.NoError(t, err)
		s := waitTerminal(t, m, created.ID)
		require.Equal(t, session.StatusCompleted, s.Status)

		_, err = m.Resume(ctx, created.ID, "again", engine.Options{})
		require.ErrorIs(t, err, session.ErrNotResumable)
		after, _ := m.Get(created.ID)
		assert.Equal(t, "p", after.Prompt, "rejected resume leaves the session untouched")
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	m := session.New(inmem.New(inmem.Block(systemInit("e"))), session.WithSink(sink))

	_, err := m.Delete(ctx, "missing")
	require.ErrorIs(t, err, session.ErrNotFound)

	created, err := m.Create(ctx, "p", engine.Options{})
	require.NoError(t, err)
	waitEvents(t, m, created.ID, 1)

	_, err = m.Delete(ctx, created.ID)
	require.ErrorIs(t, err, session.ErrConflict)

	require.True(t, m.Cancel(ctx, created.ID))
	waitTerminal(t, m, created.ID)
	status, err := m.Delete(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, status)

	_, ok := m.Get(created.ID)
	assert.False(t, ok)
	assert.Empty(t, m.List())
	assert.Equal(t, []string{created.ID}, sink.purged)
}

func TestDeletePendingStopsPublishing(t *testing.T) {
	ctx := context.Background()
	for range 20 {
		sink := &recordingSink{}
		m := session.New(inmem.New(inmem.Block(systemInit("e"))), session.WithSink(sink))

		created, err := m.Create(ctx, "p", engine.Options{})
		require.NoError(t, err)
		if _, err := m.Delete(ctx, created.ID); err != nil {
			// The run started first: cancel it and delete the ended session.
			require.ErrorIs(t, err, session.ErrConflict)
			require.True(t, m.Cancel(ctx, created.ID))
			waitTerminal(t, m, created.ID)
			_, err = m.Delete(ctx, created.ID)
			require.NoError(t, err)
		}
		_, ok := m.Get(created.ID)
		require.False(t, ok)

		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		require.NoError(t, m.Close(cctx))
		cancel()
		assert.Equal(t, []string{created.ID}, sink.purged)
		assert.Empty(t, sink.sentAfterPurge(created.ID))
	}
}

func TestCleanupStopsPublishing(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	m := session.New(inmem.New(inmem.Events(systemInit("e"), result("e"))), session.WithSink(sink))

	created, err := m.Create(ctx, "p", engine.Options{})
	require.NoError(t, err)
	waitStatus(t, m, created.ID, session.StatusCompleted)
	require.Eventually(t, func() bool {
		s, ok := m.Get(created.ID)
		return ok && s.EndedAt != nil
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, 1, m.Cleanup(ctx, -time.Second))
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, m.Close(cctx))
	assert.Empty(t, sink.sentAfterPurge(created.ID))
}

func TestListOrderAndSummary(t *testing.T) {
	ctx := context.Background()
	var n int
	m := session.New(inmem.New(inmem.Events(result("e"))), session.WithIDGenerator(func() (string, error) {
		n++
		return fmt.Sprintf("s%02d", n), nil
	}))
	for i := range 5 {
		_, err := m.Create(ctx, fmt.Sprintf("prompt %d", i), engine.Options{})
		require.NoError(t, err)
	}
	for i := 1; i <= 5; i++ {
		waitTerminal(t, m, fmt.Sprintf("s%02d", i))
	}

	list := m.List()
	require.Len(t, list, 5)
	for i, s := range list {
		assert.Equal(t, fmt.Sprintf("s%02d", i+1), s.ID)
		assert.Equal(t, fmt.Sprintf("prompt %d", i), s.Prompt)
		assert.Equal(t, session.StatusCompleted, s.Status)
		assert.Equal(t, 1, s.EventCount)
		assert.Equal(t, "e", s.EngineSessionID)
	}
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	sink := &recordingSink{}
	var n int
	scripts := map[string]inmem.Script{
		"old":     inmem.Events(result("e")),
		"dangled": inmem.Events(assistant("x", "e")),
		"blocked": inmem.Block(systemInit("e")),
	}
	order := []string{"old", "dangled", "blocked"}
	eng := inmem.New(func(ctx context.Context, opts engine.Options, prompt string, emit func(engine.Event) error) error {
		return scripts[prompt](ctx, opts, prompt, emit)
	})
	m := session.New(eng, session.WithClock(clock.Now), session.WithSink(sink), session.WithIDGenerator(func() (string, error) {
		id := order[n]
		n++
		return id, nil
	}))
	for _, p := range order {
		_, err := m.Create(ctx, p, engine.Options{})
		require.NoError(t, err)
	}
	waitTerminal(t, m, "old")
	waitTerminal(t, m, "dangled")
	waitEvents(t, m, "blocked", 1)

	assert.Equal(t, 0, m.Cleanup(ctx, time.Hour), "nothing is old enough yet")

	clock.Advance(2 * time.Hour)
	removed := m.Cleanup(ctx, time.Hour)
	assert.Equal(t, 1, removed, "running sessions are kept even with an end time")

	ids := make([]string, 0, 2)
	for _, s := range m.List() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"dangled", "blocked"}, ids)
	assert.Equal(t, []string{"old"}, sink.purged)

	require.True(t, m.Cancel(ctx, "dangled"))
	require.True(t, m.Cancel(ctx, "blocked"))
	waitTerminal(t, m, "blocked")
	assert.Equal(t, 0, m.Cleanup(ctx, time.Hour), "cancellation stamps a fresh end time")
	clock.Advance(2 * time.Hour)
	assert.Equal(t, 2, m.Cleanup(ctx, time.Hour))
	assert.Empty(t, m.List())
}

func TestRunSweeper(t *testing.T) {
	clock := newClock()
	m := session.New(inmem.New(inmem.Events(result("e"))), session.WithClock(clock.Now))
	created, err := m.Create(context.Background(), "p", engine.Options{})
	require.NoError(t, err)
	waitTerminal(t, m, created.ID)
	clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.RunSweeper(ctx, time.Millisecond, time.Minute)
		close(done)
	}()
	require.Eventually(t, func() bool { return len(m.List()) == 0 }, 5*time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestGetReturnsSnapshot(t *testing.T) {
	m := session.New(inmem.New(inmem.Events(systemInit("e"), result("e"))))
	created, err := m.Create(context.Background(), "p", engine.Options{Env: map[string]string{"A": "1"}})
	require.NoError(t, err)
	waitTerminal(t, m, created.ID)

	s, ok := m.Get(created.ID)
	require.True(t, ok)
	s.Status = session.StatusError
	s.Events = s.Events[:0]
	s.Options.Env["A"] = "2"
	*s.Result.NumTurns = 99

	again, _ := m.Get(created.ID)
	assert.Equal(t, session.StatusCompleted, again.Status)
	assert.Len(t, again.Events, 2)
	assert.Equal(t, "1", again.Options.Env["A"])
	assert.Equal(t, 2, *again.Result.NumTurns)

	_, ok = m.Get("missing")
	assert.False(t, ok)
}

func TestWaitUnknownSession(t *testing.T) {
	m := session.New(inmem.New(inmem.Echo))
	_, err := m.Wait(context.Background(), "missing")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestCloseCancelsRuns(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	m := session.New(inmem.New(inmem.Block(systemInit("e"))), session.WithSink(sink))
	created, err := m.Create(ctx, "p", engine.Options{})
	require.NoError(t, err)
	waitEvents(t, m, created.ID, 1)

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, m.Close(closeCtx))

	s, ok := m.Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, session.StatusCancelled, s.Status)
	assert.Equal(t, session.CancelledMessage, s.Error)
	assert.True(t, sink.closed)

	_, err = m.Create(ctx, "p", engine.Options{})
	require.ErrorIs(t, err, session.ErrClosed)
}

func TestConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	m := session.New(inmem.New(inmem.Echo))
	var wg sync.WaitGroup
	ids := make(chan string, 50)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Create(ctx, "concurrent", engine.Options{})
			if err != nil {
				return
			}
			ids <- s.ID
			for range 10 {
				m.Get(s.ID)
				m.List()
			}
			m.Cancel(ctx, s.ID)
		}()
	}
	wg.Wait()
	close(ids)

	count := 0
	for id := range ids {
		count++
		s := waitTerminal(t, m, id)
		assert.True(t, s.Status.Terminal(), "session %s ended as %s", id, s.Status)
		_, err := m.Delete(ctx, id)
		require.NoError(t, err)
	}
	assert.Equal(t, 50, count)
	assert.Empty(t, m.List())
}

package client_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/sessiond/api"
	"goa.design/sessiond/client"
	"goa.design/sessiond/runtime/agent/engine/inmem"
	"goa.design/sessiond/runtime/agent/session"
	"goa.design/sessiond/runtime/agent/stream"
)

func newClient(t *testing.T, script inmem.Script) *client.Client {
	t.Helper()
	mgr := session.New(inmem.New(script))
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })
	svc, err := api.NewService(mgr, api.WithTailer(api.NewPollTailer(mgr, 10*time.Millisecond)))
	require.NoError(t, err)
	srv := httptest.NewServer(api.NewHandler(svc))
	t.Cleanup(srv.Close)
	c, err := client.New(srv.URL+"/", client.WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	return c
}

func TestRoundTrip(t *testing.T) {
	c := newClient(t, inmem.Echo)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := c.Execute(ctx, api.ExecuteRequest{Prompt: "hello", Model: "sonnet"})
	require.NoError(t, err)
	require.NotEmpty(t, res.SessionID)

	final, err := c.WaitForCompletion(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, final.Status)
	assert.Len(t, final.Messages, 3)
	assert.Equal(t, "ResultMessage", final.Messages[2].Type)
	require.NotNil(t, final.Result)
	require.NotNil(t, final.Result.NumTurns)
	assert.Equal(t, 1, *final.Result.NumTurns)

	resumed, err := c.Execute(ctx, api.ExecuteRequest{Prompt: "again", ResumeSessionID: res.SessionID})
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, resumed.SessionID)
	final, err = c.WaitForCompletion(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Len(t, final.Messages, 6)

	var types []stream.EventType
	require.NoError(t, c.Stream(ctx, res.SessionID, func(env stream.Envelope) error {
		types = append(types, env.Type)
		return nil
	}))
	require.NotEmpty(t, types)
	assert.Equal(t, stream.EventStatusChanged, types[len(types)-1])

	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 6, list[0].EventCount)

	cl, err := c.Cleanup(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, cl.Removed)

	_, err = c.Status(ctx, res.SessionID)
	require.Error(t, err)
	assert.True(t, client.IsNotFound(err))
	var se *client.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 404, se.Code)
}

func TestCancelAndConflicts(t *testing.T) {
	c := newClient(t, inmem.Block())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := c.Execute(ctx, api.ExecuteRequest{Prompt: "wait"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, err := c.Status(ctx, res.SessionID)
		return err == nil && st.Status == session.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	_, err = c.Delete(ctx, res.SessionID)
	assert.True(t, client.IsConflict(err))

	cr, err := c.Cancel(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, cr.Status)

	final, err := c.WaitForCompletion(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, final.Status)

	_, err = c.Cancel(ctx, res.SessionID)
	assert.True(t, client.IsConflict(err))

	del, err := c.Delete(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, del.Status)
}

func TestWaitHonorsContext(t *testing.T) {
	c := newClient(t, inmem.Block())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := c.Execute(ctx, api.ExecuteRequest{Prompt: "wait"})
	require.NoError(t, err)

	short, stop := context.WithTimeout(ctx, 50*time.Millisecond)
	defer stop()
	_, err = c.WaitForCompletion(short, res.SessionID)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

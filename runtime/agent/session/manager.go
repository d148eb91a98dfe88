package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"goa.design/sessiond/runtime/agent/engine"
	"goa.design/sessiond/runtime/agent/stream"
	"goa.design/sessiond/runtime/agent/telemetry"
)

type (
	// Manager is the in-memory session registry. All methods are safe for
	// concurrent use.
	//
	// A single mutex guards the registry and every session field. Critical
	// sections only touch memory: engine calls and sink publishes always
	// happen outside the lock.
	Manager struct {
		engine            engine.Engine
		logger            telemetry.Logger
		metrics           telemetry.Metrics
		tracer            telemetry.Tracer
		sink              stream.Sink
		now               func() time.Time
		newID             func() (string, error)
		disconnectTimeout time.Duration

		mu      sync.Mutex
		records map[string]*record
		order   []string
		closed  bool

		wg sync.WaitGroup
	}

	// record is the managed state of one session.
	record struct {
		s Session
		// task is the current run. Runs whose task was replaced never
		// mutate the record again.
		task *task
		// conn is the live engine connection, set only while running.
		conn engine.Conn
	}

	// task is the handle of one driver invocation.
	task struct {
		cancel context.CancelFunc
		done   chan struct{}
	}
)

// New returns a Manager that runs sessions on eng.
func New(eng engine.Engine, opts ...Option) *Manager {
	m := &Manager{
		engine:            eng,
		logger:            telemetry.NewNoopLogger(),
		metrics:           telemetry.NewNoopMetrics(),
		tracer:            telemetry.NewNoopTracer(),
		sink:              stream.NewNoopSink(),
		now:               time.Now,
		newID:             newUUID,
		disconnectTimeout: DefaultDisconnectTimeout,
		records:           make(map[string]*record),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Create registers a new pending session for prompt and starts its run in
// the background. It returns as soon as the session is registered.
func (m *Manager) Create(ctx context.Context, prompt string, opts engine.Options) (Session, error) {
	if strings.TrimSpace(prompt) == "" {
		return Session{}, ErrInvalidPrompt
	}
	id, err := m.newID()
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}
	opts = opts.Clone()
	opts.Resume = ""
	rec := &record{s: Session{
		ID:        id,
		Status:    StatusPending,
		Prompt:    prompt,
		Options:   opts,
		CreatedAt: m.now(),
	}}

	runCtx, t := newTask(ctx)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		t.cancel()
		return Session{}, ErrClosed
	}
	if _, dup := m.records[id]; dup {
		m.mu.Unlock()
		t.cancel()
		return Session{}, fmt.Errorf("generate session id: duplicate id %q", id)
	}
	rec.task = t
	m.records[id] = rec
	m.order = append(m.order, id)
	snap := rec.s.clone()
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info(ctx, "session created", "session_id", id)
	m.metrics.IncCounter("sessiond.sessions.created", 1)
	go m.drive(runCtx, rec, t, prompt, opts.Clone())
	return snap, nil
}

// Resume continues the engine conversation of a terminal session under the
// same session id. The new run receives only prompt; the stored prompt
// accumulates it after ResumeDelimiter. opts replace the stored options and
// their Resume field is set to the engine session id.
func (m *Manager) Resume(ctx context.Context, id, prompt string, opts engine.Options) (Session, error) {
	if strings.TrimSpace(prompt) == "" {
		return Session{}, ErrInvalidPrompt
	}
	runCtx, t := newTask(ctx)

	m.mu.Lock()
	rec, ok := m.records[id]
	var err error
	switch {
	case m.closed:
		err = ErrClosed
	case !ok:
		err = ErrNotFound
	case !rec.s.Status.Terminal():
		err = &ConflictError{ID: id, Status: rec.s.Status}
	case rec.s.EngineSessionID == "":
		err = ErrNotResumable
	}
	if err != nil {
		m.mu.Unlock()
		t.cancel()
		return Session{}, err
	}
	stale := rec.task
	opts = opts.Clone()
	opts.Resume = rec.s.EngineSessionID
	rec.s.Prompt = rec.s.Prompt + ResumeDelimiter + prompt
	rec.s.Status = StatusPending
	rec.s.Options = opts
	rec.s.Error = ""
	rec.s.Result = nil
	rec.s.StartedAt = nil
	rec.s.EndedAt = nil
	rec.task = t
	rec.conn = nil
	snap := rec.s.clone()
	m.wg.Add(1)
	m.mu.Unlock()

	if stale != nil {
		stale.cancel()
	}
	m.logger.Info(ctx, "session resumed", "session_id", id, "engine_session_id", opts.Resume)
	m.metrics.IncCounter("sessiond.sessions.resumed", 1)
	go m.drive(runCtx, rec, t, prompt, opts.Clone())
	return snap, nil
}

// Get returns a snapshot of the session.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Session{}, false
	}
	return rec.s.clone(), true
}

// Cancel stops a running session. It returns false if the session does not
// exist or is not running. The session is marked cancelled before the engine
// is interrupted so the driver never reports a different outcome.
func (m *Manager) Cancel(ctx context.Context, id string) bool {
	now := m.now()
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok || rec.s.Status != StatusRunning {
		m.mu.Unlock()
		return false
	}
	rec.s.Status = StatusCancelled
	rec.s.Error = CancelledMessage
	rec.s.EndedAt = &now
	conn, t := rec.conn, rec.task
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Interrupt(ctx); err != nil {
			m.logger.Warn(ctx, "engine interrupt failed", "session_id", id, "err", err)
		}
	}
	if t != nil {
		t.cancel()
	}
	m.logger.Info(ctx, "session cancelled", "session_id", id)
	m.metrics.IncCounter("sessiond.sessions.cancelled", 1)
	m.publish(ctx, stream.NewStatusChanged(id, now, stream.StatusPayload{
		Status: string(StatusCancelled),
		Error:  CancelledMessage,
	}))
	return true
}

// Delete removes a session that is not running and returns its last status.
func (m *Manager) Delete(ctx context.Context, id string) (Status, error) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return "", ErrNotFound
	}
	if rec.s.Status == StatusRunning {
		m.mu.Unlock()
		return "", &ConflictError{ID: id, Status: StatusRunning}
	}
	status := rec.s.Status
	t := detach(rec)
	m.remove(id)
	m.mu.Unlock()

	settle(ctx, t)
	m.purge(ctx, id)
	m.logger.Info(ctx, "session deleted", "session_id", id, "status", string(status))
	m.metrics.IncCounter("sessiond.sessions.deleted", 1)
	return status, nil
}

// List returns the summaries of all sessions in creation order.
func (m *Manager) List() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Summary, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.records[id].s.clone().Summary())
	}
	return out
}

// Cleanup removes sessions that ended more than maxAge ago and are not
// running. It returns the number of removed sessions.
func (m *Manager) Cleanup(ctx context.Context, maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)
	m.mu.Lock()
	var (
		removed []string
		tasks   []*task
	)
	kept := m.order[:0]
	for _, id := range m.order {
		rec := m.records[id]
		if s := &rec.s; s.EndedAt != nil && s.EndedAt.Before(cutoff) && s.Status != StatusRunning {
			removed = append(removed, id)
			tasks = append(tasks, detach(rec))
			delete(m.records, id)
			continue
		}
		kept = append(kept, id)
	}
	clear(m.order[len(kept):])
	m.order = kept
	m.mu.Unlock()

	for i, id := range removed {
		settle(ctx, tasks[i])
		m.purge(ctx, id)
	}
	if len(removed) > 0 {
		m.logger.Info(ctx, "sessions cleaned up", "removed", len(removed), "max_age", maxAge.String())
		m.metrics.IncCounter("sessiond.sessions.swept", float64(len(removed)))
	}
	return len(removed)
}

// RunSweeper calls Cleanup every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Cleanup(ctx, maxAge)
		}
	}
}

// Wait blocks until the current run of the session ends or ctx is done and
// returns the resulting snapshot.
func (m *Manager) Wait(ctx context.Context, id string) (Session, error) {
	m.mu.Lock()
	rec, ok := m.records[id]
	var t *task
	if ok {
		t = rec.task
	}
	m.mu.Unlock()
	if !ok {
		return Session{}, ErrNotFound
	}
	if t != nil {
		select {
		case <-t.done:
		case <-ctx.Done():
			return Session{}, ctx.Err()
		}
	}
	s, ok := m.Get(id)
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

// Close cancels every in-flight run and waits for the drivers to return or
// ctx to be done. Create and Resume fail with ErrClosed afterwards.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	tasks := make([]*task, 0, len(m.records))
	for _, rec := range m.records {
		if rec.task != nil {
			tasks = append(tasks, rec.task)
		}
	}
	m.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if cerr := m.sink.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// remove deletes id from the registry. Callers hold m.mu.
func (m *Manager) remove(id string) {
	delete(m.records, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// detach takes the run handle away from rec so its driver neither mutates
// the record nor publishes events anymore. Callers hold m.mu.
func detach(rec *record) *task {
	t := rec.task
	rec.task = nil
	return t
}

// settle cancels t and waits for its driver to return or ctx to be done.
// Purging after settle guarantees no event of the run lands in the sink
// afterwards.
func settle(ctx context.Context, t *task) {
	if t == nil {
		return
	}
	t.cancel()
	select {
	case <-t.done:
	case <-ctx.Done():
	}
}

func (m *Manager) publish(ctx context.Context, ev stream.Event) {
	if err := m.sink.Send(ctx, ev); err != nil {
		m.logger.Warn(ctx, "stream publish failed", "session_id", ev.SessionID(), "type", string(ev.Type()), "err", err)
	}
}

func (m *Manager) purge(ctx context.Context, id string) {
	p, ok := m.sink.(stream.Purger)
	if !ok {
		return
	}
	if err := p.Purge(ctx, id); err != nil {
		m.logger.Warn(ctx, "stream purge failed", "session_id", id, "err", err)
	}
}

// newTask returns the context of a new run and its handle. The run context
// keeps the log and trace state of ctx but not its cancellation: runs
// outlive the request that started them.
func newTask(ctx context.Context) (context.Context, *task) {
	runCtx, cancel := context.WithCancel(telemetry.Detach(ctx))
	return runCtx, &task{cancel: cancel, done: make(chan struct{})}
}

package session

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/sessiond/runtime/agent/engine"
	"goa.design/sessiond/runtime/agent/serialize"
	"goa.design/sessiond/runtime/agent/stream"
	"goa.design/sessiond/runtime/agent/telemetry"
)

// drive runs one session invocation: connect, submit, then stream events
// until a terminal event, the end of the stream, or cancellation. It never
// returns an error; every outcome is recorded on the session. Once t no
// longer owns rec (Resume replaced it) the record is left untouched.
func (m *Manager) drive(ctx context.Context, rec *record, t *task, prompt string, opts engine.Options) {
	defer m.wg.Done()
	defer close(t.done)
	defer t.cancel()

	id := rec.s.ID // immutable
	ctx, span := m.tracer.Start(ctx, "session.run", trace.WithAttributes(
		attribute.String("session.id", id),
		attribute.Bool("session.resume", opts.Resume != ""),
	))
	defer span.End()
	start := m.now()

	if !m.mutate(rec, t, func(s *Session) {
		now := m.now()
		s.Status = StatusRunning
		s.StartedAt = &now
	}) {
		return
	}
	m.logger.Debug(ctx, "session run started", "session_id", id)
	m.publish(ctx, stream.NewStatusChanged(id, start, stream.StatusPayload{Status: string(StatusRunning)}))

	conn, err := m.engine.Connect(ctx, opts)
	if err != nil {
		m.finish(ctx, rec, t, nil, start, span, m.failure(ctx, err))
		return
	}
	if !m.attach(rec, t, conn) {
		m.finish(ctx, rec, t, conn, start, span, nil)
		return
	}
	if err := conn.Submit(ctx, prompt); err != nil {
		m.finish(ctx, rec, t, conn, start, span, m.failure(ctx, err))
		return
	}

	for {
		ev, err := conn.Receive(ctx)
		if errors.Is(err, io.EOF) {
			// The stream ended without a terminal event: status is left as is.
			m.finish(ctx, rec, t, conn, start, span, nil)
			return
		}
		if err != nil {
			m.finish(ctx, rec, t, conn, start, span, m.failure(ctx, err))
			return
		}
		if !m.record(ctx, rec, t, ev, span) {
			m.finish(ctx, rec, t, conn, start, span, nil)
			return
		}
	}
}

// record appends ev to the session and applies its classification. It
// returns false when the run must stop.
func (m *Manager) record(ctx context.Context, rec *record, t *task, ev engine.Event, span telemetry.Span) bool {
	r := serialize.Event(ev, m.now())
	decision, rule := classify(ev)
	sid, hasSID := engine.SessionIDOf(ev)

	var (
		status Status
		errMsg string
		result *Result
	)
	owned := m.mutate(rec, t, func(s *Session) {
		s.Events = append(s.Events, r)
		if hasSID && s.EngineSessionID == "" {
			s.EngineSessionID = sid
		}
		switch decision {
		case DecisionError:
			s.Status = StatusError
			s.Error = errorText(ev)
		case DecisionComplete:
			s.Status = StatusCompleted
			s.Result = resultOf(ev, serialize.Value)
			if hasSID {
				s.EngineSessionID = sid
			}
		}
		status, errMsg, result = s.Status, s.Error, s.Result.clone()
	})
	if !owned {
		return false
	}

	id := rec.s.ID
	m.metrics.IncCounter("sessiond.events", 1, "type", r.Type)
	span.AddEvent("engine.event", "type", r.Type, "decision", decision.String())
	m.publish(ctx, stream.NewRecorded(id, r))
	if decision == DecisionContinue {
		return true
	}
	m.logger.Debug(ctx, "terminal event", "session_id", id, "rule", rule, "status", string(status))
	var res any
	if result != nil {
		res = result
	}
	m.publish(ctx, stream.NewStatusChanged(id, r.Timestamp, stream.StatusPayload{
		Status: string(status),
		Error:  errMsg,
		Result: res,
	}))
	return false
}

// outcome is a failure to record when a run ends abnormally.
type outcome struct {
	status Status
	err    error
	msg    string
}

// failure maps a driver error to the recorded outcome. Errors caused by the
// run context being canceled mean the session was cancelled.
func (m *Manager) failure(ctx context.Context, err error) *outcome {
	if ctx.Err() != nil {
		return &outcome{status: StatusCancelled, err: err, msg: CancelledMessage}
	}
	return &outcome{status: StatusError, err: err, msg: err.Error()}
}

// finish records the outcome, stamps the end time, and disconnects the
// engine. Disconnect failures are logged and otherwise ignored.
func (m *Manager) finish(ctx context.Context, rec *record, t *task, conn engine.Conn, start time.Time, span telemetry.Span, out *outcome) {
	id := rec.s.ID
	var (
		final   Status
		applied bool
		endedAt time.Time
	)
	owned := m.mutateAlways(rec, t, func(s *Session) {
		rec.conn = nil
		final = s.Status
		if s.Status == StatusCancelled {
			return
		}
		if out != nil {
			s.Status = out.status
			s.Error = out.msg
			s.Result = nil
			applied = true
		}
		endedAt = m.now()
		s.EndedAt = &endedAt
		final = s.Status
	})

	if conn != nil {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.disconnectTimeout)
		if err := conn.Disconnect(dctx); err != nil {
			m.logger.Warn(ctx, "engine disconnect failed", "session_id", id, "err", err)
		}
		cancel()
	}
	if !owned {
		return
	}

	m.metrics.RecordTimer("sessiond.run.duration", m.now().Sub(start), "status", string(final))
	m.metrics.IncCounter("sessiond.sessions.finished", 1, "status", string(final))
	switch final {
	case StatusError:
		msg := "engine reported an error"
		if applied {
			msg = out.msg
			m.logger.Error(ctx, "session run failed", "session_id", id, "err", out.err)
			span.RecordError(out.err)
		}
		span.SetStatus(codes.Error, msg)
	case StatusCancelled:
		span.SetStatus(codes.Error, CancelledMessage)
		m.logger.Debug(ctx, "session run stopped", "session_id", id)
	default:
		span.SetStatus(codes.Ok, "")
		m.logger.Debug(ctx, "session run ended", "session_id", id, "status", string(final))
	}
	if applied {
		m.publish(ctx, stream.NewStatusChanged(id, endedAt, stream.StatusPayload{Status: string(final), Error: out.msg}))
	}
}

// attach stores the live connection on the record.
func (m *Manager) attach(rec *record, t *task, conn engine.Conn) bool {
	return m.mutate(rec, t, func(*Session) { rec.conn = conn })
}

// mutate applies fn under the lock if t still owns rec and the session was
// not cancelled. It reports whether fn ran.
func (m *Manager) mutate(rec *record, t *task, fn func(*Session)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.task != t || rec.s.Status == StatusCancelled {
		return false
	}
	fn(&rec.s)
	return true
}

// mutateAlways applies fn under the lock if t still owns rec.
func (m *Manager) mutateAlways(rec *record, t *task, fn func(*Session)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.task != t {
		return false
	}
	fn(&rec.s)
	return true
}

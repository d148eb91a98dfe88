package api

import (
	"context"
	"time"

	"goa.design/sessiond/runtime/agent/session"
	"goa.design/sessiond/runtime/agent/stream"
)

type (
	// Tailer follows the events of one session. The Pulse subscriber in
	// features/stream/pulse implements it on Redis streams.
	Tailer interface {
		// Subscribe returns the session events in order. The cancel function
		// stops the subscription and closes both channels.
		Subscribe(ctx context.Context, sessionID string) (<-chan stream.Event, <-chan error, context.CancelFunc, error)
	}

	// PollTailer follows sessions by polling the manager. It is used when no
	// stream transport is configured.
	PollTailer struct {
		mgr      *session.Manager
		interval time.Duration
	}
)

// DefaultPollInterval is the PollTailer polling period.
const DefaultPollInterval = 250 * time.Millisecond

// NewPollTailer returns a tailer polling mgr every interval.
func NewPollTailer(mgr *session.Manager, interval time.Duration) *PollTailer {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PollTailer{mgr: mgr, interval: interval}
}

// Subscribe emits every recorded event of the session, then new ones as
// they are recorded, plus one status event per observed status change. The
// channels close when the session is deleted or ctx is done.
func (p *PollTailer) Subscribe(ctx context.Context, sessionID string) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	if _, ok := p.mgr.Get(sessionID); !ok {
		return nil, nil, nil, session.ErrNotFound
	}
	ctx, cancel := context.WithCancel(ctx)
	events := make(chan stream.Event, 64)
	errs := make(chan error)
	go p.poll(ctx, sessionID, events, errs)
	return events, errs, cancel, nil
}

func (p *PollTailer) poll(ctx context.Context, id string, out chan<- stream.Event, errs chan error) {
	defer close(out)
	defer close(errs)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var (
		sent   int
		status session.Status
	)
	for {
		snap, ok := p.mgr.Get(id)
		if !ok {
			return
		}
		for _, rec := range snap.Events[min(sent, len(snap.Events)):] {
			if !emit(ctx, out, stream.NewRecorded(id, rec)) {
				return
			}
		}
		sent = len(snap.Events)
		if snap.Status != status {
			status = snap.Status
			payload := stream.StatusPayload{Status: string(status), Error: snap.Error}
			if snap.Result != nil {
				payload.Result = snap.Result
			}
			if !emit(ctx, out, stream.NewStatusChanged(id, time.Now(), payload)) {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func emit(ctx context.Context, out chan<- stream.Event, ev stream.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/sessiond/runtime/agent/engine"
	"goa.design/sessiond/runtime/agent/engine/inmem"
	"goa.design/sessiond/runtime/agent/session"
)

// kindEvent maps a generated kind to an engine event: 0 continues, 1
// completes, 2 fails.
func kindEvent(kind int) engine.Event {
	switch kind {
	case 1:
		return result("e")
	case 2:
		return errorResult("failed")
	default:
		return assistant("step", "e")
	}
}

// TestDriverProperties verifies that the recorded events are exactly the
// prefix of the engine stream up to and including the first terminal event,
// and that the final status matches that event.
func TestDriverProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("events are the prefix up to the first terminal event", prop.ForAll(
		func(kinds []int) bool {
			evs := make([]engine.Event, len(kinds))
			for i, k := range kinds {
				evs[i] = kindEvent(k)
			}
			want := len(kinds)
			wantStatus := session.StatusRunning
			for i, k := range kinds {
				if k != 0 {
					want = i + 1
					wantStatus = session.StatusCompleted
					if k == 2 {
						wantStatus = session.StatusError
					}
					break
				}
			}

			m := session.New(inmem.New(inmem.Events(evs...)))
			created, err := m.Create(context.Background(), "p", engine.Options{})
			if err != nil {
				return false
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s, err := m.Wait(ctx, created.ID)
			if err != nil {
				return false
			}
			if len(s.Events) != want || s.Status != wantStatus {
				return false
			}
			if (s.Result != nil) != (s.Status == session.StatusCompleted) {
				return false
			}
			return (s.Error != "") == (s.Status == session.StatusError)
		},
		gen.SliceOf(gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}

package session

import (
	"time"

	"github.com/google/uuid"

	"goa.design/sessiond/runtime/agent/stream"
	"goa.design/sessiond/runtime/agent/telemetry"
)

// Option configures a Manager.
type Option func(*Manager)

// DefaultDisconnectTimeout bounds the engine Disconnect call made when a run
// ends.
const DefaultDisconnectTimeout = 10 * time.Second

// WithLogger sets the logger. Defaults to a noop logger.
func WithLogger(l telemetry.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics recorder. Defaults to a noop recorder.
func WithMetrics(mt telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithTracer sets the tracer. Defaults to a noop tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// WithSink publishes session updates to s.
func WithSink(s stream.Sink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides the session id generator.
func WithIDGenerator(gen func() (string, error)) Option {
	return func(m *Manager) { m.newID = gen }
}

// WithDisconnectTimeout bounds engine disconnects.
func WithDisconnectTimeout(d time.Duration) Option {
	return func(m *Manager) { m.disconnectTimeout = d }
}

func newUUID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

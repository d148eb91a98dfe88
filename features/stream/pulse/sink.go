// Package pulse publishes session updates to goa.design/pulse streams and
// reads them back. Each session gets its own stream named session/<id>; the
// stream is destroyed when the session is deleted or cleaned up.
package pulse

import (
	"context"
	"errors"

	"goa.design/sessiond/features/stream/pulse/clients/pulse"
	"goa.design/sessiond/runtime/agent/stream"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client publishes the events. Required.
		Client pulse.Client
		// StreamID derives the stream name from a session id. Defaults to
		// StreamID.
		StreamID func(sessionID string) string
	}

	// Sink publishes session stream events into Pulse. It is safe for
	// concurrent use.
	Sink struct {
		client   pulse.Client
		streamID func(string) string
	}
)

// StreamID returns the default stream name of a session.
func StreamID(sessionID string) string {
	return "session/" + sessionID
}

// NewSink returns a Pulse-backed stream.Sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	id := opts.StreamID
	if id == nil {
		id = StreamID
	}
	return &Sink{client: opts.Client, streamID: id}, nil
}

// Send appends the event envelope to the session stream.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	if event.SessionID() == "" {
		return errors.New("stream event missing session id")
	}
	payload, err := stream.Marshal(event)
	if err != nil {
		return err
	}
	h, err := s.client.Stream(s.streamID(event.SessionID()))
	if err != nil {
		return err
	}
	_, err = h.Add(ctx, string(event.Type()), payload)
	return err
}

// Purge destroys the session stream.
func (s *Sink) Purge(ctx context.Context, sessionID string) error {
	h, err := s.client.Stream(s.streamID(sessionID))
	if err != nil {
		return err
	}
	return h.Destroy(ctx)
}

// Close closes the Pulse client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

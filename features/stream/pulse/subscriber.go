package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/sessiond/features/stream/pulse/clients/pulse"
	"goa.design/sessiond/runtime/agent/stream"
)

type (
	// SubscriberOptions configures a Subscriber.
	SubscriberOptions struct {
		// Client reads the streams. Required.
		Client clientspulse.Client
		// StreamID derives the stream name from a session id. Defaults to
		// StreamID.
		StreamID func(sessionID string) string
		// Buffer is the capacity of the event channel. Defaults to 64.
		Buffer int
	}

	// Subscriber reads session streams back from Pulse. Every subscription
	// uses its own consumer group starting at the oldest entry so each
	// reader sees the full history of the session.
	Subscriber struct {
		client   clientspulse.Client
		streamID func(string) string
		buffer   int
	}

	decodedEvent struct {
		t  stream.EventType
		id string
		ts time.Time
		p  json.RawMessage
	}
)

func (e decodedEvent) Type() stream.EventType { return e.t }
func (e decodedEvent) SessionID() string      { return e.id }
func (e decodedEvent) Timestamp() time.Time   { return e.ts }
func (e decodedEvent) Payload() any           { return e.p }

// NewSubscriber returns a Subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	id := opts.StreamID
	if id == nil {
		id = StreamID
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, streamID: id, buffer: buffer}, nil
}

// Subscribe reads the events of a session. The returned cancel function
// stops consumption and closes both channels.
//
//	events, errs, cancel, err := sub.Subscribe(ctx, sessionID)
//	defer cancel()
//	for ev := range events {
//	    // forward ev
//	}
func (s *Subscriber) Subscribe(ctx context.Context, sessionID string) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(s.streamID(sessionID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, "tail_"+uuid.NewString(), streamopts.WithSinkStartAtOldest())
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan stream.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go consume(runCtx, sink, events, errs)
	return events, errs, func() {
		cancel()
		sink.Close(context.WithoutCancel(ctx))
	}, nil
}

func consume(ctx context.Context, sink clientspulse.Sink, out chan<- stream.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := Decode(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
		}
	}
}

// Decode parses a stream envelope.
func Decode(payload []byte) (stream.Event, error) {
	var env stream.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, errors.New("envelope missing type")
	}
	return decodedEvent{t: env.Type, id: env.SessionID, ts: env.Timestamp, p: env.Payload}, nil
}

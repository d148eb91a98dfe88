package pulse

import (
	"context"
	"errors"
	"sync"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/sessiond/features/stream/pulse/clients/pulse"
)

type (
	fakeClient struct {
		mu      sync.Mutex
		streams map[string]*fakeStream
		err     error
		closed  bool
	}

	fakeStream struct {
		mu        sync.Mutex
		entries   []fakeEntry
		destroyed bool
		sink      *fakeSink
		addErr    error
	}

	fakeEntry struct {
		event   string
		payload []byte
	}

	fakeSink struct {
		ch    chan *streaming.Event
		acked int
		mu    sync.Mutex
		start string
	}
)

func newFakeClient() *fakeClient {
	return &fakeClient{streams: map[string]*fakeStream{}}
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) stream(name string) *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[name]
}

func (c *fakeClient) Ping(context.Context) error { return c.err }

func (c *fakeClient) Close(context.Context) error {
	c.closed = true
	return nil
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return "", s.addErr
	}
	s.entries = append(s.entries, fakeEntry{event: event, payload: payload})
	return "1-0", nil
}

func (s *fakeStream) NewSink(_ context.Context, _ string, opts ...streamopts.Sink) (clientspulse.Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, errors.New("stream destroyed")
	}
	sink := &fakeSink{ch: make(chan *streaming.Event, len(s.entries)+1), start: streamopts.ParseSinkOptions(opts...).LastEventID}
	for _, e := range s.entries {
		sink.ch <- &streaming.Event{EventName: e.event, Payload: e.payload}
	}
	s.sink = sink
	return sink, nil
}

func (s *fakeStream) Destroy(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
	s.entries = nil
	return nil
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(context.Context, *streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked++
	return nil
}

func (s *fakeSink) Close(context.Context) {}

package pulse

import (
	"context"
	"errors"
	"sync"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/clerkhq/clerk/features/stream/pulse/clients/pulse"
)

type (
	fakeClient struct {
		mu      sync.Mutex
		streams map[string]*fakeStream
		closed  bool
	}

	fakeStream struct {
		mu        sync.Mutex
		names     []string
		entries   [][]byte
		destroyed bool
		sink      *fakeSink
	}

	fakeSink struct {
		ch     chan *streaming.Event
		acked  []string
		ackErr error
		closed bool
		mu     sync.Mutex
	}
)

func newFakeClient() *fakeClient { return &fakeClient{streams: make(map[string]*fakeStream)} }

func (c *fakeClient) Stream(name string) (clientspulse.Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(context.Context) error {
	c.closed = true
	return nil
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, event)
	s.entries = append(s.entries, payload)
	return "1-0", nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (clientspulse.Sink, error) {
	if s.sink == nil {
		return nil, errors.New("no sink")
	}
	return s.sink, nil
}

func (s *fakeStream) Destroy(context.Context) error {
	s.destroyed = true
	return nil
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(_ context.Context, ev *streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ackErr != nil {
		return s.ackErr
	}
	s.acked = append(s.acked, ev.ID)
	return nil
}

func (s *fakeSink) Close(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

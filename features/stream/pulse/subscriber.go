package pulse

import (
	"context"
	"errors"
	"fmt"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/clerkhq/clerk/features/stream/pulse/clients/pulse"
	"github.com/clerkhq/clerk/runtime/kit/stream"
)

// DefaultSinkName is the consumer group used by subscribers.
const DefaultSinkName = "clerk_subscriber"

type (
	// SubscriberOptions configures a Subscriber.
	SubscriberOptions struct {
		// Client reads entries. Required.
		Client clientspulse.Client
		// Prefix must match the publishing Sink. Defaults to DefaultPrefix.
		Prefix string
		// SinkName names the consumer group. Defaults to DefaultSinkName.
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber follows the Pulse stream of a run.
	Subscriber struct {
		client clientspulse.Client
		prefix string
		name   string
		buffer int
	}
)

// NewSubscriber returns a Subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Subscriber{client: opts.Client, prefix: opts.Prefix, name: opts.SinkName, buffer: opts.Buffer}
	if s.prefix == "" {
		s.prefix = DefaultPrefix
	}
	if s.name == "" {
		s.name = DefaultSinkName
	}
	if s.buffer <= 0 {
		s.buffer = stream.DefaultBuffer
	}
	return s, nil
}

// Subscribe reads the events of runID from the start of its stream. The
// events channel closes after the done event, when the stream ends or when
// cancel is called; errs receives at most one decode or ack error. Seq is
// renumbered from 1 in stream order.
func (s *Subscriber) Subscribe(ctx context.Context, runID string) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(StreamName(s.prefix, runID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, streamopts.WithSinkStartAtOldest())
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan stream.Event, s.buffer)
	errs := make(chan error, 1)
	cctx, cancel := context.WithCancel(ctx)
	go s.consume(cctx, sink, events, errs)
	return events, errs, func() {
		cancel()
		sink.Close(context.Background())
	}, nil
}

func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- stream.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	var seq int64
	ch := sink.Subscribe()
	for {
		var entry *streaming.Event
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			entry = e
		}
		ev, err := stream.Decode(entry.Payload)
		if err != nil {
			errs <- fmt.Errorf("pulse entry %s: %w", entry.ID, err)
			return
		}
		seq++
		ev.Seq = seq
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
		if err := sink.Ack(ctx, entry); err != nil {
			errs <- fmt.Errorf("pulse ack: %w", err)
			return
		}
		if ev.Terminal() {
			return
		}
	}
}

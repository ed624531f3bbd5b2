// Package pulse wraps goa.design/pulse streams behind the small interface the
// run event sink and subscriber need, so both can be tested without Redis.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis backs the streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the entries kept per run stream. Zero uses the
		// Pulse default.
		StreamMaxLen int
		// OperationTimeout bounds each Add. Zero means no timeout.
		OperationTimeout time.Duration
	}

	// Client opens named streams.
	Client interface {
		Stream(name string) (Stream, error)
		Close(ctx context.Context) error
	}

	// Stream publishes entries and opens consumer groups.
	Stream interface {
		// Add appends an entry and returns its Redis id (e.g. "1700000000000-0").
		Add(ctx context.Context, event string, payload []byte) (string, error)
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		// Destroy deletes the stream and its entries.
		Destroy(ctx context.Context) error
	}

	// Sink is a consumer group reading a stream.
	Sink interface {
		Subscribe() <-chan *streaming.Event
		Ack(ctx context.Context, ev *streaming.Event) error
		Close(ctx context.Context)
	}

	client struct {
		rdb     *redis.Client
		maxLen  int
		timeout time.Duration
	}

	handle struct {
		stream  *streaming.Stream
		timeout time.Duration
	}

	sinkAdapter struct {
		*streaming.Sink
	}
)

// New returns a Client over opts.Redis.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{rdb: opts.Redis, maxLen: opts.StreamMaxLen, timeout: opts.OperationTimeout}, nil
}

func (c *client) Stream(name string) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var opts []streamopts.Stream
	if c.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(c.maxLen))
	}
	s, err := streaming.NewStream(name, c.rdb, opts...)
	if err != nil {
		return nil, fmt.Errorf("open pulse stream %q: %w", name, err)
	}
	return &handle{stream: s, timeout: c.timeout}, nil
}

// Close is a no-op: the caller owns the Redis connection.
func (c *client) Close(context.Context) error { return nil }

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	s, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, fmt.Errorf("pulse sink %q: %w", name, err)
	}
	return sinkAdapter{Sink: s}, nil
}

func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

func (s sinkAdapter) Close(ctx context.Context) { s.Sink.Close(ctx) }

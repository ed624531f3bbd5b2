// Package pulse publishes run progress events to goa.design/pulse streams so
// that clients in other processes can follow a run. Each run gets its own
// stream; entries carry the JSON encoding of stream.Event.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	clientspulse "github.com/clerkhq/clerk/features/stream/pulse/clients/pulse"
	"github.com/clerkhq/clerk/runtime/kit/stream"
)

// DefaultPrefix prefixes run stream names.
const DefaultPrefix = "clerk/run/"

type (
	// Options configures the Sink.
	Options struct {
		// Client publishes entries. Required.
		Client clientspulse.Client
		// Prefix overrides DefaultPrefix.
		Prefix string
	}

	// Sink implements stream.Sink on Pulse. It is safe for concurrent use.
	Sink struct {
		client clientspulse.Client
		prefix string
	}
)

// NewSink returns a Pulse backed stream.Sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Sink{client: opts.Client, prefix: prefix}, nil
}

// StreamName returns the Pulse stream carrying the events of runID.
func (s *Sink) StreamName(runID string) string { return StreamName(s.prefix, runID) }

// StreamName joins prefix and runID.
func StreamName(prefix, runID string) string { return prefix + runID }

// Send appends ev to the stream of its run.
func (s *Sink) Send(ctx context.Context, ev stream.Event) error {
	if ev.RunID == "" {
		return errors.New("stream event missing run id")
	}
	h, err := s.client.Stream(s.StreamName(ev.RunID))
	if err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	_, err = h.Add(ctx, string(ev.Type), body)
	return err
}

// Purge deletes the stream of runID. Callers purge once every consumer has
// seen the done event.
func (s *Sink) Purge(ctx context.Context, runID string) error {
	h, err := s.client.Stream(s.StreamName(runID))
	if err != nil {
		return err
	}
	return h.Destroy(ctx)
}

// Close closes the client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

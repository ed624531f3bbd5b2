// Package mongo keeps a durable log of run progress events in MongoDB.
//
// The Sink appends every event the engine emits so a run can be replayed after
// the process that executed it is gone. History pages through the log of one
// run in emission order.
package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/clerkhq/clerk/features/stream/mongo/clients/mongo"
	"github.com/clerkhq/clerk/runtime/kit/stream"
)

// DefaultPageSize is the page size History uses.
const DefaultPageSize = 200

// Sink implements stream.Sink by delegating to the Mongo client.
type Sink struct {
	client clientsmongo.Client
}

var _ stream.Sink = (*Sink)(nil)

// NewSink builds a Mongo-backed event log using the provided client.
func NewSink(client clientsmongo.Client) (*Sink, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Sink{client: client}, nil
}

// NewSinkFromMongo builds the client from driver options and wraps it.
func NewSinkFromMongo(opts clientsmongo.Options) (*Sink, error) {
	c, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewSink(c)
}

// Client returns the underlying client, used for health checks.
func (s *Sink) Client() clientsmongo.Client { return s.client }

// Send implements stream.Sink.
func (s *Sink) Send(ctx context.Context, ev stream.Event) error {
	_, err := s.client.Append(ctx, ev)
	return err
}

// List returns one page of the events of runID.
func (s *Sink) List(ctx context.Context, runID, cursor string, limit int) (clientsmongo.Page, error) {
	return s.client.List(ctx, runID, cursor, limit)
}

// History returns every logged event of runID. Resumed runs contribute one
// start..done sequence per attempt.
func (s *Sink) History(ctx context.Context, runID string) ([]stream.Event, error) {
	var (
		events []stream.Event
		cursor string
	)
	for {
		page, err := s.client.List(ctx, runID, cursor, DefaultPageSize)
		if err != nil {
			return nil, err
		}
		events = append(events, page.Events...)
		if page.NextCursor == "" {
			return events, nil
		}
		cursor = page.NextCursor
	}
}

// Close is a no-op: the Mongo connection is owned by the caller.
func (s *Sink) Close(context.Context) error { return nil }

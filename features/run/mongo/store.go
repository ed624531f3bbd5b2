package mongo

import (
	"context"
	"errors"

	mongoc "github.com/clerkhq/clerk/features/run/mongo/clients/mongo"
	"github.com/clerkhq/clerk/runtime/kit/run"
)

type (
	// Store implements run.Store by delegating to the Mongo client.
	Store struct {
		client mongoc.Client
	}

	// Options configures NewStore.
	Options struct {
		Client mongoc.Client
	}
)

var _ run.Store = (*Store)(nil)

// NewStore builds a Store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: opts.Client}, nil
}

// NewStoreFromMongo builds the client from driver options and wraps it.
func NewStoreFromMongo(opts mongoc.Options) (*Store, error) {
	c, err := mongoc.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: c})
}

// Client returns the underlying client, e.g. to register it as a health
// check dependency.
func (s *Store) Client() mongoc.Client { return s.client }

// Create inserts a new run record.
func (s *Store) Create(ctx context.Context, r *run.Record) error {
	return wrap("create", idOf(r), s.client.Create(ctx, r))
}

// Load returns the run record.
func (s *Store) Load(ctx context.Context, runID string) (*run.Record, error) {
	r, err := s.client.Load(ctx, runID)
	if err != nil {
		return nil, wrap("load", runID, err)
	}
	return r, nil
}

// AppendStep records the next step.
func (s *Store) AppendStep(ctx context.Context, runID string, step run.StepExecution) error {
	return wrap("append step", runID, s.client.AppendStep(ctx, runID, step))
}

// SetScore records a step evaluation.
func (s *Store) SetScore(ctx context.Context, runID string, step, score int) error {
	return wrap("set score", runID, s.client.SetScore(ctx, runID, step, score))
}

// UpdateStatus transitions the run.
func (s *Store) UpdateStatus(ctx context.Context, runID string, status run.Status, errMsg string) error {
	return wrap("update status", runID, s.client.UpdateStatus(ctx, runID, status, errMsg))
}

// wrap passes lifecycle errors through and marks driver failures as
// persistence errors.
func wrap(op, runID string, err error) error {
	if err == nil || run.IsLifecycle(err) {
		return err
	}
	return run.Persistence(op, runID, err)
}

func idOf(r *run.Record) string {
	if r == nil {
		return ""
	}
	return r.ID
}

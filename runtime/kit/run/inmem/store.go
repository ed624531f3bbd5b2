// Package inmem provides an in-memory run.Store for tests and single-process
// use. Records do not survive a restart; use features/run/mongo or
// features/run/postgres when runs must be resumable by another process.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clerkhq/clerk/runtime/kit/run"
)

// Store implements run.Store in memory. Records are copied on every read and
// write so callers never share state with the store.
type Store struct {
	mu      sync.RWMutex
	records map[string]*run.Record
	now     func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{records: make(map[string]*run.Record), now: time.Now}
}

// Create inserts r.
func (s *Store) Create(_ context.Context, r *run.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.ID]; ok {
		return fmt.Errorf("%w: %s", run.ErrExists, r.ID)
	}
	cp := r.Clone()
	if cp.StartedAt.IsZero() {
		cp.StartedAt = s.now()
	}
	cp.UpdatedAt = s.now()
	s.records[r.ID] = cp
	return nil
}

// Load returns a copy of the record.
func (s *Store) Load(_ context.Context, runID string) (*run.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", run.ErrNotFound, runID)
	}
	return r.Clone(), nil
}

// AppendStep records the next step.
func (s *Store) AppendStep(_ context.Context, runID string, step run.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[runID]
	if !ok {
		return fmt.Errorf("%w: %s", run.ErrNotFound, runID)
	}
	if err := run.CheckAppend(r, step); err != nil {
		return err
	}
	r.Steps = append(r.Steps, step.Clone())
	r.UpdatedAt = s.now()
	return nil
}

// SetScore records an evaluation score.
func (s *Store) SetScore(_ context.Context, runID string, step, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[runID]
	if !ok {
		return fmt.Errorf("%w: %s", run.ErrNotFound, runID)
	}
	if err := run.CheckScore(r, step, score); err != nil {
		return err
	}
	for i := range r.Steps {
		if r.Steps[i].Number == step {
			v := score
			r.Steps[i].Score = &v
		}
	}
	r.UpdatedAt = s.now()
	return nil
}

// UpdateStatus transitions the run.
func (s *Store) UpdateStatus(_ context.Context, runID string, status run.Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[runID]
	if !ok {
		return fmt.Errorf("%w: %s", run.ErrNotFound, runID)
	}
	if err := run.CheckTransition(r, status); err != nil {
		return err
	}
	now := s.now()
	r.Status = status
	r.UpdatedAt = now
	if status == run.StatusFailed {
		r.Error = errMsg
	}
	if status.Terminal() {
		r.CompletedAt = &now
	}
	return nil
}

// Reset clears all records.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*run.Record)
}

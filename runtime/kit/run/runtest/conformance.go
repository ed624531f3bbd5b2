// Package runtest holds a behavioral test suite shared by every run.Store
// implementation.
package runtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clerkhq/clerk/runtime/kit"
	"github.com/clerkhq/clerk/runtime/kit/run"
)

// Conformance runs the shared suite against stores built by newStore. Each
// subtest gets a fresh store.
func Conformance(t *testing.T, newStore func(t *testing.T) run.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("create and load", func(t *testing.T) {
		s := newStore(t)
		r := NewRecord(run.StorageTransparent)
		require.NoError(t, s.Create(ctx, r))

		got, err := s.Load(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, r.ID, got.ID)
		assert.Equal(t, r.Version, got.Version)
		assert.Equal(t, run.StatusRunning, got.Status)
		assert.Equal(t, "gpt-5-mini", got.Model)
		assert.True(t, got.Evaluate)
		assert.Equal(t, map[string]string{"resource_2": "dynamic"}, got.DynamicInputs)
		assert.Empty(t, got.Steps)
		assert.False(t, got.StartedAt.IsZero())

		assert.ErrorIs(t, s.Create(ctx, r), run.ErrExists)
		_, err = s.Load(ctx, uuid.NewString())
		assert.ErrorIs(t, err, run.ErrNotFound)
	})

	t.Run("append steps contiguously", func(t *testing.T) {
		s := newStore(t)
		r := NewRecord(run.StorageTransparent)
		require.NoError(t, s.Create(ctx, r))

		first := Step(run.StorageTransparent, 1, "Describe Paris", "France")
		require.NoError(t, s.AppendStep(ctx, r.ID, first))
		assert.ErrorIs(t, s.AppendStep(ctx, r.ID, first), run.ErrStepExists)
		assert.ErrorIs(t, s.AppendStep(ctx, r.ID, Step(run.StorageTransparent, 3, "x", "y")), run.ErrStepOutOfOrder)
		require.NoError(t, s.AppendStep(ctx, r.ID, Step(run.StorageTransparent, 2, "Expand France", "Europe")))

		got, err := s.Load(ctx, r.ID)
		require.NoError(t, err)
		require.Len(t, got.Steps, 2)
		assert.Equal(t, 1, got.Steps[0].Number)
		assert.Equal(t, 2, got.Steps[1].Number)
		require.NotNil(t, got.Steps[0].Output)
		assert.Equal(t, "France", *got.Steps[0].Output)
		assert.Equal(t, "workflow_2", got.Steps[1].OutputID)
		assert.Equal(t, 42, got.Steps[0].Tokens)
		assert.Equal(t, 1500*time.Millisecond, got.Steps[0].Latency)
		assert.Equal(t, map[string]string{"workflow_1": "France", "workflow_2": "Europe"}, got.Outputs())
	})

	t.Run("concurrent appends record a step once", func(t *testing.T) {
		s := newStore(t)
		r := NewRecord(run.StorageTransparent)
		require.NoError(t, s.Create(ctx, r))
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			oks  int
			step = Step(run.StorageTransparent, 1, "a", "b")
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if s.AppendStep(ctx, r.ID, step) == nil {
					mu.Lock()
					oks++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, oks)
		got, err := s.Load(ctx, r.ID)
		require.NoError(t, err)
		assert.Len(t, got.Steps, 1)
	})

	t.Run("anonymous steps carry no text", func(t *testing.T) {
		s := newStore(t)
		r := NewRecord(run.StorageAnonymous)
		require.NoError(t, s.Create(ctx, r))
		require.NoError(t, s.AppendStep(ctx, r.ID, Step(run.StorageAnonymous, 1, "secret prompt", "secret output")))

		got, err := s.Load(ctx, r.ID)
		require.NoError(t, err)
		require.Len(t, got.Steps, 1)
		assert.Nil(t, got.Steps[0].Input)
		assert.Nil(t, got.Steps[0].Output)
		assert.Equal(t, 13, got.Steps[0].InputChars)
		assert.Equal(t, 13, got.Steps[0].OutputChars)
		assert.Equal(t, run.StorageAnonymous, got.StorageMode)
	})

	t.Run("scores", func(t *testing.T) {
		s := newStore(t)
		r := NewRecord(run.StorageTransparent)
		require.NoError(t, s.Create(ctx, r))
		require.NoError(t, s.AppendStep(ctx, r.ID, Step(run.StorageTransparent, 1, "a", "b")))

		assert.True(t, kit.IsValidationError(s.SetScore(ctx, r.ID, 1, 101)))
		assert.ErrorIs(t, s.SetScore(ctx, r.ID, 2, 50), run.ErrStepNotFound)
		require.NoError(t, s.SetScore(ctx, r.ID, 1, 85))
		assert.ErrorIs(t, s.SetScore(ctx, r.ID, 1, 90), run.ErrScoreSet)

		got, err := s.Load(ctx, r.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Steps[0].Score)
		assert.Equal(t, 85, *got.Steps[0].Score)
	})

	t.Run("status lifecycle", func(t *testing.T) {
		s := newStore(t)
		r := NewRecord(run.StorageTransparent)
		require.NoError(t, s.Create(ctx, r))

		require.NoError(t, s.UpdateStatus(ctx, r.ID, run.StatusPaused, ""))
		assert.ErrorIs(t, s.UpdateStatus(ctx, r.ID, run.StatusCompleted, ""), run.ErrInvalidTransition)
		require.NoError(t, s.UpdateStatus(ctx, r.ID, run.StatusRunning, ""))
		require.NoError(t, s.UpdateStatus(ctx, r.ID, run.StatusFailed, "provider exploded"))

		got, err := s.Load(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, run.StatusFailed, got.Status)
		assert.Equal(t, "provider exploded", got.Error)
		assert.NotNil(t, got.CompletedAt)

		assert.ErrorIs(t, s.UpdateStatus(ctx, r.ID, run.StatusRunning, ""), run.ErrTerminal)
		assert.ErrorIs(t, s.AppendStep(ctx, r.ID, Step(run.StorageTransparent, 1, "a", "b")), run.ErrTerminal)
		assert.ErrorIs(t, s.UpdateStatus(ctx, uuid.NewString(), run.StatusPaused, ""), run.ErrNotFound)
	})
}

// NewRecord returns a running record with a fresh id.
func NewRecord(mode run.StorageMode) *run.Record {
	return &run.Record{
		ID:            uuid.NewString(),
		Version:       kit.VersionRef{KitID: "kit-1", VersionID: uuid.NewString(), Slug: "capital", VersionNumber: 3},
		UserID:        "user-1",
		Label:         "conformance",
		StorageMode:   mode,
		Status:        run.StatusRunning,
		Evaluate:      true,
		Model:         "gpt-5-mini",
		DynamicInputs: map[string]string{"resource_2": "dynamic"},
		StartedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
}

// Step builds a step execution with fixed usage figures.
func Step(mode run.StorageMode, n int, input, output string) run.StepExecution {
	s := run.NewStepExecution(mode, n, input, output)
	s.Model = "gpt-5-mini"
	s.Tokens = 42
	s.Latency = 1500 * time.Millisecond
	s.ExecutedAt = time.Now().UTC().Truncate(time.Millisecond)
	return s
}

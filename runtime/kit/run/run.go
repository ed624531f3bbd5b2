// Package run defines the durable record of a kit execution.
//
// # Lifecycle
//
// A run is created in StatusRunning, appends one StepExecution per completed
// step, and ends in StatusCompleted or StatusFailed. A cooperative pause moves
// it to StatusPaused; a resume, possibly in another process, moves it back to
// StatusRunning and continues from the first step number not yet recorded.
//
//	running ──► completed
//	   │  ▲
//	   │  └── resume
//	   ▼  │
//	  paused ──► failed
//
// # Storage modes
//
// In StorageTransparent runs, step inputs and outputs are stored verbatim. In
// StorageAnonymous runs only their character counts are kept; the raw text is
// dropped when the StepExecution is built and can never be recovered.
package run

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/clerkhq/clerk/runtime/kit"
)

type (
	// Status is the lifecycle state of a run.
	Status string

	// StorageMode controls how step text is persisted.
	StorageMode string

	// Record is the persisted state of one execution of a kit version.
	Record struct {
		// ID is the run identifier (UUID).
		ID string
		// Version references the kit version the run executes.
		Version kit.VersionRef
		// UserID identifies the initiating user. Optional.
		UserID string
		// Label is a caller supplied description. Optional.
		Label string
		// StorageMode selects transparent or anonymous step persistence.
		StorageMode StorageMode
		// Status is the lifecycle state.
		Status Status
		// Evaluate enables the evaluation gate after every step.
		Evaluate bool
		// Model is the provider model identifier used for every step.
		Model string
		// DynamicInputs holds the materialized values of dynamic resources
		// keyed by resource id. Resume uses them to rebuild prompts.
		DynamicInputs map[string]string
		// Steps are the completed step executions, contiguous from 1.
		Steps []StepExecution
		// Error is the failure message of a failed run.
		Error string
		// StartedAt records when the run was created.
		StartedAt time.Time
		// CompletedAt records when the run reached a terminal status.
		CompletedAt *time.Time
		// UpdatedAt records the last persisted change.
		UpdatedAt time.Time
	}

	// StepExecution is the result of one executed step.
	StepExecution struct {
		// Number is the step number.
		Number int
		// OutputID is the placeholder id of the output, e.g. "workflow_2".
		OutputID string
		// Input is the resolved prompt. Nil in anonymous mode.
		Input *string
		// Output is the model output. Nil in anonymous mode.
		Output *string
		// InputChars is the prompt length in characters.
		InputChars int
		// OutputChars is the output length in characters.
		OutputChars int
		// Score is the human evaluation (0..100), nil until submitted.
		Score *int
		// Model that produced the output.
		Model string
		// Tokens is the total token count reported by the provider.
		Tokens int
		// Latency of the model call including tool rounds.
		Latency time.Duration
		// ExecutedAt records when the step finished.
		ExecutedAt time.Time
	}

	// Store persists run records. Implementations must make AppendStep
	// atomic: after a crash either the step is fully recorded or it is not
	// recorded at all.
	Store interface {
		// Create inserts a new record. It fails with ErrExists when the id is
		// taken.
		Create(ctx context.Context, r *Record) error
		// Load returns the record with its steps ordered by number, or
		// ErrNotFound.
		Load(ctx context.Context, runID string) (*Record, error)
		// AppendStep records the next step. It fails with ErrStepExists when
		// the step number is already recorded, ErrStepOutOfOrder when it
		// is not the next contiguous number and ErrTerminal once the run is
		// completed or failed.
		AppendStep(ctx context.Context, runID string, step StepExecution) error
		// SetScore records the evaluation score of a recorded step. It fails
		// with ErrScoreSet when the step already has a score.
		SetScore(ctx context.Context, runID string, step, score int) error
		// UpdateStatus transitions the run. errMsg is stored for failed runs.
		// It fails with ErrInvalidTransition for transitions the lifecycle
		// does not allow.
		UpdateStatus(ctx context.Context, runID string, status Status, errMsg string) error
	}
)

const (
	// StatusRunning indicates the run loop is active or was active when the
	// process stopped.
	StatusRunning Status = "running"
	// StatusPaused indicates the run stopped at a step boundary on request.
	StatusPaused Status = "paused"
	// StatusCompleted indicates every step finished.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the run stopped on an unrecoverable error.
	StatusFailed Status = "failed"
)

const (
	// StorageTransparent stores full step text.
	StorageTransparent StorageMode = "transparent"
	// StorageAnonymous stores only character counts.
	StorageAnonymous StorageMode = "anonymous"
)

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusPaused, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether m is a known storage mode.
func (m StorageMode) Valid() bool {
	return m == StorageTransparent || m == StorageAnonymous
}

// ParseStorageMode parses a storage mode; the empty string selects
// StorageTransparent.
func ParseStorageMode(s string) (StorageMode, error) {
	if s == "" {
		return StorageTransparent, nil
	}
	m := StorageMode(s)
	if !m.Valid() {
		return "", kit.NewValidationError("storage_mode", "unknown storage mode %q", s)
	}
	return m, nil
}

// CanTransition reports whether the lifecycle allows moving from one status
// to another.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusRunning:
		return to == StatusPaused || to == StatusCompleted || to == StatusFailed
	case StatusPaused:
		return to == StatusRunning || to == StatusFailed
	}
	return false
}

// NewStepExecution builds the persisted form of a step according to mode.
// In anonymous mode input and output are reduced to character counts.
func NewStepExecution(mode StorageMode, number int, input, output string) StepExecution {
	s := StepExecution{
		Number:      number,
		OutputID:    kit.OutputID(number),
		InputChars:  utf8.RuneCountInString(input),
		OutputChars: utf8.RuneCountInString(output),
	}
	if mode != StorageAnonymous {
		s.Input = &input
		s.Output = &output
	}
	return s
}

// Anonymous reports whether the step carries no raw text.
func (s StepExecution) Anonymous() bool {
	return s.Input == nil && s.Output == nil
}

// LastStep returns the highest recorded step number, 0 when none.
func (r *Record) LastStep() int {
	if len(r.Steps) == 0 {
		return 0
	}
	return r.Steps[len(r.Steps)-1].Number
}

// Outputs returns the recorded transparent outputs keyed by output id.
// Anonymous steps contribute nothing.
func (r *Record) Outputs() map[string]string {
	out := make(map[string]string, len(r.Steps))
	for _, s := range r.Steps {
		if s.Output != nil {
			out[s.OutputID] = *s.Output
		}
	}
	return out
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.DynamicInputs != nil {
		cp.DynamicInputs = make(map[string]string, len(r.DynamicInputs))
		for k, v := range r.DynamicInputs {
			cp.DynamicInputs[k] = v
		}
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Steps = make([]StepExecution, len(r.Steps))
	for i, s := range r.Steps {
		cp.Steps[i] = s.Clone()
	}
	return &cp
}

// Clone returns a deep copy of s.
func (s StepExecution) Clone() StepExecution {
	cp := s
	if s.Input != nil {
		v := *s.Input
		cp.Input = &v
	}
	if s.Output != nil {
		v := *s.Output
		cp.Output = &v
	}
	if s.Score != nil {
		v := *s.Score
		cp.Score = &v
	}
	return cp
}

// CheckAppend validates that step can be appended to r. Stores call it while
// holding whatever lock or transaction guards the record.
func CheckAppend(r *Record, step StepExecution) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: run %s is %s", ErrTerminal, r.ID, r.Status)
	}
	for _, s := range r.Steps {
		if s.Number == step.Number {
			return fmt.Errorf("%w: run %s step %d", ErrStepExists, r.ID, step.Number)
		}
	}
	if want := r.LastStep() + 1; step.Number != want {
		return fmt.Errorf("%w: run %s got step %d, want %d", ErrStepOutOfOrder, r.ID, step.Number, want)
	}
	return nil
}

// CheckScore validates a score submission against r.
func CheckScore(r *Record, step, score int) error {
	if err := ValidateScore(score); err != nil {
		return err
	}
	if r.Status.Terminal() {
		return fmt.Errorf("%w: run %s is %s", ErrTerminal, r.ID, r.Status)
	}
	for _, s := range r.Steps {
		if s.Number != step {
			continue
		}
		if s.Score != nil {
			return fmt.Errorf("%w: run %s step %d", ErrScoreSet, r.ID, step)
		}
		return nil
	}
	return fmt.Errorf("%w: run %s step %d", ErrStepNotFound, r.ID, step)
}

// CheckTransition validates a status update against r.
func CheckTransition(r *Record, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if r.Status.Terminal() {
		return fmt.Errorf("%w: run %s is %s", ErrTerminal, r.ID, r.Status)
	}
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, r.Status, to)
	}
	return nil
}

// ValidateScore checks that score is within 0..100.
func ValidateScore(score int) error {
	if score < 0 || score > 100 {
		return kit.NewValidationError("score", "score %d is outside 0..100", score)
	}
	return nil
}

package run

import (
	"errors"
	"fmt"

	"github.com/clerkhq/clerk/runtime/kit"
)

var (
	// ErrNotFound indicates the run does not exist.
	ErrNotFound = errors.New("run not found")
	// ErrExists indicates a run with the same id was already created.
	ErrExists = errors.New("run already exists")
	// ErrStepExists indicates the step number is already recorded.
	ErrStepExists = errors.New("step already recorded")
	// ErrStepOutOfOrder indicates a gap in step numbers.
	ErrStepOutOfOrder = errors.New("step out of order")
	// ErrStepNotFound indicates the step is not recorded.
	ErrStepNotFound = errors.New("step not recorded")
	// ErrScoreSet indicates the step already has an evaluation score.
	ErrScoreSet = errors.New("score already recorded")
	// ErrTerminal indicates the run is completed or failed and immutable.
	ErrTerminal = errors.New("run is terminal")
	// ErrInvalidTransition indicates a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// PersistenceError reports a failed durable write. The engine treats it as
// fatal to the run attempt.
type PersistenceError struct {
	Op    string
	RunID string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps err in a PersistenceError unless it is nil.
func Persistence(op, runID string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, RunID: runID, Err: err}
}

// IsLifecycle reports whether err is a lifecycle rejection (one of the
// sentinels above or an invalid score) rather than a storage failure. Store
// adapters use it to decide which errors to wrap in PersistenceError.
func IsLifecycle(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrExists, ErrStepExists, ErrStepOutOfOrder,
		ErrStepNotFound, ErrScoreSet, ErrTerminal, ErrInvalidTransition,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return kit.IsValidationError(err)
}

// Package evaluation implements the human-in-the-loop gate that holds a run
// after a step until a score between 0 and 100 is submitted.
package evaluation

import (
	"context"
	"errors"
	"sync"

	"github.com/clerkhq/clerk/runtime/kit"
	"github.com/clerkhq/clerk/runtime/kit/run"
)

// State is the gate state.
type State string

const (
	// StateIdle means no step is awaiting a score.
	StateIdle State = "idle"
	// StateAwaiting means a step output is exposed and a score is expected.
	StateAwaiting State = "awaiting_score"
	// StateResolved means the pending step received its score.
	StateResolved State = "resolved"
)

// ErrDiscarded is returned by Wait when the pending evaluation was dropped,
// typically because the run was paused.
var ErrDiscarded = errors.New("evaluation discarded")

type (
	// Pending is the step exposed for evaluation. Input and Output are nil in
	// anonymous mode, in which case only the counts are disclosed.
	Pending struct {
		Step        int
		OutputID    string
		Input       *string
		Output      *string
		InputChars  int
		OutputChars int
	}

	// Recorder persists a score. The gate calls it before resolving so a
	// score is durable before the run advances. A Recorder error leaves the
	// gate awaiting.
	Recorder func(ctx context.Context, step, score int) error

	// Gate is the evaluation gate of a single run. Methods are safe for
	// concurrent use; Submit is called by the API caller while the run loop
	// blocks in Wait.
	Gate struct {
		mu       sync.Mutex
		state    State
		pending  Pending
		record   Recorder
		score    int
		done     chan struct{}
		discard  bool
		lastStep int
	}
)

// NewGate returns an idle gate.
func NewGate() *Gate {
	return &Gate{state: StateIdle}
}

// PendingFromStep discloses a persisted step according to its storage form.
func PendingFromStep(s run.StepExecution) Pending {
	return Pending{
		Step:        s.Number,
		OutputID:    s.OutputID,
		Input:       s.Input,
		Output:      s.Output,
		InputChars:  s.InputChars,
		OutputChars: s.OutputChars,
	}
}

// Open moves the gate to awaiting for p. record may be nil.
func (g *Gate) Open(p Pending, record Recorder) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateAwaiting {
		return kit.NewValidationError("step", "step %d is still awaiting a score", g.pending.Step)
	}
	g.state = StateAwaiting
	g.pending = p
	g.record = record
	g.discard = false
	g.done = make(chan struct{})
	return nil
}

// State returns the current state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Pending returns the step awaiting a score.
func (g *Gate) Pending() (Pending, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateAwaiting {
		return Pending{}, false
	}
	return g.pending, true
}

// Submit records score for step. It rejects out-of-range scores, a step that
// is not the pending one, and a second submission for an already resolved
// step; all rejections are kit.ValidationError values and leave the state
// unchanged.
func (g *Gate) Submit(ctx context.Context, step, score int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case StateIdle:
		if step != 0 && step == g.lastStep {
			return kit.NewValidationError("step", "step %d was already scored", step)
		}
		return kit.NewValidationError("step", "no step is awaiting a score")
	case StateResolved:
		if step == g.pending.Step {
			return kit.NewValidationError("step", "step %d was already scored", step)
		}
		return kit.NewValidationError("step", "step %d is not awaiting a score", step)
	}
	if step != g.pending.Step {
		return kit.NewValidationError("step", "step %d is not awaiting a score (pending step %d)", step, g.pending.Step)
	}
	if err := run.ValidateScore(score); err != nil {
		return err
	}
	if g.record != nil {
		if err := g.record(ctx, step, score); err != nil {
			return err
		}
	}
	g.score = score
	g.state = StateResolved
	g.lastStep = step
	close(g.done)
	return nil
}

// Wait blocks until the pending step is resolved, the evaluation is
// discarded, or ctx is done. It returns the submitted score.
func (g *Gate) Wait(ctx context.Context) (int, error) {
	g.mu.Lock()
	if g.state == StateIdle {
		g.mu.Unlock()
		return 0, errors.New("evaluation gate is idle")
	}
	done := g.done
	g.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.discard {
		return 0, ErrDiscarded
	}
	return g.score, nil
}

// Discard drops an awaiting evaluation and returns the gate to idle. Waiters
// receive ErrDiscarded. It reports whether an evaluation was pending.
func (g *Gate) Discard() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateAwaiting {
		return false
	}
	g.state = StateIdle
	g.discard = true
	close(g.done)
	return true
}

// Reset returns a resolved gate to idle, ready for the next step.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateResolved {
		g.state = StateIdle
	}
}

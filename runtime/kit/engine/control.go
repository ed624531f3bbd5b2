package engine

import (
	"context"
	"errors"

	"github.com/clerkhq/clerk/runtime/kit/evaluation"
	"github.com/clerkhq/clerk/runtime/kit/run"
	"github.com/clerkhq/clerk/runtime/kit/stream"
)

// Pause requests a cooperative pause. The loop finishes the step in flight,
// persists it and stops before the next one. An evaluation in progress is
// discarded: the step stays recorded without a score. Pausing a run that is
// already stopping is a no-op.
func (e *Engine) Pause(ctx context.Context, runID string) error {
	ar, ok := e.lookup(runID)
	if !ok {
		rec, err := e.store.Load(ctx, runID)
		if err != nil {
			return err
		}
		if rec.Status == run.StatusPaused {
			return nil
		}
		return ErrNotActive
	}
	if ar.pause.Swap(true) {
		return nil
	}
	ar.gate.Discard()
	e.tel.Logger.Info(ctx, "pause requested", "run_id", runID)
	return nil
}

// SubmitEvaluation records score for the step awaiting evaluation and lets
// the run continue. The score is durable when it returns nil.
func (e *Engine) SubmitEvaluation(ctx context.Context, runID string, step, score int) error {
	ar, ok := e.lookup(runID)
	if !ok {
		return ErrNotActive
	}
	return ar.gate.Submit(ctx, step, score)
}

// PendingEvaluation returns the step of runID currently awaiting a score.
func (e *Engine) PendingEvaluation(runID string) (evaluation.Pending, bool) {
	ar, ok := e.lookup(runID)
	if !ok {
		return evaluation.Pending{}, false
	}
	return ar.gate.Pending()
}

// Subscribe streams the events of runID, replaying retained history first.
func (e *Engine) Subscribe(ctx context.Context, runID string) *stream.Subscription {
	return e.broker.Subscribe(ctx, runID)
}

// Load returns the persisted record of runID.
func (e *Engine) Load(ctx context.Context, runID string) (*run.Record, error) {
	return e.store.Load(ctx, runID)
}

// Wait blocks until the local loop of runID stops and returns the persisted
// record. It returns immediately for runs without a local loop.
func (e *Engine) Wait(ctx context.Context, runID string) (*run.Record, error) {
	if ar, ok := e.lookup(runID); ok {
		select {
		case <-ar.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.store.Load(ctx, runID)
}

// Shutdown pauses every local run and waits for the loops to stop. When ctx
// ends first the loops are cancelled; steps in flight are then abandoned and
// the runs end paused. Start and Resume fail with ErrShutdown afterwards.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.shutdown = true
	runs := make([]*activeRun, 0, len(e.active))
	for _, ar := range e.active {
		runs = append(runs, ar)
	}
	e.mu.Unlock()

	for _, ar := range runs {
		ar.pause.Store(true)
		ar.gate.Discard()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		for _, ar := range runs {
			ar.cancel()
		}
		<-done
		err = ctx.Err()
	}
	if e.sink != nil {
		err = errors.Join(err, e.sink.Close(context.WithoutCancel(ctx)))
	}
	return err
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clerkhq/clerk/runtime/kit"
	"github.com/clerkhq/clerk/runtime/kit/evaluation"
	"github.com/clerkhq/clerk/runtime/kit/executor"
	"github.com/clerkhq/clerk/runtime/kit/lease"
	"github.com/clerkhq/clerk/runtime/kit/model"
	"github.com/clerkhq/clerk/runtime/kit/placeholder"
	"github.com/clerkhq/clerk/runtime/kit/run"
	"github.com/clerkhq/clerk/runtime/kit/stream"
	"github.com/clerkhq/clerk/runtime/kit/telemetry"
	"github.com/clerkhq/clerk/runtime/kit/tools"
)

// errPaused signals that the loop stopped at a step boundary on request.
var errPaused = errors.New("paused")

// state is the loop-local view of a run. outputs holds the text of every
// completed step, including anonymous ones for the lifetime of the loop.
type state struct {
	rec     *run.Record
	def     *kit.Definition
	caps    []tools.Capability
	outputs map[string]string
	next    int
	resumed bool
}

// launch starts the loop goroutine for a claimed run.
func (e *Engine) launch(ar *activeRun, st *state) {
	go func() {
		defer e.unregister(ar)
		defer ar.cancel()

		keepCtx, stopKeep := context.WithCancel(ar.ctx)
		go lease.Keepalive(keepCtx, ar.lease, max(e.leaseTTL/3, time.Millisecond), func(err error) {
			e.tel.Logger.Error(ar.ctx, "run lease lost, pausing", "run_id", ar.id, "err", err)
			ar.pause.Store(true)
			ar.gate.Discard()
		})

		e.loop(ar.ctx, ar, st)

		stopKeep()
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ar.lease.Release(rctx); err != nil && !errors.Is(err, lease.ErrLost) {
			e.tel.Logger.Warn(rctx, "release run lease", "run_id", ar.id, "err", err)
		}
	}()
}

// loop executes the remaining steps of st and finalizes the run.
func (e *Engine) loop(ctx context.Context, ar *activeRun, st *state) {
	total := len(st.def.Steps)
	e.emit(ctx, ar.id, stream.EventStart, stream.StartPayload{TotalSteps: total, PastSteps: st.next - 1})

	values := placeholder.Values{
		Resources: st.def.ResourceValues(st.rec.DynamicInputs),
		Outputs:   st.outputs,
		Tools:     tools.Names(st.def),
	}
	for _, step := range st.def.OrderedSteps() {
		if step.Number < st.next {
			continue
		}
		if ar.pause.Load() || ctx.Err() != nil {
			e.finishPaused(ar, step.Number-1)
			return
		}
		err := e.step(ctx, ar, st, step, values)
		switch {
		case err == nil:
		case errors.Is(err, errPaused):
			// The step may have been cut short before it was persisted.
			e.finishPaused(ar, st.rec.LastStep())
			return
		default:
			e.finishFailed(ar, step.Number, err)
			return
		}
	}
	e.finishCompleted(ar, total)
}

// step runs one step: resolve, execute, persist, notify, and evaluate.
func (e *Engine) step(ctx context.Context, ar *activeRun, st *state, step kit.Step, values placeholder.Values) error {
	runID := ar.id
	e.emit(ctx, runID, stream.EventStepStart, stream.StepStartPayload{Step: step.Number, OutputID: step.OutputID(), DisplayName: step.DisplayName})

	res := placeholder.Resolve(step.Prompt, values)
	if len(res.Unresolved) > 0 {
		e.tel.Logger.Warn(ctx, "unresolved placeholders", "run_id", runID, "step", step.Number, "tokens", res.Unresolved)
		e.emit(ctx, runID, stream.EventWarning, stream.WarningPayload{
			Step:       step.Number,
			Message:    "unresolved placeholders left verbatim",
			Unresolved: res.Unresolved,
		})
	}

	out, err := e.exec.Execute(ctx, executor.Input{
		Prompt:       res.Text,
		Model:        st.rec.Model,
		Capabilities: st.caps,
		Label:        fmt.Sprintf("step %d", step.Number),
	})
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return errPaused
		}
		return err
	}

	se := run.NewStepExecution(st.rec.StorageMode, step.Number, res.Text, out.Text)
	se.Model = out.Model
	if se.Model == "" {
		se.Model = st.rec.Model
	}
	se.Tokens = out.Usage.Total()
	se.Latency = out.Latency
	se.ExecutedAt = e.now().UTC()
	// Persist with a context detached from pause cancellation so a finished
	// step is never lost.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	err = e.store.AppendStep(pctx, runID, se)
	cancel()
	if err != nil {
		return run.Persistence("append step", runID, err)
	}
	st.outputs[step.OutputID()] = out.Text
	st.rec.Steps = append(st.rec.Steps, se)

	complete := stream.StepCompletePayload{
		Step:          step.Number,
		OutputID:      step.OutputID(),
		DisplayName:   step.DisplayName,
		PromptPreview: stream.Preview(res.Text, promptPreviewLen),
		InputChars:    se.InputChars,
		OutputChars:   se.OutputChars,
		Tokens:        se.Tokens,
		LatencyMS:     se.Latency.Milliseconds(),
		Model:         se.Model,
	}
	if st.rec.StorageMode == run.StorageAnonymous {
		complete.PromptPreview = ""
	} else {
		complete.Result = se.Output
	}
	e.emit(ctx, runID, stream.EventStepComplete, complete)

	if !st.rec.Evaluate {
		return nil
	}
	return e.evaluate(ctx, ar, se)
}

// evaluate blocks on the gate until se is scored, the evaluation is
// discarded by a pause, or the evaluation timeout elapses.
func (e *Engine) evaluate(ctx context.Context, ar *activeRun, se run.StepExecution) error {
	record := func(ctx context.Context, step, score int) error {
		if err := e.store.SetScore(ctx, ar.id, step, score); err != nil {
			return run.Persistence("set score", ar.id, err)
		}
		return nil
	}
	pending := evaluation.PendingFromStep(se)
	if err := ar.gate.Open(pending, record); err != nil {
		return err
	}
	defer ar.gate.Reset()
	if ar.pause.Load() {
		ar.gate.Discard()
		return errPaused
	}
	e.emit(ctx, ar.id, stream.EventStepAwaitEval, stream.AwaitEvalPayload{
		Step:        pending.Step,
		OutputID:    pending.OutputID,
		Input:       pending.Input,
		Output:      pending.Output,
		InputChars:  pending.InputChars,
		OutputChars: pending.OutputChars,
	})
	e.tel.Logger.Info(ctx, "awaiting evaluation", "run_id", ar.id, "step", se.Number)

	wctx, cancel := context.WithTimeout(ctx, e.evalTimeout)
	defer cancel()
	score, err := ar.gate.Wait(wctx)
	switch {
	case err == nil:
		e.tel.Logger.Info(ctx, "step evaluated", "run_id", ar.id, "step", se.Number, "score", score)
		return nil
	case errors.Is(err, evaluation.ErrDiscarded), ctx.Err() != nil:
		ar.gate.Discard()
		return errPaused
	case errors.Is(err, context.DeadlineExceeded):
		ar.gate.Discard()
		return &model.TimeoutError{
			Operation: fmt.Sprintf("evaluation of step %d", se.Number),
			After:     e.evalTimeout,
			Err:       err,
		}
	default:
		return err
	}
}

func (e *Engine) finishCompleted(ar *activeRun, total int) {
	ctx, cancel := finalizeContext()
	defer cancel()
	if err := e.store.UpdateStatus(ctx, ar.id, run.StatusCompleted, ""); err != nil {
		e.finishFailed(ar, total, run.Persistence("update status", ar.id, err))
		return
	}
	e.tel.Metrics.IncCounter(telemetry.MetricRunCompleted, 1)
	e.tel.Logger.Info(ctx, "run completed", "run_id", ar.id, "steps", total)
	e.emit(ctx, ar.id, stream.EventDone, stream.DonePayload{Status: string(run.StatusCompleted), RunID: ar.id, TotalSteps: total})
}

func (e *Engine) finishPaused(ar *activeRun, lastStep int) {
	ctx, cancel := finalizeContext()
	defer cancel()
	if err := e.store.UpdateStatus(ctx, ar.id, run.StatusPaused, ""); err != nil {
		// The record stays running; only an engine built WithRecovery
		// resumes it, once the lease expires.
		e.tel.Logger.Error(ctx, "persist pause", "run_id", ar.id, "err", err)
	}
	e.tel.Metrics.IncCounter(telemetry.MetricRunPaused, 1)
	e.tel.Logger.Info(ctx, "run paused", "run_id", ar.id, "last_step", lastStep)
	e.emit(ctx, ar.id, stream.EventDone, stream.DonePayload{Status: string(run.StatusPaused), RunID: ar.id})
}

func (e *Engine) finishFailed(ar *activeRun, stepNumber int, cause error) {
	ctx, cancel := finalizeContext()
	defer cancel()
	msg := cause.Error()
	if err := e.store.UpdateStatus(ctx, ar.id, run.StatusFailed, msg); err != nil {
		e.tel.Logger.Error(ctx, "persist failure", "run_id", ar.id, "err", err)
	}
	e.tel.Metrics.IncCounter(telemetry.MetricRunFailed, 1, "kind", errorKind(cause))
	e.tel.Logger.Error(ctx, "run failed", "run_id", ar.id, "step", stepNumber, "err", cause)
	e.emit(ctx, ar.id, stream.EventStepError, stream.StepErrorPayload{Step: stepNumber, Error: msg, Kind: errorKind(cause)})
	e.emit(ctx, ar.id, stream.EventDone, stream.DonePayload{Status: string(run.StatusFailed), RunID: ar.id, Error: msg})
}

func finalizeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// errorKind classifies cause for step-error events and metrics.
func errorKind(cause error) string {
	var (
		pe *model.ProviderError
		te *model.TimeoutError
		pr *run.PersistenceError
	)
	switch {
	case errors.Is(cause, model.ErrRateLimited):
		return "rate_limited"
	case errors.As(cause, &te):
		return "timeout"
	case errors.As(cause, &pe):
		return "provider"
	case errors.As(cause, &pr):
		return "persistence"
	case errors.Is(cause, executor.ErrToolRoundsExceeded):
		return "tool_rounds"
	case kit.IsValidationError(cause):
		return "validation"
	default:
		return "internal"
	}
}

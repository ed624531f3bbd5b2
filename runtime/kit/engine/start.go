package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/clerkhq/clerk/runtime/kit"
	"github.com/clerkhq/clerk/runtime/kit/evaluation"
	"github.com/clerkhq/clerk/runtime/kit/extract"
	"github.com/clerkhq/clerk/runtime/kit/lease"
	"github.com/clerkhq/clerk/runtime/kit/placeholder"
	"github.com/clerkhq/clerk/runtime/kit/run"
	"github.com/clerkhq/clerk/runtime/kit/tools"
)

type (
	// StartRequest describes a new run.
	StartRequest struct {
		// Version selects the kit version to execute.
		Version kit.VersionRef
		// UserID identifies the caller; it also selects tool credentials.
		UserID string
		// Label is an optional description stored with the run.
		Label string
		// StorageMode defaults to transparent.
		StorageMode run.StorageMode
		// Evaluate pauses after every step until a score is submitted.
		Evaluate bool
		// Model overrides the engine default model.
		Model string
		// Dynamic supplies values for dynamic resources keyed by resource id.
		Dynamic map[string]DynamicInput
	}

	// DynamicInput is the value of one dynamic resource. Exactly one field
	// should be set; Text wins over File which wins over ObjectKey.
	DynamicInput struct {
		Text      string
		File      *File
		ObjectKey string
	}

	// File is an uploaded file.
	File struct {
		Name     string
		MimeType string
		Data     []byte
	}

	// Handle identifies a started or resumed run.
	Handle struct {
		RunID string
		// NextStep is the first step the loop executes.
		NextStep int
		// TotalSteps is the number of steps in the kit.
		TotalSteps int
	}
)

// Start validates req, persists a new running record and launches the run
// loop. Validation failures are kit.ValidationError values and leave no
// record behind.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*Handle, error) {
	mode := req.StorageMode
	if mode == "" {
		mode = run.StorageTransparent
	}
	if !mode.Valid() {
		return nil, kit.NewValidationError("storage_mode", "invalid storage mode %q", mode)
	}
	def, err := e.loader.LoadKit(ctx, req.Version)
	if err != nil {
		return nil, fmt.Errorf("load kit: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	dynamic, err := e.materialize(ctx, def, req.Dynamic)
	if err != nil {
		return nil, err
	}
	if missing := def.MissingDynamic(dynamic); len(missing) > 0 {
		return nil, kit.NewValidationError("dynamic", "Missing dynamic resources: %s", strings.Join(missing, ", "))
	}
	caps, err := e.capabilities(ctx, def, req.UserID)
	if err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = e.model
	}
	now := e.now().UTC()
	rec := &run.Record{
		ID:            e.newID(),
		Version:       def.Ref,
		UserID:        req.UserID,
		Label:         req.Label,
		StorageMode:   mode,
		Status:        run.StatusRunning,
		Evaluate:      req.Evaluate,
		Model:         model,
		DynamicInputs: dynamic,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	ar, err := e.claim(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	if err := e.store.Create(ctx, rec); err != nil {
		e.release(ar)
		return nil, run.Persistence("create", rec.ID, err)
	}
	e.tel.Logger.Info(ctx, "run started", "run_id", rec.ID, "kit", def.Ref.KitID, "version", def.Ref.VersionID, "steps", len(def.Steps), "mode", string(mode), "evaluate", req.Evaluate)
	e.launch(ar, &state{rec: rec, def: def, caps: caps, outputs: map[string]string{}, next: 1})
	return &Handle{RunID: rec.ID, NextStep: 1, TotalSteps: len(def.Steps)}, nil
}

// Resume continues a paused run from its first unrecorded step. A run whose
// record is still running belongs to another loop and is rejected with
// ErrRunActive, unless the engine was built WithRecovery, in which case it is
// taken over once its lease expires.
func (e *Engine) Resume(ctx context.Context, runID string) (*Handle, error) {
	if _, ok := e.lookup(runID); ok {
		return nil, ErrRunActive
	}
	rec, err := e.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return nil, fmt.Errorf("%w: status is %s", ErrNotPaused, rec.Status)
	}
	if rec.Status == run.StatusRunning && !e.recover {
		return nil, fmt.Errorf("%w: status is %s", ErrRunActive, rec.Status)
	}
	def, err := e.loader.LoadKit(ctx, rec.Version)
	if err != nil {
		return nil, fmt.Errorf("load kit: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	next := rec.LastStep() + 1
	outputs := rec.Outputs()
	if rec.StorageMode == run.StorageAnonymous {
		if refs := missingOutputs(def, next, outputs); len(refs) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrOutputsUnavailable, strings.Join(refs, ", "))
		}
	}
	caps, err := e.capabilities(ctx, def, rec.UserID)
	if err != nil {
		return nil, err
	}
	ar, err := e.claim(ctx, runID)
	if err != nil {
		return nil, err
	}
	if rec.Status == run.StatusPaused {
		if err := e.store.UpdateStatus(ctx, runID, run.StatusRunning, ""); err != nil {
			e.release(ar)
			return nil, run.Persistence("update status", runID, err)
		}
		rec.Status = run.StatusRunning
	} else {
		e.tel.Logger.Warn(ctx, "recovering run left running", "run_id", runID, "next_step", next)
	}
	e.tel.Logger.Info(ctx, "run resumed", "run_id", runID, "next_step", next)
	e.launch(ar, &state{rec: rec, def: def, caps: caps, outputs: outputs, next: next, resumed: true})
	return &Handle{RunID: runID, NextStep: next, TotalSteps: len(def.Steps)}, nil
}

// claim registers a local loop for runID and acquires its lease.
func (e *Engine) claim(ctx context.Context, runID string) (*activeRun, error) {
	ar := &activeRun{id: runID, gate: evaluation.NewGate(), done: make(chan struct{})}
	ar.ctx, ar.cancel = context.WithCancel(context.Background())
	if err := e.register(ar); err != nil {
		ar.cancel()
		return nil, err
	}
	l, err := e.locker.Acquire(ctx, leaseKey(runID), e.leaseTTL)
	if err != nil {
		ar.cancel()
		e.mu.Lock()
		delete(e.active, runID)
		e.mu.Unlock()
		e.wg.Done()
		if errors.Is(err, lease.ErrHeld) {
			return nil, ErrRunActive
		}
		return nil, fmt.Errorf("acquire run lease: %w", err)
	}
	ar.lease = l
	return ar, nil
}

// release undoes claim for a loop that never started.
func (e *Engine) release(ar *activeRun) {
	ar.cancel()
	if ar.lease != nil {
		_ = ar.lease.Release(context.Background())
	}
	e.unregister(ar)
}

func leaseKey(runID string) string { return "clerk:run:" + runID }

// materialize turns dynamic inputs into text keyed by resource id.
func (e *Engine) materialize(ctx context.Context, def *kit.Definition, in map[string]DynamicInput) (map[string]string, error) {
	out := make(map[string]string, len(in))
	dyn := make(map[string]struct{})
	for _, r := range def.DynamicResources() {
		dyn[r.ID()] = struct{}{}
	}
	ids := make([]string, 0, len(in))
	for id := range in {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, ok := dyn[id]; !ok {
			return nil, kit.NewValidationError("dynamic", "%s is not a dynamic resource of this kit", id)
		}
		v := in[id]
		switch {
		case v.Text != "":
			out[id] = v.Text
		case v.File != nil:
			text, err := e.extractFile(ctx, id, v.File.Name, v.File.MimeType, v.File.Data)
			if err != nil {
				return nil, err
			}
			out[id] = text
		case v.ObjectKey != "":
			if e.objects == nil {
				return nil, kit.NewValidationError("dynamic", "%s: object storage is not configured", id)
			}
			data, mt, err := e.objects.Fetch(ctx, v.ObjectKey)
			if err != nil {
				return nil, fmt.Errorf("fetch %s: %w", id, err)
			}
			text, err := e.extractFile(ctx, id, v.ObjectKey, mt, data)
			if err != nil {
				return nil, err
			}
			out[id] = text
		}
	}
	return out, nil
}

func (e *Engine) extractFile(ctx context.Context, id, name, mimeType string, data []byte) (string, error) {
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = extract.DetectMimeType(name)
	}
	text, err := e.extractor.ExtractText(ctx, data, mimeType)
	if err != nil {
		return "", kit.NewValidationError("dynamic", "%s: cannot extract text from %s: %v", id, name, err)
	}
	return text, nil
}

func (e *Engine) capabilities(ctx context.Context, def *kit.Definition, userID string) ([]tools.Capability, error) {
	if len(def.Tools) == 0 {
		return nil, nil
	}
	if e.tools == nil {
		return nil, kit.NewValidationError("tools", "kit attaches tools but no tool registry is configured")
	}
	caps, err := e.tools.BuildAll(ctx, def, userID)
	if err != nil {
		return nil, fmt.Errorf("build tools: %w", err)
	}
	return caps, nil
}

// missingOutputs lists the workflow outputs referenced by steps >= next that
// are produced by steps < next but absent from outputs.
func missingOutputs(def *kit.Definition, next int, outputs map[string]string) []string {
	var missing []string
	seen := make(map[string]struct{})
	for _, s := range def.OrderedSteps() {
		if s.Number < next {
			continue
		}
		for _, id := range placeholder.Tokens(s.Prompt) {
			prefix, n, ok := kit.ParseID(id)
			if !ok || prefix != kit.OutputPrefix || n >= next {
				continue
			}
			if _, ok := outputs[id]; ok {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			missing = append(missing, id)
		}
	}
	return missing
}

package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clerkhq/clerk/runtime/kit"
	"github.com/clerkhq/clerk/runtime/kit/executor"
	"github.com/clerkhq/clerk/runtime/kit/extract"
	"github.com/clerkhq/clerk/runtime/kit/model"
	"github.com/clerkhq/clerk/runtime/kit/run"
	"github.com/clerkhq/clerk/runtime/kit/run/inmem"
	"github.com/clerkhq/clerk/runtime/kit/stream"
	"github.com/clerkhq/clerk/runtime/kit/telemetry"
)

// fakeExecutor answers prompts through reply and records every prompt.
type fakeExecutor struct {
	mu      sync.Mutex
	prompts []string
	reply   func(ctx context.Context, in executor.Input) (string, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, in executor.Input) (*executor.Output, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, in.Prompt)
	f.mu.Unlock()
	text, err := f.reply(ctx, in)
	if err != nil {
		return nil, err
	}
	return &executor.Output{
		Text:    text,
		Model:   in.Model,
		Latency: 1200 * time.Millisecond,
		Usage:   model.TokenUsage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func (f *fakeExecutor) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

// answers replies with the value of the first key contained in the prompt.
func answers(pairs ...string) func(context.Context, executor.Input) (string, error) {
	return func(_ context.Context, in executor.Input) (string, error) {
		for i := 0; i+1 < len(pairs); i += 2 {
			if strings.Contains(in.Prompt, pairs[i]) {
				return pairs[i+1], nil
			}
		}
		return "ok", nil
	}
}

func capitalKit() *kit.Definition {
	return &kit.Definition{
		Ref:       kit.VersionRef{KitID: "k1", VersionID: "v1"},
		Name:      "capital",
		Resources: []kit.Resource{{Number: 1, DisplayName: "City", Content: "Paris"}},
		Steps: []kit.Step{
			{Number: 1, Prompt: "What country is {resource_1} in?"},
			{Number: 2, Prompt: "What is the capital of {workflow_1}?"},
		},
	}
}

func threeStepKit() *kit.Definition {
	return &kit.Definition{
		Ref: kit.VersionRef{KitID: "k3", VersionID: "v3"},
		Steps: []kit.Step{
			{Number: 1, Prompt: "first"},
			{Number: 2, Prompt: "second after {workflow_1}"},
			{Number: 3, Prompt: "third after {workflow_2}"},
		},
	}
}

func newEngine(t *testing.T, def *kit.Definition, fx *fakeExecutor, opts ...Option) (*Engine, run.Store) {
	t.Helper()
	store := run.Store(inmem.New())
	loader := kit.LoaderFunc(func(_ context.Context, ref kit.VersionRef) (*kit.Definition, error) {
		if ref.VersionID != def.Ref.VersionID {
			return nil, kit.ErrNotFound
		}
		return def, nil
	})
	base := []Option{WithLoader(loader), WithStore(store), WithExecutor(fx)}
	e, err := New(append(base, opts...)...)
	require.NoError(t, err)
	return e, store
}

func waitRun(t *testing.T, e *Engine, runID string) *run.Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := e.Wait(ctx, runID)
	require.NoError(t, err)
	return rec
}

func eventTypes(evs []stream.Event) []stream.EventType {
	out := make([]stream.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func lastDone(t *testing.T, evs []stream.Event) stream.DonePayload {
	t.Helper()
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	require.Equal(t, stream.EventDone, last.Type)
	p, ok := last.Payload.(stream.DonePayload)
	require.True(t, ok)
	return p
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(WithStore(inmem.New()), WithExecutor(&fakeExecutor{}))
	assert.Error(t, err)
	_, err = New(WithLoader(kit.LoaderFunc(nil)), WithExecutor(&fakeExecutor{}))
	assert.Error(t, err)
	_, err = New(WithLoader(kit.LoaderFunc(nil)), WithStore(inmem.New()))
	assert.Error(t, err)
}

func TestRunChainsOutputsIntoLaterSteps(t *testing.T) {
	fx := &fakeExecutor{reply: answers("country", "France", "capital", "Paris")}
	e, _ := newEngine(t, capitalKit(), fx)

	h, err := e.Start(context.Background(), StartRequest{Version: capitalKit().Ref, Label: "geo"})
	require.NoError(t, err)
	assert.Equal(t, 2, h.TotalSteps)

	rec := waitRun(t, e, h.RunID)
	assert.Equal(t, run.StatusCompleted, rec.Status)
	assert.NotNil(t, rec.CompletedAt)
	assert.Equal(t, DefaultModel, rec.Model)
	require.Len(t, rec.Steps, 2)
	assert.Equal(t, "What is the capital of France?", *rec.Steps[1].Input)
	assert.Equal(t, "Paris", *rec.Steps[1].Output)
	assert.Equal(t, 15, rec.Steps[0].Tokens)
	assert.Equal(t, []string{"What country is Paris in?", "What is the capital of France?"}, fx.Prompts())

	evs := e.Broker().History(h.RunID)
	assert.Equal(t, []stream.EventType{
		stream.EventStart,
		stream.EventStepStart, stream.EventStepComplete,
		stream.EventStepStart, stream.EventStepComplete,
		stream.EventDone,
	}, eventTypes(evs))
	done := lastDone(t, evs)
	assert.Equal(t, "completed", done.Status)
	assert.Equal(t, 2, done.TotalSteps)
	complete := evs[2].Payload.(stream.StepCompletePayload)
	require.NotNil(t, complete.Result)
	assert.Equal(t, "France", *complete.Result)
	assert.Equal(t, int64(1200), complete.LatencyMS)
}

func TestPauseStopsAtStepBoundaryAndResumeContinues(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 3)
	fx := &fakeExecutor{reply: func(_ context.Context, in executor.Input) (string, error) {
		started <- struct{}{}
		if in.Prompt == "first" {
			<-release
			return "one", nil
		}
		return "next:" + in.Prompt, nil
	}}
	e, _ := newEngine(t, threeStepKit(), fx)

	h, err := e.Start(context.Background(), StartRequest{Version: threeStepKit().Ref})
	require.NoError(t, err)
	<-started
	require.NoError(t, e.Pause(context.Background(), h.RunID))
	close(release)

	rec := waitRun(t, e, h.RunID)
	assert.Equal(t, run.StatusPaused, rec.Status)
	require.Len(t, rec.Steps, 1)
	assert.Equal(t, "paused", lastDone(t, e.Broker().History(h.RunID)).Status)
	require.NoError(t, e.Pause(context.Background(), h.RunID), "pausing a paused run is a no-op")

	rh, err := e.Resume(context.Background(), h.RunID)
	require.NoError(t, err)
	assert.Equal(t, 2, rh.NextStep)

	rec = waitRun(t, e, h.RunID)
	assert.Equal(t, run.StatusCompleted, rec.Status)
	require.Len(t, rec.Steps, 3)
	assert.Equal(t, "second after one", *rec.Steps[1].Input)
	assert.Equal(t, []string{"first", "second after one", "third after next:second after one"}, fx.Prompts())

	evs := e.Broker().History(h.RunID)
	var start stream.StartPayload
	for _, ev := range evs {
		if ev.Type == stream.EventStart {
			start = ev.Payload.(stream.StartPayload)
		}
	}
	assert.Equal(t, 1, start.PastSteps)
	assert.Equal(t, "completed", lastDone(t, evs).Status)
}

func TestResumeRejectsActiveAndTerminalRuns(t *testing.T) {
	release := make(chan struct{})
	fx := &fakeExecutor{reply: func(context.Context, executor.Input) (string, error) {
		<-release
		return "x", nil
	}}
	e, _ := newEngine(t, threeStepKit(), fx)

	h, err := e.Start(context.Background(), StartRequest{Version: threeStepKit().Ref})
	require.NoError(t, err)
	_, err = e.Resume(context.Background(), h.RunID)
	assert.ErrorIs(t, err, ErrRunActive)

	close(release)
	rec := waitRun(t, e, h.RunID)
	require.Equal(t, run.StatusCompleted, rec.Status)
	_, err = e.Resume(context.Background(), h.RunID)
	assert.ErrorIs(t, err, ErrNotPaused)
}

func TestConcurrentResumeStartsOneLoop(t *testing.T) {
	gate := make(chan struct{})
	fx := &fakeExecutor{reply: func(_ context.Context, in executor.Input) (string, error) {
		if in.Prompt != "first" {
			<-gate
		}
		return "v", nil
	}}
	e, store := newEngine(t, threeStepKit(), fx)
	ctx := context.Background()
	rec := &run.Record{
		ID: "r-1", Version: threeStepKit().Ref, StorageMode: run.StorageTransparent,
		Status: run.StatusRunning, Model: "m", StartedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, store.Create(ctx, rec))
	first := "first"
	require.NoError(t, store.AppendStep(ctx, "r-1", run.NewStepExecution(run.StorageTransparent, 1, first, "v")))
	require.NoError(t, store.UpdateStatus(ctx, "r-1", run.StatusPaused, ""))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Resume(ctx, "r-1")
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(gate)
	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, errors.Is(err, ErrRunActive) || errors.Is(err, ErrNotPaused) || errors.Is(err, run.ErrInvalidTransition), "unexpected error %v", err)
	}
	assert.Equal(t, 1, ok)
	got := waitRun(t, e, "r-1")
	assert.Equal(t, run.StatusCompleted, got.Status)
	assert.Len(t, got.Steps, 3)
}

func TestEvaluationGateRecordsScores(t *testing.T) {
	fx := &fakeExecutor{reply: answers("country", "France", "capital", "Paris")}
	e, _ := newEngine(t, capitalKit(), fx)
	ctx := context.Background()

	h, err := e.Start(ctx, StartRequest{Version: capitalKit().Ref, Evaluate: true})
	require.NoError(t, err)

	awaitPending := func(step int) {
		require.Eventually(t, func() bool {
			p, ok := e.PendingEvaluation(h.RunID)
			return ok && p.Step == step
		}, 2*time.Second, 5*time.Millisecond)
	}
	awaitPending(1)
	p, _ := e.PendingEvaluation(h.RunID)
	require.NotNil(t, p.Output)
	assert.Equal(t, "France", *p.Output)

	err = e.SubmitEvaluation(ctx, h.RunID, 1, 150)
	assert.True(t, kit.IsValidationError(err))
	err = e.SubmitEvaluation(ctx, h.RunID, 2, 50)
	assert.True(t, kit.IsValidationError(err))
	require.NoError(t, e.SubmitEvaluation(ctx, h.RunID, 1, 85))
	err = e.SubmitEvaluation(ctx, h.RunID, 1, 85)
	assert.True(t, kit.IsValidationError(err))

	awaitPending(2)
	require.NoError(t, e.SubmitEvaluation(ctx, h.RunID, 2, 90))

	rec := waitRun(t, e, h.RunID)
	assert.Equal(t, run.StatusCompleted, rec.Status)
	require.NotNil(t, rec.Steps[0].Score)
	assert.Equal(t, 85, *rec.Steps[0].Score)
	assert.Equal(t, 90, *rec.Steps[1].Score)

	awaits := 0
	for _, ev := range e.Broker().History(h.RunID) {
		if ev.Type == stream.EventStepAwaitEval {
			awaits++
		}
	}
	assert.Equal(t, 2, awaits)
}

func TestPauseDuringEvaluationDiscardsScore(t *testing.T) {
	fx := &fakeExecutor{reply: answers()}
	e, _ := newEngine(t, capitalKit(), fx)
	ctx := context.Background()

	h, err := e.Start(ctx, StartRequest{Version: capitalKit().Ref, Evaluate: true})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := e.PendingEvaluation(h.RunID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, e.Pause(ctx, h.RunID))

	rec := waitRun(t, e, h.RunID)
	assert.Equal(t, run.StatusPaused, rec.Status)
	require.Len(t, rec.Steps, 1)
	assert.Nil(t, rec.Steps[0].Score)
	assert.ErrorIs(t, e.SubmitEvaluation(ctx, h.RunID, 1, 70), ErrNotActive)
}

func TestEvaluationTimeoutFailsRun(t *testing.T) {
	fx := &fakeExecutor{reply: answers()}
	e, _ := newEngine(t, capitalKit(), fx, WithEvaluationTimeout(20*time.Millisecond))

	h, err := e.Start(context.Background(), StartRequest{Version: capitalKit().Ref, Evaluate: true})
	require.NoError(t, err)
	rec := waitRun(t, e, h.RunID)
	assert.Equal(t, run.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "evaluation of step 1")

	evs := e.Broker().History(h.RunID)
	var stepErr stream.StepErrorPayload
	for _, ev := range evs {
		if ev.Type == stream.EventStepError {
			stepErr = ev.Payload.(stream.StepErrorPayload)
		}
	}
	assert.Equal(t, "timeout", stepErr.Kind)
	assert.Equal(t, "failed", lastDone(t, evs).Status)
}

func TestAnonymousRunStoresCountsOnly(t *testing.T) {
	fx := &fakeExecutor{reply: answers("country", "France", "capital", "Paris")}
	e, _ := newEngine(t, capitalKit(), fx)

	h, err := e.Start(context.Background(), StartRequest{Version: capitalKit().Ref, StorageMode: run.StorageAnonymous})
	require.NoError(t, err)
	rec := waitRun(t, e, h.RunID)
	require.Equal(t, run.StatusCompleted, rec.Status)
	for _, s := range rec.Steps {
		assert.Nil(t, s.Input)
		assert.Nil(t, s.Output)
		assert.Positive(t, s.InputChars)
	}
	assert.Equal(t, len("What is the capital of France?"), rec.Steps[1].InputChars)
	assert.Equal(t, "What is the capital of France?", fx.Prompts()[1])

	for _, ev := range e.Broker().History(h.RunID) {
		if p, ok := ev.Payload.(stream.StepCompletePayload); ok {
			assert.Nil(t, p.Result)
			assert.Empty(t, p.PromptPreview)
		}
	}
}

func TestResumeAnonymousRunNeedingOutputsFails(t *testing.T) {
	e, store := newEngine(t, threeStepKit(), &fakeExecutor{reply: answers()})
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &run.Record{
		ID: "anon", Version: threeStepKit().Ref, StorageMode: run.StorageAnonymous,
		Status: run.StatusRunning, Model: "m", StartedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	require.NoError(t, store.AppendStep(ctx, "anon", run.NewStepExecution(run.StorageAnonymous, 1, "first", "one")))
	require.NoError(t, store.UpdateStatus(ctx, "anon", run.StatusPaused, ""))

	_, err := e.Resume(ctx, "anon")
	assert.ErrorIs(t, err, ErrOutputsUnavailable)
	assert.Contains(t, err.Error(), "workflow_1")
}

func TestProviderErrorFailsRun(t *testing.T) {
	perr := model.NewProviderError("openai", "chat.completions", 503, model.ProviderErrorKindUnavailable, "", "overloaded", "", true, nil)
	fx := &fakeExecutor{reply: func(context.Context, executor.Input) (string, error) { return "", perr }}
	e, _ := newEngine(t, capitalKit(), fx)

	h, err := e.Start(context.Background(), StartRequest{Version: capitalKit().Ref})
	require.NoError(t, err)
	rec := waitRun(t, e, h.RunID)
	assert.Equal(t, run.StatusFailed, rec.Status)
	assert.Empty(t, rec.Steps)
	assert.Contains(t, rec.Error, "overloaded")
	assert.Len(t, fx.Prompts(), 1)

	evs := e.Broker().History(h.RunID)
	require.GreaterOrEqual(t, len(evs), 2)
	stepErr := evs[len(evs)-2].Payload.(stream.StepErrorPayload)
	assert.Equal(t, 1, stepErr.Step)
	assert.Equal(t, "provider", stepErr.Kind)
}

// failingStore rejects AppendStep.
type failingStore struct {
	run.Store
}

func (failingStore) AppendStep(context.Context, string, run.StepExecution) error {
	return errors.New("disk full")
}

func TestPersistenceFailureIsFatal(t *testing.T) {
	fx := &fakeExecutor{reply: answers()}
	def := capitalKit()
	e, err := New(
		WithLoader(kit.LoaderFunc(func(context.Context, kit.VersionRef) (*kit.Definition, error) { return def, nil })),
		WithStore(failingStore{Store: inmem.New()}),
		WithExecutor(fx),
	)
	require.NoError(t, err)

	h, err := e.Start(context.Background(), StartRequest{Version: def.Ref})
	require.NoError(t, err)
	rec := waitRun(t, e, h.RunID)
	assert.Equal(t, run.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "disk full")
	assert.Len(t, fx.Prompts(), 1, "no step runs after a persistence failure")
	for _, ev := range e.Broker().History(h.RunID) {
		assert.NotEqual(t, stream.EventStepComplete, ev.Type)
	}
}

func TestStartValidatesDynamicInputs(t *testing.T) {
	def := capitalKit()
	def.Resources = append(def.Resources, kit.Resource{Number: 2, DisplayName: "Notes", Dynamic: true})
	def.Steps[0].Prompt = "Using {resource_2}, what country is {resource_1} in?"
	fx := &fakeExecutor{reply: answers()}
	e, _ := newEngine(t, def, fx)
	ctx := context.Background()

	_, err := e.Start(ctx, StartRequest{Version: def.Ref})
	require.True(t, kit.IsValidationError(err))
	assert.Contains(t, err.Error(), "Missing dynamic resources: resource_2")

	_, err = e.Start(ctx, StartRequest{Version: def.Ref, Dynamic: map[string]DynamicInput{"resource_1": {Text: "x"}}})
	assert.True(t, kit.IsValidationError(err))

	_, err = e.Start(ctx, StartRequest{Version: def.Ref, StorageMode: "secret"})
	assert.True(t, kit.IsValidationError(err))
	assert.Empty(t, e.Active())
	assert.Empty(t, fx.Prompts())

	h, err := e.Start(ctx, StartRequest{Version: def.Ref, Dynamic: map[string]DynamicInput{
		"resource_2": {File: &File{Name: "notes.csv", Data: []byte("a,b\n1,2\n")}},
	}})
	require.NoError(t, err)
	rec := waitRun(t, e, h.RunID)
	require.Equal(t, run.StatusCompleted, rec.Status)
	assert.Contains(t, rec.DynamicInputs["resource_2"], "a,b")
	assert.True(t, strings.HasPrefix(fx.Prompts()[0], "Using a,b"))
}

type memObjects map[string][]byte

func (m memObjects) Fetch(_ context.Context, key string) ([]byte, string, error) {
	data, ok := m[key]
	if !ok {
		return nil, "", errors.New("no such object")
	}
	return data, extract.MimeText, nil
}

func TestStartFetchesDynamicObjects(t *testing.T) {
	def := capitalKit()
	def.Resources = append(def.Resources, kit.Resource{Number: 2, Dynamic: true})
	def.Steps[0].Prompt = "{resource_2}"
	fx := &fakeExecutor{reply: answers()}
	e, _ := newEngine(t, def, fx, WithObjects(memObjects{"uploads/a.txt": []byte("from storage")}))

	h, err := e.Start(context.Background(), StartRequest{Version: def.Ref, Dynamic: map[string]DynamicInput{
		"resource_2": {ObjectKey: "uploads/a.txt"},
	}})
	require.NoError(t, err)
	waitRun(t, e, h.RunID)
	assert.Equal(t, "from storage", fx.Prompts()[0])
}

func TestUnresolvedPlaceholderEmitsWarning(t *testing.T) {
	def := capitalKit()
	def.Steps[1].Prompt = "Compare {workflow_1} with {resource_9}"
	fx := &fakeExecutor{reply: answers()}
	e, _ := newEngine(t, def, fx)

	h, err := e.Start(context.Background(), StartRequest{Version: def.Ref})
	require.NoError(t, err)
	rec := waitRun(t, e, h.RunID)
	require.Equal(t, run.StatusCompleted, rec.Status)
	assert.Equal(t, "Compare ok with {resource_9}", fx.Prompts()[1])

	var warn *stream.WarningPayload
	for _, ev := range e.Broker().History(h.RunID) {
		if p, ok := ev.Payload.(stream.WarningPayload); ok {
			warn = &p
		}
	}
	require.NotNil(t, warn)
	assert.Equal(t, 2, warn.Step)
	assert.Equal(t, []string{"resource_9"}, warn.Unresolved)
}

func TestShutdownPausesActiveRuns(t *testing.T) {
	fx := &fakeExecutor{reply: func(ctx context.Context, _ executor.Input) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	e, _ := newEngine(t, threeStepKit(), fx)
	h, err := e.Start(context.Background(), StartRequest{Version: threeStepKit().Ref})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(fx.Prompts()) == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Shutdown(ctx), context.DeadlineExceeded)

	rec, err := e.Load(context.Background(), h.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusPaused, rec.Status)
	_, err = e.Start(context.Background(), StartRequest{Version: threeStepKit().Ref})
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestResumeFromSecondEngineRejectsRunningRun(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 3)
	fx := &fakeExecutor{reply: func(_ context.Context, in executor.Input) (string, error) {
		started <- struct{}{}
		if in.Prompt == "first" {
			<-release
		}
		return "v", nil
	}}
	a, store := newEngine(t, threeStepKit(), fx)
	other := &fakeExecutor{reply: answers()}
	b, err := New(WithLoader(a.loader), WithStore(store), WithExecutor(other))
	require.NoError(t, err)

	h, err := a.Start(context.Background(), StartRequest{Version: threeStepKit().Ref})
	require.NoError(t, err)
	<-started
	_, err = b.Resume(context.Background(), h.RunID)
	assert.ErrorIs(t, err, ErrRunActive)

	close(release)
	rec := waitRun(t, a, h.RunID)
	assert.Equal(t, run.StatusCompleted, rec.Status)
	assert.Len(t, rec.Steps, 3)
	assert.Empty(t, other.Prompts())
}

func TestResumeWithRecoveryTakesOverRunLeftRunning(t *testing.T) {
	fx := &fakeExecutor{reply: answers()}
	e, store := newEngine(t, threeStepKit(), fx, WithRecovery(true))
	ctx := context.Background()
	rec := &run.Record{
		ID: "r-crashed", Version: threeStepKit().Ref, StorageMode: run.StorageTransparent,
		Status: run.StatusRunning, Model: "m", StartedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, store.Create(ctx, rec))
	require.NoError(t, store.AppendStep(ctx, "r-crashed", run.NewStepExecution(run.StorageTransparent, 1, "first", "v")))

	h, err := e.Resume(ctx, "r-crashed")
	require.NoError(t, err)
	assert.Equal(t, 2, h.NextStep)
	got := waitRun(t, e, "r-crashed")
	assert.Equal(t, run.StatusCompleted, got.Status)
	assert.Len(t, got.Steps, 3)
}

// stepMetrics counts step metric samples.
type stepMetrics struct {
	telemetry.NoopMetrics
	mu      sync.Mutex
	tokens  float64
	timings int
}

func (m *stepMetrics) IncCounter(name string, v float64, _ ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == telemetry.MetricStepTokens {
		m.tokens += v
	}
}

func (m *stepMetrics) RecordTimer(name string, _ time.Duration, _ ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == telemetry.MetricStepDuration {
		m.timings++
	}
}

type fixedClient struct{}

func (fixedClient) Complete(context.Context, *model.Request) (*model.Response, error) {
	return &model.Response{Content: "v", Usage: model.TokenUsage{InputTokens: 10, OutputTokens: 5}}, nil
}

func TestStepMetricsRecordedOncePerStep(t *testing.T) {
	m := &stepMetrics{}
	tel := telemetry.Set{Metrics: m}
	def := &kit.Definition{Ref: kit.VersionRef{KitID: "k", VersionID: "v"}, Steps: []kit.Step{{Number: 1, Prompt: "only"}}}
	loader := kit.LoaderFunc(func(context.Context, kit.VersionRef) (*kit.Definition, error) { return def, nil })
	e, err := New(
		WithLoader(loader),
		WithStore(inmem.New()),
		WithExecutor(executor.New(fixedClient{}, executor.WithTelemetry(tel))),
		WithTelemetry(tel),
	)
	require.NoError(t, err)

	h, err := e.Start(context.Background(), StartRequest{Version: def.Ref})
	require.NoError(t, err)
	rec := waitRun(t, e, h.RunID)
	require.Len(t, rec.Steps, 1)
	assert.Equal(t, 15, rec.Steps[0].Tokens)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, float64(15), m.tokens)
	assert.Equal(t, 1, m.timings)
}

// lastStepLogger captures the last_step of "run paused" log entries.
type lastStepLogger struct {
	telemetry.NoopLogger
	mu   sync.Mutex
	last []any
}

func (l *lastStepLogger) Info(_ context.Context, msg string, kv ...any) {
	if msg != "run paused" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i] == "last_step" {
			l.last = append(l.last, kv[i+1])
		}
	}
}

func TestShutdownDuringStepReportsLastPersistedStep(t *testing.T) {
	logger := &lastStepLogger{}
	fx := &fakeExecutor{reply: func(ctx context.Context, in executor.Input) (string, error) {
		if in.Prompt == "first" {
			return "one", nil
		}
		<-ctx.Done()
		return "", ctx.Err()
	}}
	e, _ := newEngine(t, threeStepKit(), fx, WithTelemetry(telemetry.Set{Logger: logger}))
	h, err := e.Start(context.Background(), StartRequest{Version: threeStepKit().Ref})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(fx.Prompts()) == 2 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Shutdown(ctx), context.DeadlineExceeded)
	rec := waitRun(t, e, h.RunID)
	assert.Equal(t, run.StatusPaused, rec.Status)
	require.Len(t, rec.Steps, 1)

	logger.mu.Lock()
	defer logger.mu.Unlock()
	assert.Equal(t, []any{1}, logger.last)
}

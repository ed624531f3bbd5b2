// Package engine drives kit runs end to end.
//
// Each run executes its steps strictly in ascending order in a dedicated
// goroutine: resolve placeholders, call the model, persist the step, emit
// progress, and optionally block on the evaluation gate. State is written to
// the run.Store before any event describing it is emitted, so what a client
// saw is always a subset of what is durably recorded.
//
// Pause is cooperative and observed between steps. A paused run can be
// resumed by any process sharing the store; a lease.Locker keeps a single
// active loop per run id.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/clerkhq/clerk/runtime/kit"
	"github.com/clerkhq/clerk/runtime/kit/evaluation"
	"github.com/clerkhq/clerk/runtime/kit/executor"
	"github.com/clerkhq/clerk/runtime/kit/extract"
	"github.com/clerkhq/clerk/runtime/kit/lease"
	"github.com/clerkhq/clerk/runtime/kit/run"
	"github.com/clerkhq/clerk/runtime/kit/stream"
	"github.com/clerkhq/clerk/runtime/kit/telemetry"
	"github.com/clerkhq/clerk/runtime/kit/tools"
)

const (
	// DefaultModel is used when neither the request nor the options name a
	// model.
	DefaultModel = "gpt-5-mini"
	// DefaultEvaluationTimeout bounds the wait for a human score.
	DefaultEvaluationTimeout = 10 * time.Minute
	// DefaultLeaseTTL is the lifetime of a run lease between refreshes.
	DefaultLeaseTTL = 30 * time.Second
	// promptPreviewLen is the number of prompt characters carried by
	// step-complete events.
	promptPreviewLen = 200
)

var (
	// ErrRunActive is returned when a loop already drives the run.
	ErrRunActive = errors.New("run is already active")
	// ErrNotPaused is returned when resuming a run that is not paused.
	ErrNotPaused = errors.New("run is not paused")
	// ErrNotActive is returned by control calls for runs without a local loop.
	ErrNotActive = errors.New("run is not active in this process")
	// ErrOutputsUnavailable is returned when resuming an anonymous run whose
	// remaining steps reference outputs that were never stored.
	ErrOutputsUnavailable = errors.New("step outputs required for resume were not stored")
	// ErrShutdown is returned by Start and Resume after Shutdown.
	ErrShutdown = errors.New("engine is shut down")
)

type (
	// StepExecutor runs one resolved step. *executor.Executor implements it.
	StepExecutor interface {
		Execute(ctx context.Context, in executor.Input) (*executor.Output, error)
	}

	// ObjectSource fetches uploaded files by storage key.
	ObjectSource interface {
		Fetch(ctx context.Context, key string) (data []byte, mimeType string, err error)
	}

	// Options configures an Engine.
	Options struct {
		// Loader fetches kit definitions. Required.
		Loader kit.Loader
		// Store persists runs. Required.
		Store run.Store
		// Executor runs steps. Required.
		Executor StepExecutor
		// Tools builds the capabilities attached to kits. Kits with tool
		// attachments fail to start when nil.
		Tools *tools.Registry
		// Extractor turns uploaded dynamic resource files into text.
		Extractor extract.Extractor
		// Objects resolves dynamic resources supplied by storage key.
		Objects ObjectSource
		// Broker receives every event and serves Subscribe.
		Broker *stream.Broker
		// Sinks receive every event in addition to the broker (e.g. Pulse).
		Sinks []stream.Sink
		// Locker guards run ids across processes.
		Locker lease.Locker
		// Telemetry carries logger, metrics and tracer.
		Telemetry telemetry.Set
		// DefaultModel applies to runs started without a model.
		DefaultModel string
		// EvaluationTimeout bounds each evaluation wait.
		EvaluationTimeout time.Duration
		// LeaseTTL is the run lease lifetime.
		LeaseTTL time.Duration
		// Recover lets Resume take over runs whose record is still running.
		// Enable it only when Locker is shared by every process driving runs
		// or when the process that owned the run is known to be gone.
		Recover bool
	}

	// Option mutates Options.
	Option func(*Options)

	// Engine starts, pauses and resumes kit runs.
	Engine struct {
		loader      kit.Loader
		store       run.Store
		exec        StepExecutor
		tools       *tools.Registry
		extractor   extract.Extractor
		objects     ObjectSource
		broker      *stream.Broker
		sink        stream.Sink
		locker      lease.Locker
		tel         telemetry.Set
		model       string
		evalTimeout time.Duration
		leaseTTL    time.Duration
		recover     bool
		newID       func() string
		now         func() time.Time

		mu       sync.Mutex
		active   map[string]*activeRun
		wg       sync.WaitGroup
		shutdown bool
	}

	// activeRun is the in-process state of a running loop.
	activeRun struct {
		id     string
		ctx    context.Context
		pause  atomic.Bool
		gate   *evaluation.Gate
		cancel context.CancelFunc
		done   chan struct{}
		lease  lease.Lease
	}
)

// WithLoader sets the kit loader.
func WithLoader(l kit.Loader) Option { return func(o *Options) { o.Loader = l } }

// WithStore sets the run store.
func WithStore(s run.Store) Option { return func(o *Options) { o.Store = s } }

// WithExecutor sets the step executor.
func WithExecutor(e StepExecutor) Option { return func(o *Options) { o.Executor = e } }

// WithTools sets the tool registry.
func WithTools(r *tools.Registry) Option { return func(o *Options) { o.Tools = r } }

// WithExtractor sets the text extractor used for uploaded files.
func WithExtractor(x extract.Extractor) Option { return func(o *Options) { o.Extractor = x } }

// WithObjects sets the source of uploaded files referenced by key.
func WithObjects(s ObjectSource) Option { return func(o *Options) { o.Objects = s } }

// WithBroker sets the in-process event broker.
func WithBroker(b *stream.Broker) Option { return func(o *Options) { o.Broker = b } }

// WithSink adds an external event sink.
func WithSink(s stream.Sink) Option { return func(o *Options) { o.Sinks = append(o.Sinks, s) } }

// WithLocker sets the run lease locker.
func WithLocker(l lease.Locker) Option { return func(o *Options) { o.Locker = l } }

// WithTelemetry sets logging, metrics and tracing.
func WithTelemetry(t telemetry.Set) Option { return func(o *Options) { o.Telemetry = t } }

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(m string) Option { return func(o *Options) { o.DefaultModel = m } }

// WithEvaluationTimeout sets the evaluation wait bound.
func WithEvaluationTimeout(d time.Duration) Option {
	return func(o *Options) { o.EvaluationTimeout = d }
}

// WithLeaseTTL sets the run lease lifetime.
func WithLeaseTTL(d time.Duration) Option { return func(o *Options) { o.LeaseTTL = d } }

// WithRecovery controls whether Resume takes over runs left running.
func WithRecovery(enabled bool) Option { return func(o *Options) { o.Recover = enabled } }

// New builds an Engine. Loader, Store and Executor are required.
func New(opts ...Option) (*Engine, error) {
	var o Options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	switch {
	case o.Loader == nil:
		return nil, errors.New("engine: loader is required")
	case o.Store == nil:
		return nil, errors.New("engine: store is required")
	case o.Executor == nil:
		return nil, errors.New("engine: executor is required")
	}
	tel := o.Telemetry.WithDefaults()
	e := &Engine{
		loader:      o.Loader,
		store:       o.Store,
		exec:        o.Executor,
		tools:       o.Tools,
		extractor:   o.Extractor,
		objects:     o.Objects,
		broker:      o.Broker,
		locker:      o.Locker,
		tel:         tel,
		model:       o.DefaultModel,
		evalTimeout: o.EvaluationTimeout,
		leaseTTL:    o.LeaseTTL,
		recover:     o.Recover,
		newID:       uuid.NewString,
		now:         time.Now,
		active:      make(map[string]*activeRun),
	}
	if e.extractor == nil {
		e.extractor = extract.Default{}
	}
	if e.broker == nil {
		e.broker = stream.NewBroker(stream.WithMetrics(tel.Metrics))
	}
	if len(o.Sinks) > 0 {
		e.sink = stream.NewFanout(tel.Logger, stream.DefaultSendTimeout, o.Sinks...)
	}
	if e.locker == nil {
		e.locker = lease.NewMemory()
	}
	if e.model == "" {
		e.model = DefaultModel
	}
	if e.evalTimeout <= 0 {
		e.evalTimeout = DefaultEvaluationTimeout
	}
	if e.leaseTTL <= 0 {
		e.leaseTTL = DefaultLeaseTTL
	}
	return e, nil
}

// Broker returns the engine's event broker.
func (e *Engine) Broker() *stream.Broker { return e.broker }

// emit records ev in the broker and forwards it to external sinks. It never
// fails the run.
func (e *Engine) emit(ctx context.Context, runID string, typ stream.EventType, payload any) {
	ev := stream.Event{Type: typ, RunID: runID, Timestamp: e.now().UTC(), Payload: payload}
	if err := e.broker.Send(ctx, ev); err != nil {
		e.tel.Logger.Debug(ctx, "broker rejected event", "run_id", runID, "type", string(typ), "err", err)
	}
	if e.sink != nil {
		_ = e.sink.Send(ctx, ev)
	}
}

// register claims runID for a local loop.
func (e *Engine) register(ar *activeRun) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return ErrShutdown
	}
	if _, ok := e.active[ar.id]; ok {
		return ErrRunActive
	}
	e.active[ar.id] = ar
	e.wg.Add(1)
	return nil
}

func (e *Engine) unregister(ar *activeRun) {
	e.mu.Lock()
	delete(e.active, ar.id)
	e.mu.Unlock()
	close(ar.done)
	e.wg.Done()
}

func (e *Engine) lookup(runID string) (*activeRun, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ar, ok := e.active[runID]
	return ar, ok
}

// Active returns the ids of runs with a loop in this process.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

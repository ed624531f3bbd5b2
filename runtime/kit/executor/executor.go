// Package executor runs one kit step against a model provider: it sends the
// resolved prompt, services tool calls the model requests, and measures
// latency and token usage. It never retries; retry policy belongs to the
// caller.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/clerkhq/clerk/runtime/kit/model"
	"github.com/clerkhq/clerk/runtime/kit/telemetry"
	"github.com/clerkhq/clerk/runtime/kit/tools"
)

const (
	// DefaultTimeout bounds one step including all tool rounds.
	DefaultTimeout = 5 * time.Minute
	// DefaultMaxToolRounds bounds the number of tool-call round trips.
	DefaultMaxToolRounds = 8
)

// ErrToolRoundsExceeded is returned when the model keeps requesting tools
// beyond the configured round limit.
var ErrToolRoundsExceeded = errors.New("tool call rounds exceeded")

type (
	// Executor invokes the model for one step at a time. It is safe for
	// concurrent use by multiple runs.
	Executor struct {
		client        model.Client
		timeout       time.Duration
		maxToolRounds int
		temperature   *float64
		maxTokens     int
		system        string
		tel           telemetry.Set
		now           func() time.Time
	}

	// Option configures an Executor.
	Option func(*Executor)

	// Input is a fully resolved step.
	Input struct {
		// Prompt is the resolved prompt text.
		Prompt string
		// Model is the provider model identifier.
		Model string
		// Capabilities are the tools the model may call. Nil disables tool use.
		Capabilities []tools.Capability
		// Label names the step in errors and spans, e.g. "step 2".
		Label string
	}

	// Output is a successful step result.
	Output struct {
		Text      string
		Usage     model.TokenUsage
		Latency   time.Duration
		Model     string
		ToolCalls int
	}
)

// WithTimeout sets the per-step deadline. Zero or negative disables it.
func WithTimeout(d time.Duration) Option { return func(e *Executor) { e.timeout = d } }

// WithMaxToolRounds sets the tool round limit.
func WithMaxToolRounds(n int) Option { return func(e *Executor) { e.maxToolRounds = n } }

// WithTemperature sets the sampling temperature sent with every request.
func WithTemperature(t float64) Option { return func(e *Executor) { e.temperature = model.Float(t) } }

// WithMaxTokens caps completion size.
func WithMaxTokens(n int) Option { return func(e *Executor) { e.maxTokens = n } }

// WithSystemPrompt prepends a system message to every step.
func WithSystemPrompt(s string) Option { return func(e *Executor) { e.system = s } }

// WithTelemetry sets logging, metrics and tracing.
func WithTelemetry(t telemetry.Set) Option { return func(e *Executor) { e.tel = t } }

// WithClock overrides the time source used for latency measurement.
func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }

// New returns an Executor bound to client.
func New(client model.Client, opts ...Option) *Executor {
	e := &Executor{
		client:        client,
		timeout:       DefaultTimeout,
		maxToolRounds: DefaultMaxToolRounds,
		temperature:   model.Float(0),
		now:           time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	e.tel = e.tel.WithDefaults()
	return e
}

// Execute runs the step. Failures are one of *model.ProviderError,
// *model.RateLimitError, *model.TimeoutError, ErrToolRoundsExceeded, or the
// context error when ctx was cancelled by the caller. No partial output is
// returned with an error.
func (e *Executor) Execute(ctx context.Context, in Input) (*Output, error) {
	label := in.Label
	if label == "" {
		label = "step"
	}
	ctx, span := e.tel.Tracer.Start(ctx, "kit.step.execute")
	defer span.End()
	span.AddEvent("request", "model", in.Model, "label", label, "tools", len(in.Capabilities))

	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := e.now()
	out, err := e.converse(callCtx, in)
	latency := e.now().Sub(start)
	if err != nil {
		err = e.classify(ctx, callCtx, label, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	out.Latency = latency
	e.tel.Metrics.RecordTimer(telemetry.MetricStepDuration, latency, "model", out.Model)
	e.tel.Metrics.IncCounter(telemetry.MetricStepTokens, float64(out.Usage.Total()), "model", out.Model)
	span.SetStatus(codes.Ok, "")
	return out, nil
}

func (e *Executor) converse(ctx context.Context, in Input) (*Output, error) {
	var msgs []model.Message
	if e.system != "" {
		msgs = append(msgs, model.Message{Role: model.RoleSystem, Content: e.system})
	}
	msgs = append(msgs, model.Message{Role: model.RoleUser, Content: in.Prompt})

	out := &Output{Model: in.Model}
	defs := tools.Definitions(in.Capabilities)
	for round := 0; ; round++ {
		resp, err := e.client.Complete(ctx, &model.Request{
			Model:       in.Model,
			Messages:    msgs,
			Temperature: e.temperature,
			MaxTokens:   e.maxTokens,
			Tools:       defs,
		})
		if err != nil {
			return nil, err
		}
		out.Usage = out.Usage.Add(resp.Usage)
		if resp.Model != "" {
			out.Model = resp.Model
		}
		if len(resp.ToolCalls) == 0 {
			out.Text = resp.Content
			return out, nil
		}
		if round >= e.maxToolRounds {
			return nil, fmt.Errorf("%w: limit %d", ErrToolRoundsExceeded, e.maxToolRounds)
		}
		msgs = append(msgs, model.Message{
			Role:      model.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			out.ToolCalls++
			msgs = append(msgs, e.invoke(ctx, in.Capabilities, call))
		}
	}
}

// invoke runs one tool call. Tool failures become error results for the
// model; they never fail the step.
func (e *Executor) invoke(ctx context.Context, caps []tools.Capability, call model.ToolCall) model.Message {
	msg := model.Message{Role: model.RoleTool, ToolCallID: call.ID}
	c, ok := tools.Find(caps, call.Name)
	if !ok {
		msg.Content = fmt.Sprintf("unknown tool %q", call.Name)
		msg.IsError = true
		return msg
	}
	ctx, span := e.tel.Tracer.Start(ctx, "kit.tool.invoke")
	defer span.End()
	span.AddEvent("call", "tool", call.Name)
	res, err := c.Invoke(ctx, call.Payload)
	if err != nil {
		e.tel.Logger.Warn(ctx, "tool invocation failed", "tool", call.Name, "err", err)
		span.RecordError(err)
		msg.Content = fmt.Sprintf("tool %s failed: %v", call.Name, err)
		msg.IsError = true
		return msg
	}
	msg.Content = res.Content
	msg.IsError = res.IsError
	return msg
}

// classify maps err onto the executor's error taxonomy.
func (e *Executor) classify(parent, callCtx context.Context, label string, err error) error {
	var (
		rl *model.RateLimitError
		to *model.TimeoutError
	)
	switch {
	case errors.As(err, &to):
		return err
	case parent.Err() != nil:
		// Caller cancellation, not a provider failure.
		return parent.Err()
	case errors.Is(callCtx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return &model.TimeoutError{Operation: label, After: e.timeout, Err: err}
	case errors.As(err, &rl):
		return err
	case errors.Is(err, ErrToolRoundsExceeded):
		return err
	}
	if _, ok := model.AsProviderError(err); ok {
		return err
	}
	return model.NewProviderError("model", "complete", 0, model.ProviderErrorKindUnknown, "", strings.TrimSpace(err.Error()), "", false, err)
}

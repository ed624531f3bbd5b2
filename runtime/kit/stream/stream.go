// Package stream delivers run progress events to clients.
//
// Delivery is best-effort. The run loop persists state before it emits, and
// emission never blocks the loop: the in-process Broker keeps a bounded
// history per run so clients can reattach, and slow subscribers lose their
// oldest undelivered events instead of applying backpressure.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EventType names a stream event.
type EventType string

const (
	// EventStart opens a run attempt.
	EventStart EventType = "start"
	// EventStepStart announces the step about to execute.
	EventStepStart EventType = "step-start"
	// EventStepComplete carries a persisted step result.
	EventStepComplete EventType = "step-complete"
	// EventStepAwaitEval announces that the run waits for a score.
	EventStepAwaitEval EventType = "step-await-eval"
	// EventStepError reports the failure of a step.
	EventStepError EventType = "step-error"
	// EventWarning reports non-fatal conditions such as unresolved
	// placeholders.
	EventWarning EventType = "warning"
	// EventDone terminates the attempt with completed, failed or paused.
	EventDone EventType = "done"
)

type (
	// Event is one progress notification.
	Event struct {
		Type      EventType `json:"type"`
		RunID     string    `json:"run_id"`
		Seq       int64     `json:"seq"`
		Timestamp time.Time `json:"timestamp"`
		Payload   any       `json:"payload"`
	}

	// Sink receives events. Implementations must be safe for concurrent use.
	Sink interface {
		Send(ctx context.Context, ev Event) error
		Close(ctx context.Context) error
	}

	// StartPayload is the payload of EventStart.
	StartPayload struct {
		TotalSteps int `json:"total_steps"`
		PastSteps  int `json:"past_steps"`
	}

	// StepStartPayload is the payload of EventStepStart.
	StepStartPayload struct {
		Step        int    `json:"step"`
		OutputID    string `json:"output_id"`
		DisplayName string `json:"display_name,omitempty"`
	}

	// StepCompletePayload is the payload of EventStepComplete. Result is nil
	// for anonymous runs.
	StepCompletePayload struct {
		Step          int     `json:"step"`
		OutputID      string  `json:"output_id"`
		DisplayName   string  `json:"display_name,omitempty"`
		PromptPreview string  `json:"prompt_preview,omitempty"`
		Result        *string `json:"result,omitempty"`
		InputChars    int     `json:"input_chars"`
		OutputChars   int     `json:"output_chars"`
		Tokens        int     `json:"tokens_used"`
		LatencyMS     int64   `json:"latency_ms"`
		Model         string  `json:"model,omitempty"`
	}

	// AwaitEvalPayload is the payload of EventStepAwaitEval.
	AwaitEvalPayload struct {
		Step        int     `json:"step"`
		OutputID    string  `json:"output_id"`
		Input       *string `json:"input,omitempty"`
		Output      *string `json:"output,omitempty"`
		InputChars  int     `json:"input_chars"`
		OutputChars int     `json:"output_chars"`
	}

	// StepErrorPayload is the payload of EventStepError.
	StepErrorPayload struct {
		Step  int    `json:"step"`
		Error string `json:"error"`
		Kind  string `json:"kind,omitempty"`
	}

	// WarningPayload is the payload of EventWarning.
	WarningPayload struct {
		Step       int      `json:"step"`
		Message    string   `json:"message"`
		Unresolved []string `json:"unresolved,omitempty"`
	}

	// DonePayload is the payload of EventDone.
	DonePayload struct {
		Status     string `json:"status"`
		RunID      string `json:"run_id"`
		Error      string `json:"error,omitempty"`
		TotalSteps int    `json:"total_steps,omitempty"`
	}
)

// Terminal reports whether ev ends a run attempt.
func (ev Event) Terminal() bool { return ev.Type == EventDone }

// Decode unmarshals a JSON encoded event, restoring the concrete payload type.
func Decode(data []byte) (Event, error) {
	var raw struct {
		Type      EventType       `json:"type"`
		RunID     string          `json:"run_id"`
		Seq       int64           `json:"seq"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	ev := Event{Type: raw.Type, RunID: raw.RunID, Seq: raw.Seq, Timestamp: raw.Timestamp}
	var target any
	switch raw.Type {
	case EventStart:
		target = &StartPayload{}
	case EventStepStart:
		target = &StepStartPayload{}
	case EventStepComplete:
		target = &StepCompletePayload{}
	case EventStepAwaitEval:
		target = &AwaitEvalPayload{}
	case EventStepError:
		target = &StepErrorPayload{}
	case EventWarning:
		target = &WarningPayload{}
	case EventDone:
		target = &DonePayload{}
	default:
		return Event{}, fmt.Errorf("decode event: unknown type %q", raw.Type)
	}
	if len(raw.Payload) > 0 && string(raw.Payload) != "null" {
		if err := json.Unmarshal(raw.Payload, target); err != nil {
			return Event{}, fmt.Errorf("decode %s payload: %w", raw.Type, err)
		}
	}
	// Store the value, not the pointer, so decoded events compare equal to
	// the events that were sent.
	switch p := target.(type) {
	case *StartPayload:
		ev.Payload = *p
	case *StepStartPayload:
		ev.Payload = *p
	case *StepCompletePayload:
		ev.Payload = *p
	case *AwaitEvalPayload:
		ev.Payload = *p
	case *StepErrorPayload:
		ev.Payload = *p
	case *WarningPayload:
		ev.Payload = *p
	case *DonePayload:
		ev.Payload = *p
	}
	return ev, nil
}

// Preview truncates s to n runes, used for prompt previews.
func Preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/clerkhq/clerk/runtime/kit"
	"github.com/clerkhq/clerk/runtime/kit/run"
	"github.com/clerkhq/clerk/runtime/kit/stream"
)

// printer renders run events for humans, or as JSON lines with --json.
type printer struct {
	mu    sync.Mutex
	w     io.Writer
	json  bool
	total int
}

func newPrinter(w io.Writer, asJSON bool) *printer {
	return &printer{w: w, json: asJSON}
}

func (p *printer) event(ev stream.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		_ = json.NewEncoder(p.w).Encode(ev)
		return
	}
	switch pl := ev.Payload.(type) {
	case stream.StartPayload:
		p.total = pl.TotalSteps
		if pl.PastSteps > 0 {
			fmt.Fprintf(p.w, "run %s: resuming at step %d of %d\n", ev.RunID, pl.PastSteps+1, pl.TotalSteps)
		} else {
			fmt.Fprintf(p.w, "run %s: %d steps\n", ev.RunID, pl.TotalSteps)
		}
	case stream.StepStartPayload:
		fmt.Fprintf(p.w, "\n[%d/%d] %s\n", pl.Step, p.total, stepTitle(pl.OutputID, pl.DisplayName))
	case stream.StepCompletePayload:
		if pl.Result != nil {
			fmt.Fprintln(p.w, strings.TrimRight(*pl.Result, "\n"))
		} else {
			fmt.Fprintf(p.w, "(%d characters in, %d characters out)\n", pl.InputChars, pl.OutputChars)
		}
		fmt.Fprintf(p.w, "-- %s, %d tokens, %s\n", pl.Model, pl.Tokens, (time.Duration(pl.LatencyMS) * time.Millisecond).Round(time.Millisecond))
	case stream.AwaitEvalPayload:
		fmt.Fprintf(p.w, "\nstep %d awaits evaluation", pl.Step)
		if pl.Input == nil {
			fmt.Fprintf(p.w, " (anonymous: %d characters in, %d out)", pl.InputChars, pl.OutputChars)
		}
		fmt.Fprintln(p.w)
	case stream.WarningPayload:
		fmt.Fprintf(p.w, "warning: step %d: %s", pl.Step, pl.Message)
		if len(pl.Unresolved) > 0 {
			fmt.Fprintf(p.w, " (%s)", strings.Join(pl.Unresolved, ", "))
		}
		fmt.Fprintln(p.w)
	case stream.StepErrorPayload:
		fmt.Fprintf(p.w, "error: step %d: %s\n", pl.Step, pl.Error)
	case stream.DonePayload:
		fmt.Fprintf(p.w, "\nrun %s %s", pl.RunID, pl.Status)
		if pl.Error != "" {
			fmt.Fprintf(p.w, ": %s", pl.Error)
		}
		fmt.Fprintln(p.w)
	}
}

// prompt asks for the score of step. It is silent in JSON mode.
func (p *printer) prompt(step int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		return
	}
	fmt.Fprintf(p.w, "score step %d (0-100, p to pause): ", step)
}

func (p *printer) notice(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		_ = json.NewEncoder(p.w).Encode(map[string]string{"notice": msg})
		return
	}
	fmt.Fprintln(p.w, msg)
}

// record prints a persisted run with its steps.
func (p *printer) record(rec *run.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rec)
		return
	}
	name := rec.Version.Slug
	if name == "" {
		name = rec.Version.VersionID
	}
	fmt.Fprintf(p.w, "run:      %s\n", rec.ID)
	fmt.Fprintf(p.w, "kit:      %s (version %s)\n", name, rec.Version.VersionID)
	fmt.Fprintf(p.w, "status:   %s\n", rec.Status)
	fmt.Fprintf(p.w, "mode:     %s\n", rec.StorageMode)
	fmt.Fprintf(p.w, "model:    %s\n", rec.Model)
	if rec.Label != "" {
		fmt.Fprintf(p.w, "label:    %s\n", rec.Label)
	}
	fmt.Fprintf(p.w, "started:  %s\n", rec.StartedAt.Format(time.RFC3339))
	if rec.Error != "" {
		fmt.Fprintf(p.w, "error:    %s\n", rec.Error)
	}
	for _, s := range rec.Steps {
		score := "-"
		if s.Score != nil {
			score = fmt.Sprint(*s.Score)
		}
		fmt.Fprintf(p.w, "\n[%d] %s  score %s  %d tokens  %s\n", s.Number, s.OutputID, score, s.Tokens, s.Latency.Round(time.Millisecond))
		if s.Output != nil {
			fmt.Fprintln(p.w, strings.TrimRight(*s.Output, "\n"))
		} else {
			fmt.Fprintf(p.w, "(%d characters in, %d characters out)\n", s.InputChars, s.OutputChars)
		}
	}
}

// kitInfo prints the resources, steps and tools of def.
func (p *printer) kitInfo(def *kit.Definition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		// Tool configuration may carry credentials.
		view := *def
		view.Tools = make([]kit.ToolAttachment, len(def.Tools))
		for i, t := range def.Tools {
			t.Configuration = nil
			view.Tools[i] = t
		}
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(view)
		return
	}
	name := def.Name
	if name == "" {
		name = def.Ref.Slug
	}
	fmt.Fprintf(p.w, "kit:      %s\n", name)
	if def.Ref.Slug != "" {
		fmt.Fprintf(p.w, "slug:     %s\n", def.Ref.Slug)
	}
	if def.Ref.VersionNumber > 0 {
		fmt.Fprintf(p.w, "version:  v%d (%s)\n", def.Ref.VersionNumber, def.Ref.VersionID)
	}

	fmt.Fprintf(p.w, "\nResources (%d):\n", len(def.Resources))
	for _, r := range def.Resources {
		line := fmt.Sprintf("  %d. %s", r.Number, r.ID())
		if r.DisplayName != "" {
			line += " " + r.DisplayName
		}
		if r.Filename != "" {
			line += " (" + r.Filename + ")"
		}
		if r.Dynamic {
			line += " [dynamic]"
		}
		fmt.Fprintln(p.w, line)
	}
	fmt.Fprintf(p.w, "\nSteps (%d):\n", len(def.Steps))
	for _, s := range def.OrderedSteps() {
		fmt.Fprintf(p.w, "  %d. %s\n", s.Number, stepTitle(s.OutputID(), s.DisplayName))
	}
	if len(def.Tools) > 0 {
		fmt.Fprintf(p.w, "\nTools (%d):\n", len(def.Tools))
		for _, t := range def.Tools {
			fmt.Fprintf(p.w, "  %d. %s %s\n", t.Number, t.ID(), t.ToolName)
		}
	}
}

func stepTitle(outputID, display string) string {
	if display == "" {
		return outputID
	}
	return outputID + " " + display
}

// Package kit defines reasoning kits: an ordered resource set, an ordered list
// of prompt steps, and the tools those steps may call. Every item is addressed
// by a stable small integer that prompts embed in placeholder tokens such as
// {resource_1}, {workflow_2} or {tool_1}.
package kit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Placeholder id prefixes.
const (
	ResourcePrefix = "resource_"
	OutputPrefix   = "workflow_"
	ToolPrefix     = "tool_"
)

type (
	// VersionRef identifies the kit version a run executes against.
	VersionRef struct {
		// KitID identifies the kit across versions.
		KitID string `json:"kit_id,omitempty" bson:"kit_id,omitempty" yaml:"kit_id,omitempty"`
		// VersionID identifies the immutable version snapshot.
		VersionID string `json:"version_id" bson:"version_id" yaml:"version_id"`
		// Slug is the human readable kit name, when known.
		Slug string `json:"slug,omitempty" bson:"slug,omitempty" yaml:"slug,omitempty"`
		// VersionNumber is the monotonically increasing version counter.
		VersionNumber int `json:"version_number,omitempty" bson:"version_number,omitempty" yaml:"version_number,omitempty"`
	}

	// Definition is an immutable snapshot of a kit version. The engine reads it
	// for the duration of a run and never mutates it.
	Definition struct {
		Ref       VersionRef
		Name      string
		Resources []Resource
		Steps     []Step
		Tools     []ToolAttachment
	}

	// Resource is named input data available to prompts via {resource_N}.
	Resource struct {
		// Number is the stable 1-based address used in placeholders.
		Number int
		// DisplayName is shown to humans; it is never substituted.
		DisplayName string
		// Content is the extracted text. For dynamic resources it is the
		// preview default used when no value is supplied at execution time.
		Content string
		// Link is an optional source URL or storage key.
		Link string
		// Filename is the original file name when the resource came from a file.
		Filename string
		// MimeType of the original file.
		MimeType string
		// Dynamic marks resources whose value is supplied per execution.
		Dynamic bool
	}

	// Step is one prompt template producing an output referenced via
	// {workflow_N}.
	Step struct {
		Number      int
		Prompt      string
		DisplayName string
	}

	// ToolAttachment binds an external capability to the kit.
	ToolAttachment struct {
		Number      int
		ToolName    string
		DisplayName string
		// Configuration is the tool's JSON configuration (credentials,
		// endpoints, defaults). Nil means no configuration.
		Configuration json.RawMessage
	}

	// Loader fetches kit definitions from a repository.
	Loader interface {
		LoadKit(ctx context.Context, ref VersionRef) (*Definition, error)
	}

	// LoaderFunc adapts a function to the Loader interface.
	LoaderFunc func(ctx context.Context, ref VersionRef) (*Definition, error)

	// ValidationError reports malformed input rejected synchronously. It never
	// affects a run that is already executing.
	ValidationError struct {
		Field  string
		Reason string
	}
)

// ErrNotFound is returned by loaders when the requested version does not exist.
var ErrNotFound = errors.New("kit not found")

// LoadKit calls f.
func (f LoaderFunc) LoadKit(ctx context.Context, ref VersionRef) (*Definition, error) {
	return f(ctx, ref)
}

// NewValidationError constructs a ValidationError.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ID returns the placeholder id of the resource, e.g. "resource_3".
func (r Resource) ID() string { return ResourceID(r.Number) }

// OutputID returns the placeholder id of the step output, e.g. "workflow_2".
func (s Step) OutputID() string { return OutputID(s.Number) }

// ID returns the placeholder id of the tool, e.g. "tool_1".
func (t ToolAttachment) ID() string { return ToolID(t.Number) }

// ResourceID formats a resource placeholder id.
func ResourceID(n int) string { return ResourcePrefix + strconv.Itoa(n) }

// OutputID formats a step output placeholder id.
func OutputID(n int) string { return OutputPrefix + strconv.Itoa(n) }

// ToolID formats a tool placeholder id.
func ToolID(n int) string { return ToolPrefix + strconv.Itoa(n) }

// ParseID splits a placeholder id into its prefix and number. ok is false
// for ids that do not match one of the three known shapes.
func ParseID(id string) (prefix string, n int, ok bool) {
	for _, p := range []string{ResourcePrefix, OutputPrefix, ToolPrefix} {
		rest, found := strings.CutPrefix(id, p)
		if !found || rest == "" {
			continue
		}
		for _, c := range rest {
			if c < '0' || c > '9' {
				return "", 0, false
			}
		}
		v, err := strconv.Atoi(rest)
		if err != nil {
			return "", 0, false
		}
		return p, v, true
	}
	return "", 0, false
}

// Validate checks the structural invariants of the definition: positive,
// unique numbers in each collection, steps numbered 1..N, non-empty prompts, named tools with
// valid JSON configuration.
func (d *Definition) Validate() error {
	if d == nil {
		return NewValidationError("", "kit definition is nil")
	}
	if len(d.Steps) == 0 {
		return NewValidationError("steps", "kit has no steps")
	}
	seen := make(map[int]struct{}, len(d.Resources))
	for _, r := range d.Resources {
		if r.Number <= 0 {
			return NewValidationError("resources", "resource number %d must be positive", r.Number)
		}
		if _, dup := seen[r.Number]; dup {
			return NewValidationError("resources", "duplicate resource number %d", r.Number)
		}
		seen[r.Number] = struct{}{}
	}
	seen = make(map[int]struct{}, len(d.Steps))
	for _, s := range d.Steps {
		if s.Number <= 0 {
			return NewValidationError("steps", "step number %d must be positive", s.Number)
		}
		if _, dup := seen[s.Number]; dup {
			return NewValidationError("steps", "duplicate step number %d", s.Number)
		}
		if strings.TrimSpace(s.Prompt) == "" {
			return NewValidationError("steps", "step %d has an empty prompt", s.Number)
		}
		seen[s.Number] = struct{}{}
	}
	for n := 1; n <= len(d.Steps); n++ {
		if _, ok := seen[n]; !ok {
			return NewValidationError("steps", "step numbers must be contiguous from 1, step %d is missing", n)
		}
	}
	seen = make(map[int]struct{}, len(d.Tools))
	for _, t := range d.Tools {
		if t.Number <= 0 {
			return NewValidationError("tools", "tool number %d must be positive", t.Number)
		}
		if _, dup := seen[t.Number]; dup {
			return NewValidationError("tools", "duplicate tool number %d", t.Number)
		}
		if strings.TrimSpace(t.ToolName) == "" {
			return NewValidationError("tools", "tool %d has no name", t.Number)
		}
		if len(t.Configuration) > 0 && !json.Valid(t.Configuration) {
			return NewValidationError("tools", "tool %d configuration is not valid JSON", t.Number)
		}
		seen[t.Number] = struct{}{}
	}
	return nil
}

// OrderedSteps returns the steps sorted by ascending number. The receiver is
// left untouched.
func (d *Definition) OrderedSteps() []Step {
	steps := make([]Step, len(d.Steps))
	copy(steps, d.Steps)
	sort.Slice(steps, func(i, j int) bool { return steps[i].Number < steps[j].Number })
	return steps
}

// Step returns the step with the given number.
func (d *Definition) Step(n int) (Step, bool) {
	for _, s := range d.Steps {
		if s.Number == n {
			return s, true
		}
	}
	return Step{}, false
}

// DynamicResources returns the resources flagged dynamic, ordered by number.
func (d *Definition) DynamicResources() []Resource {
	var out []Resource
	for _, r := range d.Resources {
		if r.Dynamic {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// ResourceValues maps resource ids to their content, overriding dynamic
// resources with the supplied values. Dynamic resources without a supplied
// value keep their default content.
func (d *Definition) ResourceValues(dynamic map[string]string) map[string]string {
	out := make(map[string]string, len(d.Resources))
	for _, r := range d.Resources {
		v := r.Content
		if r.Dynamic {
			if supplied, ok := dynamic[r.ID()]; ok {
				v = supplied
			}
		}
		out[r.ID()] = v
	}
	return out
}

// MissingDynamic returns the ids of dynamic resources that have neither a
// supplied value nor default content.
func (d *Definition) MissingDynamic(dynamic map[string]string) []string {
	var missing []string
	for _, r := range d.DynamicResources() {
		if v, ok := dynamic[r.ID()]; ok && v != "" {
			continue
		}
		if strings.TrimSpace(r.Content) != "" {
			continue
		}
		missing = append(missing, r.ID())
	}
	return missing
}

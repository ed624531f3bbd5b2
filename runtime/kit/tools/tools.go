// Package tools exposes external capabilities to the model during a step.
//
// A kit attaches tools by name with a JSON configuration. At execution time
// the Registry turns each attachment into a Capability using the factory
// registered under that name, merging per-user credentials underneath the
// kit configuration. The step executor advertises the capability definitions
// to the model and routes tool calls back through Invoke.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/clerkhq/clerk/runtime/kit"
	"github.com/clerkhq/clerk/runtime/kit/model"
)

type (
	// Capability is one callable tool bound to its configuration.
	Capability interface {
		// Definition returns the name, description and argument schema
		// advertised to the model.
		Definition() model.ToolDefinition
		// Invoke runs the tool with JSON arguments.
		Invoke(ctx context.Context, args json.RawMessage) (*Result, error)
	}

	// Result is the output of a tool invocation.
	Result struct {
		// Content is the text returned to the model.
		Content string
		// IsError reports a tool-level failure the model should see.
		IsError bool
	}

	// Factory builds a Capability from a merged JSON configuration.
	Factory func(ctx context.Context, config json.RawMessage) (Capability, error)

	// Credentials looks up per-user tool configuration (API keys, tokens).
	// ok is false when the user has no stored credentials for the tool.
	Credentials interface {
		Lookup(ctx context.Context, userID, toolName string) (config json.RawMessage, ok bool, err error)
	}

	// Policy decides whether a registered tool may be built. Tags are the
	// labels the tool was registered with.
	Policy interface {
		Allow(name string, tags []string) error
	}

	// Registry maps tool names to factories. It is safe for concurrent use.
	Registry struct {
		mu        sync.RWMutex
		factories map[string]Factory
		tags      map[string][]string
		creds     Credentials
		policy    Policy
	}

	// Option configures a Registry.
	Option func(*Registry)

	// CapabilityFunc adapts a definition and function into a Capability.
	CapabilityFunc struct {
		Def  model.ToolDefinition
		Func func(ctx context.Context, args json.RawMessage) (*Result, error)
	}
)

var (
	// ErrUnknownTool is returned when no factory is registered for a name.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrDuplicateTool is returned when registering a name twice.
	ErrDuplicateTool = errors.New("tool already registered")
	// ErrToolBlocked wraps Policy rejections.
	ErrToolBlocked = errors.New("tool blocked by policy")
)

// WithCredentials sets the per-user credential source.
func WithCredentials(c Credentials) Option {
	return func(r *Registry) { r.creds = c }
}

// WithPolicy restricts which registered tools Build accepts.
func WithPolicy(p Policy) Option {
	return func(r *Registry) { r.policy = p }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{factories: make(map[string]Factory), tags: make(map[string][]string)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a factory under name. Tags label the tool for policies and
// listings, for example its origin.
func (r *Registry) Register(name string, f Factory, tags ...string) error {
	if name == "" || f == nil {
		return errors.New("tool name and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.factories[name] = f
	if len(tags) > 0 {
		r.tags[name] = append([]string(nil), tags...)
	}
	return nil
}

// Tags returns the tags name was registered with.
func (r *Registry) Tags(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.tags[name]...)
}

// Check reports whether name is registered and allowed by the policy.
func (r *Registry) Check(name string) error {
	r.mu.RLock()
	_, ok := r.factories[name]
	tags := r.tags[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if r.policy == nil {
		return nil
	}
	if err := r.policy.Allow(name, tags); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrToolBlocked, name, err)
	}
	return nil
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build constructs the capability for a kit attachment. userID may be empty.
// The returned capability validates arguments against its schema before
// invoking the tool.
func (r *Registry) Build(ctx context.Context, att kit.ToolAttachment, userID string) (Capability, error) {
	if err := r.Check(att.ToolName); err != nil {
		return nil, err
	}
	r.mu.RLock()
	f := r.factories[att.ToolName]
	r.mu.RUnlock()
	cfg := att.Configuration
	if r.creds != nil && userID != "" {
		user, found, err := r.creds.Lookup(ctx, userID, att.ToolName)
		if err != nil {
			return nil, fmt.Errorf("lookup credentials for %s: %w", att.ToolName, err)
		}
		if found {
			merged, err := MergeConfig(user, cfg)
			if err != nil {
				return nil, fmt.Errorf("merge configuration for %s: %w", att.ToolName, err)
			}
			cfg = merged
		}
	}
	c, err := f(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build tool %s: %w", att.ToolName, err)
	}
	return Validating(c)
}

// BuildAll builds capabilities for every attachment of def.
func (r *Registry) BuildAll(ctx context.Context, def *kit.Definition, userID string) ([]Capability, error) {
	caps := make([]Capability, 0, len(def.Tools))
	for _, att := range def.Tools {
		c, err := r.Build(ctx, att, userID)
		if err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, nil
}

// Invoke builds the named tool with config and runs it once with args.
func (r *Registry) Invoke(ctx context.Context, toolName string, config, args json.RawMessage) (*Result, error) {
	c, err := r.Build(ctx, kit.ToolAttachment{ToolName: toolName, Configuration: config}, "")
	if err != nil {
		return nil, err
	}
	return c.Invoke(ctx, args)
}

// Definition returns c.Def.
func (c *CapabilityFunc) Definition() model.ToolDefinition { return c.Def }

// Invoke calls c.Func.
func (c *CapabilityFunc) Invoke(ctx context.Context, args json.RawMessage) (*Result, error) {
	return c.Func(ctx, args)
}

// MergeConfig shallow-merges two JSON objects; keys in override win. Empty
// inputs are treated as empty objects.
func MergeConfig(base, override json.RawMessage) (json.RawMessage, error) {
	if len(base) == 0 {
		return override, nil
	}
	if len(override) == 0 {
		return base, nil
	}
	var b, o map[string]json.RawMessage
	if err := json.Unmarshal(base, &b); err != nil {
		return nil, fmt.Errorf("base: %w", err)
	}
	if err := json.Unmarshal(override, &o); err != nil {
		return nil, fmt.Errorf("override: %w", err)
	}
	if b == nil {
		b = make(map[string]json.RawMessage, len(o))
	}
	for k, v := range o {
		b[k] = v
	}
	return json.Marshal(b)
}

// Find returns the capability advertised under name.
func Find(caps []Capability, name string) (Capability, bool) {
	for _, c := range caps {
		if c.Definition().Name == name {
			return c, true
		}
	}
	return nil, false
}

// Definitions returns the model definitions of caps.
func Definitions(caps []Capability) []model.ToolDefinition {
	if len(caps) == 0 {
		return nil
	}
	defs := make([]model.ToolDefinition, len(caps))
	for i, c := range caps {
		defs[i] = c.Definition()
	}
	return defs
}

// Names returns the placeholder values for def's tools: each {tool_N} id maps
// to the name the model sees for that tool.
func Names(def *kit.Definition) map[string]string {
	out := make(map[string]string, len(def.Tools))
	for _, t := range def.Tools {
		out[t.ID()] = t.ToolName
	}
	return out
}

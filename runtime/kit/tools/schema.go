package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/clerkhq/clerk/runtime/kit/model"
)

type validating struct {
	Capability
	schema *jsonschema.Schema
}

// Validating wraps c so Invoke rejects arguments that do not match the
// capability's input schema. Invalid arguments produce an error Result for
// the model rather than a Go error. Capabilities without a schema are
// returned unchanged.
func Validating(c Capability) (Capability, error) {
	if _, ok := c.(*validating); ok {
		return c, nil
	}
	def := c.Definition()
	if len(def.InputSchema) == 0 {
		return c, nil
	}
	schema, err := compileSchema(def)
	if err != nil {
		return nil, err
	}
	return &validating{Capability: c, schema: schema}, nil
}

func (v *validating) Invoke(ctx context.Context, args json.RawMessage) (*Result, error) {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return &Result{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
	}
	if err := v.schema.Validate(doc); err != nil {
		return &Result{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
	}
	return v.Capability.Invoke(ctx, args)
}

func compileSchema(def model.ToolDefinition) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(def.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema for %s: %w", def.Name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode schema for %s: %w", def.Name, err)
	}
	url := def.Name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema for %s: %w", def.Name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", def.Name, err)
	}
	return schema, nil
}

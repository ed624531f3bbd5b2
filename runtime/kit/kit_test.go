package kit

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDefinition() *Definition {
	return &Definition{
		Ref:  VersionRef{VersionID: "v1"},
		Name: "capital",
		Resources: []Resource{
			{Number: 1, DisplayName: "City", Content: "Paris"},
			{Number: 2, DisplayName: "Notes", Dynamic: true},
			{Number: 3, DisplayName: "Default", Dynamic: true, Content: "fallback"},
		},
		Steps: []Step{
			{Number: 2, Prompt: "Expand {workflow_1}"},
			{Number: 1, Prompt: "Describe {resource_1}"},
		},
		Tools: []ToolAttachment{{Number: 1, ToolName: "read_url", Configuration: json.RawMessage(`{}`)}},
	}
}

func TestValidateAcceptsWellFormedKit(t *testing.T) {
	require.NoError(t, sampleDefinition().Validate())
}

func TestValidateRejectsMalformedKits(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Definition)
		field  string
	}{
		{"no steps", func(d *Definition) { d.Steps = nil }, "steps"},
		{"duplicate step", func(d *Definition) { d.Steps[1].Number = 2 }, "steps"},
		{"gap in steps", func(d *Definition) { d.Steps[0].Number = 3 }, "steps"},
		{"empty prompt", func(d *Definition) { d.Steps[0].Prompt = "  " }, "steps"},
		{"zero resource", func(d *Definition) { d.Resources[0].Number = 0 }, "resources"},
		{"duplicate resource", func(d *Definition) { d.Resources[1].Number = 1 }, "resources"},
		{"unnamed tool", func(d *Definition) { d.Tools[0].ToolName = "" }, "tools"},
		{"bad tool json", func(d *Definition) { d.Tools[0].Configuration = json.RawMessage(`{`) }, "tools"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := sampleDefinition()
			tc.mutate(d)
			err := d.Validate()
			require.Error(t, err)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
			assert.True(t, IsValidationError(err))
		})
	}
}

func TestOrderedStepsDoesNotMutate(t *testing.T) {
	d := sampleDefinition()
	steps := d.OrderedSteps()
	assert.Equal(t, 1, steps[0].Number)
	assert.Equal(t, 2, steps[1].Number)
	assert.Equal(t, 2, d.Steps[0].Number)
	assert.Equal(t, "workflow_1", steps[0].OutputID())
}

func TestResourceValuesAndMissingDynamic(t *testing.T) {
	d := sampleDefinition()
	vals := d.ResourceValues(map[string]string{"resource_2": "supplied", "resource_1": "ignored"})
	assert.Equal(t, "Paris", vals["resource_1"])
	assert.Equal(t, "supplied", vals["resource_2"])
	assert.Equal(t, "fallback", vals["resource_3"])

	assert.Equal(t, []string{"resource_2"}, d.MissingDynamic(nil))
	assert.Empty(t, d.MissingDynamic(map[string]string{"resource_2": "x"}))
}

func TestParseID(t *testing.T) {
	p, n, ok := ParseID("workflow_12")
	require.True(t, ok)
	assert.Equal(t, OutputPrefix, p)
	assert.Equal(t, 12, n)

	for _, bad := range []string{"workflow_", "workflow_1a", "resource", "other_1", ""} {
		_, _, ok := ParseID(bad)
		assert.False(t, ok, bad)
	}
}

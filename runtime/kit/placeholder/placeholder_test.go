package placeholder

import (
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clerkhq/clerk/runtime/kit"
)

func TestResolveSubstitutesAllKinds(t *testing.T) {
	res := Resolve("Use {tool_1} on {resource_1} then refine {workflow_1}.", Values{
		Resources: map[string]string{"resource_1": "Paris"},
		Outputs:   map[string]string{"workflow_1": "France"},
		Tools:     map[string]string{"tool_1": "read_url"},
	})
	assert.Equal(t, "Use read_url on Paris then refine France.", res.Text)
	assert.Empty(t, res.Unresolved)
}

func TestResolveLeavesUnknownTokensAndReportsThem(t *testing.T) {
	res := Resolve("{resource_9} {workflow_2} {resource_9} {other} {tool_}", Values{})
	assert.Equal(t, "{resource_9} {workflow_2} {resource_9} {other} {tool_}", res.Text)
	assert.Equal(t, []string{"resource_9", "workflow_2"}, res.Unresolved)
}

func TestResolveIsSinglePass(t *testing.T) {
	res := Resolve("{workflow_1}", Values{Outputs: map[string]string{
		"workflow_1": "{workflow_2}",
		"workflow_2": "nested",
	}})
	assert.Equal(t, "{workflow_2}", res.Text)
	assert.Empty(t, res.Unresolved)
}

func TestResolvePrefixRouting(t *testing.T) {
	// A resource id stored in the outputs map must not resolve.
	res := Resolve("{resource_1}", Values{Outputs: map[string]string{"resource_1": "x"}})
	assert.Equal(t, "{resource_1}", res.Text)
	assert.Equal(t, []string{"resource_1"}, res.Unresolved)
}

func TestTokens(t *testing.T) {
	assert.Equal(t, []string{"workflow_1", "resource_2"}, Tokens("{workflow_1} {resource_2} {workflow_1}"))
	assert.Nil(t, Tokens("no tokens {here}"))
}

func TestForwardReferences(t *testing.T) {
	def := &kit.Definition{Steps: []kit.Step{
		{Number: 1, Prompt: "{workflow_1} {resource_1}"},
		{Number: 2, Prompt: "{workflow_1} {workflow_3}"},
	}}
	refs := ForwardReferences(def)
	require.Len(t, refs, 2)
	assert.Equal(t, []string{"workflow_1"}, refs[1])
	assert.Equal(t, []string{"workflow_3"}, refs[2])
}

func TestResolveIdempotentWhenAllDefined(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	// Values never contain braces so a resolved prompt carries no tokens.
	value := gen.AlphaString()
	properties.Property("resolve is idempotent", prop.ForAll(
		func(words []string, ids []int, vals []string) bool {
			values := Values{
				Resources: map[string]string{},
				Outputs:   map[string]string{},
				Tools:     map[string]string{},
			}
			var b strings.Builder
			for i, w := range words {
				b.WriteString(w)
				if len(ids) == 0 {
					continue
				}
				n := ids[i%len(ids)]
				v := ""
				if len(vals) > 0 {
					v = vals[i%len(vals)]
				}
				switch i % 3 {
				case 0:
					values.Resources[kit.ResourceID(n)] = v
					fmt.Fprintf(&b, "{%s}", kit.ResourceID(n))
				case 1:
					values.Outputs[kit.OutputID(n)] = v
					fmt.Fprintf(&b, "{%s}", kit.OutputID(n))
				default:
					values.Tools[kit.ToolID(n)] = v
					fmt.Fprintf(&b, "{%s}", kit.ToolID(n))
				}
			}
			once := Resolve(b.String(), values)
			twice := Resolve(once.Text, values)
			return once.Text == twice.Text && len(once.Unresolved) == 0
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.IntRange(1, 20)),
		gen.SliceOf(value),
	))
	properties.TestingRun(t)
}

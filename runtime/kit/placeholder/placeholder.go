// Package placeholder substitutes {resource_N}, {workflow_N} and {tool_N}
// tokens in prompt templates.
//
// Resolution is a single non-recursive pass: substituted values are never
// scanned again, so a step output that happens to contain "{workflow_1}" is
// inserted verbatim. Tokens without a known value are left in place and
// reported so callers can warn about them.
package placeholder

import (
	"regexp"
	"strings"

	"github.com/clerkhq/clerk/runtime/kit"
)

type (
	// Values holds the substitution mappings keyed by placeholder id
	// (e.g. "resource_1").
	Values struct {
		Resources map[string]string
		Outputs   map[string]string
		Tools     map[string]string
	}

	// Result is the outcome of a resolution.
	Result struct {
		// Text is the template with every known token substituted.
		Text string
		// Unresolved lists the ids of well-formed tokens that had no value,
		// in order of first appearance and without duplicates.
		Unresolved []string
	}
)

var tokenPattern = regexp.MustCompile(`\{((?:resource|workflow|tool)_[0-9]+)\}`)

// Resolve substitutes every known token in template.
func Resolve(template string, values Values) Result {
	var unresolved []string
	seen := make(map[string]struct{})
	text := tokenPattern.ReplaceAllStringFunc(template, func(tok string) string {
		id := tok[1 : len(tok)-1]
		if v, ok := values.Lookup(id); ok {
			return v
		}
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			unresolved = append(unresolved, id)
		}
		return tok
	})
	return Result{Text: text, Unresolved: unresolved}
}

// Tokens returns the distinct ids referenced by template in order of first
// appearance.
func Tokens(template string) []string {
	matches := tokenPattern.FindAllStringSubmatch(template, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		if _, dup := seen[m[1]]; dup {
			continue
		}
		seen[m[1]] = struct{}{}
		out = append(out, m[1])
	}
	return out
}

// Lookup returns the value for a placeholder id, routing by prefix.
func (v Values) Lookup(id string) (string, bool) {
	var m map[string]string
	switch {
	case strings.HasPrefix(id, kit.ResourcePrefix):
		m = v.Resources
	case strings.HasPrefix(id, kit.OutputPrefix):
		m = v.Outputs
	case strings.HasPrefix(id, kit.ToolPrefix):
		m = v.Tools
	}
	val, ok := m[id]
	return val, ok
}

// ForwardReferences reports, for each step, output tokens that refer to the
// step itself or a later step. Such references can never resolve during
// sequential execution.
func ForwardReferences(def *kit.Definition) map[int][]string {
	out := make(map[int][]string)
	for _, s := range def.Steps {
		for _, id := range Tokens(s.Prompt) {
			prefix, n, ok := kit.ParseID(id)
			if ok && prefix == kit.OutputPrefix && n >= s.Number {
				out[s.Number] = append(out[s.Number], id)
			}
		}
	}
	return out
}

// Package policy provides a tools.Policy that enforces optional allow and
// block lists over tool names and registration tags. It covers the common
// case where operators want to disable some tools, for example every MCP tool
// of one server, without editing kits.
package policy

import (
	"errors"
	"strings"

	"github.com/clerkhq/clerk/runtime/kit/tools"
)

// Options configures the policy.
type Options struct {
	// AllowTags restricts tools to those carrying one of these tags. Empty
	// means no tag filter.
	AllowTags []string `yaml:"allow_tags"`
	// BlockTags excludes tools carrying any of these tags.
	BlockTags []string `yaml:"block_tags"`
	// AllowTools explicitly allowlists tool names. Takes precedence over
	// AllowTags.
	AllowTools []string `yaml:"allow"`
	// BlockTools explicitly blocks tool names.
	BlockTools []string `yaml:"block"`
}

// Policy implements tools.Policy with allow/block filtering.
type Policy struct {
	allowTags  map[string]struct{}
	blockTags  map[string]struct{}
	allowTools map[string]struct{}
	blockTools map[string]struct{}
}

var (
	_ tools.Policy = (*Policy)(nil)

	errBlockedName = errors.New("name is blocked")
	errBlockedTag  = errors.New("tag is blocked")
	errNotAllowed  = errors.New("not in the allow list")
)

// New builds a Policy from opts. It returns nil when opts filter nothing so
// callers can skip installing it.
func New(opts Options) *Policy {
	p := &Policy{
		allowTags:  toSet(opts.AllowTags),
		blockTags:  toSet(opts.BlockTags),
		allowTools: toSet(opts.AllowTools),
		blockTools: toSet(opts.BlockTools),
	}
	if p.allowTags == nil && p.blockTags == nil && p.allowTools == nil && p.blockTools == nil {
		return nil
	}
	return p
}

// Allow implements tools.Policy. Block lists win over allow lists.
func (p *Policy) Allow(name string, tags []string) error {
	if p == nil {
		return nil
	}
	if _, blocked := p.blockTools[name]; blocked {
		return errBlockedName
	}
	for _, tag := range tags {
		if _, blocked := p.blockTags[tag]; blocked {
			return errBlockedTag
		}
	}
	if len(p.allowTools) > 0 {
		if _, ok := p.allowTools[name]; ok {
			return nil
		}
		if len(p.allowTags) == 0 {
			return errNotAllowed
		}
	}
	if len(p.allowTags) > 0 {
		for _, tag := range tags {
			if _, ok := p.allowTags[tag]; ok {
				return nil
			}
		}
		return errNotAllowed
	}
	return nil
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

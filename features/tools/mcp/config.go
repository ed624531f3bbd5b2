package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the configuration read from the working directory
// when no path is given.
const DefaultConfigFile = "mcp_servers.json"

type (
	// Config lists the MCP servers whose tools are exposed to kits.
	Config struct {
		Servers map[string]ServerConfig `json:"mcpServers" yaml:"mcpServers"`
	}

	// ServerConfig describes one server. Command launches a stdio server;
	// URL reaches a streamable HTTP server. Exactly one must be set.
	ServerConfig struct {
		Command string            `json:"command,omitempty" yaml:"command,omitempty"`
		Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
		Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
		Dir     string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
		URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
		Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
		// Disabled servers are skipped.
		Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	}
)

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadConfig reads the configuration at path. A missing file yields an empty
// configuration. Files ending in .yaml or .yml are parsed as YAML, anything
// else as JSON. ${VAR} placeholders are expanded from the environment.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFile
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mcp config: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	return ParseConfig(data, ext == ".yaml" || ext == ".yml", os.LookupEnv)
}

// ParseConfig decodes data and expands placeholders with lookup. Unset
// variables expand to the empty string.
func ParseConfig(data []byte, isYAML bool, lookup func(string) (string, bool)) (*Config, error) {
	var cfg Config
	var err error
	if isYAML {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("decode mcp config: %w", err)
	}
	for name, sc := range cfg.Servers {
		sc.expand(lookup)
		if err := sc.validate(); err != nil {
			return nil, fmt.Errorf("mcp server %q: %w", name, err)
		}
		cfg.Servers[name] = sc
	}
	return &cfg, nil
}

// Names returns the enabled server names in sorted order.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Servers))
	for n, sc := range c.Servers {
		if !sc.Disabled {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

func (sc *ServerConfig) validate() error {
	switch {
	case sc.Command == "" && sc.URL == "":
		return errors.New("command or url is required")
	case sc.Command != "" && sc.URL != "":
		return errors.New("command and url are mutually exclusive")
	}
	return nil
}

func (sc *ServerConfig) expand(lookup func(string) (string, bool)) {
	x := func(s string) string {
		return placeholder.ReplaceAllStringFunc(s, func(m string) string {
			v, _ := lookup(m[2 : len(m)-1])
			return v
		})
	}
	sc.Command = x(sc.Command)
	sc.URL = x(sc.URL)
	sc.Dir = x(sc.Dir)
	for i, a := range sc.Args {
		sc.Args[i] = x(a)
	}
	for k, v := range sc.Env {
		sc.Env[k] = x(v)
	}
	for k, v := range sc.Headers {
		sc.Headers[k] = x(v)
	}
}

// environ renders Env as sorted KEY=VALUE pairs.
func (sc ServerConfig) environ() []string {
	env := make([]string, 0, len(sc.Env))
	for k, v := range sc.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

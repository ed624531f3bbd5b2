// Package web provides the built-in web reading tools: read_url fetches a
// page and reduces HTML to text, jina_reader fetches it through the Jina
// Reader service for sites that block plain clients.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/clerkhq/clerk/runtime/kit/model"
	"github.com/clerkhq/clerk/runtime/kit/tools"
)

const (
	// ReadURLName is the registry name of the direct fetch tool.
	ReadURLName = "read_url"
	// JinaReaderName is the registry name of the Jina Reader tool.
	JinaReaderName = "jina_reader"
	// DefaultJinaEndpoint prefixes the target URL for Jina Reader.
	DefaultJinaEndpoint = "https://r.jina.ai/"
	// DefaultMaxBytes bounds the body read from a page.
	DefaultMaxBytes = 2 << 20
	userAgent       = "CLERK/1.0 (Reasoning Kit Tool)"
)

type (
	// Config is the per-attachment configuration of both tools.
	Config struct {
		// TimeoutSeconds bounds a fetch. Defaults to 30 for read_url and 60
		// for jina_reader.
		TimeoutSeconds int `json:"timeout_seconds,omitempty"`
		// MaxBytes bounds the body read. Defaults to DefaultMaxBytes.
		MaxBytes int64 `json:"max_bytes,omitempty"`
		// APIKey is sent to Jina Reader as a bearer token when set.
		APIKey string `json:"api_key,omitempty"`
		// Endpoint overrides DefaultJinaEndpoint.
		Endpoint string `json:"endpoint,omitempty"`
	}

	args struct {
		URL string `json:"url"`
	}

	fetcher struct {
		client   *http.Client
		maxBytes int64
	}
)

var urlSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"url": map[string]any{
			"type":        "string",
			"description": "The URL of the website to read.",
		},
	},
	"required":             []any{"url"},
	"additionalProperties": false,
}

// Tags labels the web tools in the registry.
var Tags = []string{"builtin", "web"}

// Register adds read_url and jina_reader to r. client may be nil. A non-empty
// jinaKey is used by jina_reader attachments that configure no api_key.
func Register(r *tools.Registry, client *http.Client, jinaKey string) error {
	if err := r.Register(ReadURLName, ReadURLFactory(client), Tags...); err != nil {
		return err
	}
	return r.Register(JinaReaderName, jinaReaderFactory(client, jinaKey), Tags...)
}

// ReadURLFactory builds read_url capabilities.
func ReadURLFactory(client *http.Client) tools.Factory {
	return func(_ context.Context, raw json.RawMessage) (tools.Capability, error) {
		cfg, err := parseConfig(raw)
		if err != nil {
			return nil, err
		}
		f := newFetcher(client, cfg, 30*time.Second)
		return &tools.CapabilityFunc{
			Def: model.ToolDefinition{
				Name:        ReadURLName,
				Description: "Read the content of a website and return its text. Useful for fetching information from web pages.",
				InputSchema: urlSchema,
			},
			Func: func(ctx context.Context, in json.RawMessage) (*tools.Result, error) {
				target, res := targetURL(in)
				if res != nil {
					return res, nil
				}
				body, ctype, err := f.get(ctx, target, nil)
				if err != nil {
					return &tools.Result{Content: "Error: " + err.Error(), IsError: true}, nil
				}
				if strings.Contains(ctype, "html") {
					return &tools.Result{Content: HTMLText(body)}, nil
				}
				return &tools.Result{Content: string(body)}, nil
			},
		}, nil
	}
}

// JinaReaderFactory builds jina_reader capabilities.
func JinaReaderFactory(client *http.Client) tools.Factory {
	return jinaReaderFactory(client, "")
}

func jinaReaderFactory(client *http.Client, defaultKey string) tools.Factory {
	return func(_ context.Context, raw json.RawMessage) (tools.Capability, error) {
		cfg, err := parseConfig(raw)
		if err != nil {
			return nil, err
		}
		if cfg.APIKey == "" {
			cfg.APIKey = defaultKey
		}
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = DefaultJinaEndpoint
		}
		headers := http.Header{"Accept": []string{"text/markdown"}}
		if cfg.APIKey != "" {
			headers.Set("Authorization", "Bearer "+cfg.APIKey)
		}
		f := newFetcher(client, cfg, 60*time.Second)
		return &tools.CapabilityFunc{
			Def: model.ToolDefinition{
				Name: JinaReaderName,
				Description: "Read the content of a strict or JS-heavy website using Jina Reader API. " +
					"Bypasses bot protections (like Cloudflare) and returns clean Markdown. Use this when read_url fails.",
				InputSchema: urlSchema,
			},
			Func: func(ctx context.Context, in json.RawMessage) (*tools.Result, error) {
				target, res := targetURL(in)
				if res != nil {
					return res, nil
				}
				body, _, err := f.get(ctx, endpoint+target, headers)
				if err != nil {
					return &tools.Result{Content: "Error: Jina Reader: " + err.Error(), IsError: true}, nil
				}
				return &tools.Result{Content: string(body)}, nil
			},
		}, nil
	}
}

func parseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if len(raw) == 0 || string(raw) == "null" {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("web tool configuration: %w", err)
	}
	if cfg.TimeoutSeconds < 0 || cfg.MaxBytes < 0 {
		return cfg, errors.New("web tool configuration: limits must be positive")
	}
	return cfg, nil
}

func newFetcher(client *http.Client, cfg Config, timeout time.Duration) *fetcher {
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	c := &http.Client{Timeout: timeout}
	if client != nil {
		cp := *client
		cp.Timeout = timeout
		c = &cp
	}
	maxBytes := cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = DefaultMaxBytes
	}
	return &fetcher{client: c, maxBytes: maxBytes}
}

// targetURL decodes and checks the tool arguments. A non-nil result is an
// error to hand back to the model.
func targetURL(in json.RawMessage) (string, *tools.Result) {
	var a args
	if err := json.Unmarshal(in, &a); err != nil || strings.TrimSpace(a.URL) == "" {
		return "", &tools.Result{Content: "Error: No URL provided.", IsError: true}
	}
	u, err := url.Parse(strings.TrimSpace(a.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", &tools.Result{Content: fmt.Sprintf("Error: %q is not an http(s) URL.", a.URL), IsError: true}
	}
	return u.String(), nil
}

func (f *fetcher) get(ctx context.Context, target string, headers http.Header) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", userAgent)
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("could not fetch URL: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, "", fmt.Errorf("could not read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, "", fmt.Errorf("HTTP %d when fetching %s: %s", resp.StatusCode, target, strings.TrimSpace(snippet))
	}
	return body, resp.Header.Get("Content-Type"), nil
}

var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
	atom.Template: true,
}

// HTMLText returns the visible text of an HTML document, one non-empty line
// per text run. Script, style and page chrome elements are dropped.
func HTMLText(doc []byte) string {
	z := html.NewTokenizer(strings.NewReader(string(doc)))
	var (
		lines []string
		depth int
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(lines, "\n")
		case html.StartTagToken:
			name, _ := z.TagName()
			if skipped[atom.Lookup(name)] {
				depth++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if skipped[atom.Lookup(name)] && depth > 0 {
				depth--
			}
		case html.TextToken:
			if depth > 0 {
				continue
			}
			for _, l := range strings.Split(string(z.Text()), "\n") {
				if l = strings.Join(strings.Fields(l), " "); l != "" {
					lines = append(lines, l)
				}
			}
		}
	}
}

// Package mcp exposes the tools of Model Context Protocol servers to kits.
//
// Each configured server is started (stdio) or dialed (HTTP) once, its tools
// are discovered with tools/list and every tool is registered in a
// tools.Registry under its own name. Sessions stay open until the Manager is
// closed.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clerkhq/clerk/runtime/kit/model"
	"github.com/clerkhq/clerk/runtime/kit/tools"
)

type (
	// Server is an initialized session with one MCP server.
	Server struct {
		name  string
		sess  session
		tools []ToolInfo
	}

	// ConnectOptions tunes the handshake.
	ConnectOptions struct {
		ProtocolVersion string
		ClientName      string
		ClientVersion   string
		// InitTimeout bounds initialize and tools/list. Defaults to 30s.
		InitTimeout time.Duration
	}
)

// Connect starts or dials the server described by sc, performs the
// initialize handshake and lists its tools.
func Connect(ctx context.Context, name string, sc ServerConfig, opts ConnectOptions) (*Server, error) {
	if err := sc.validate(); err != nil {
		return nil, err
	}
	var (
		sess session
		err  error
	)
	if sc.Command != "" {
		sess, err = startStdio(StdioOptions{Command: sc.Command, Args: sc.Args, Env: sc.environ(), Dir: sc.Dir})
	} else {
		sess, err = newHTTPSession(HTTPOptions{Endpoint: sc.URL, Headers: sc.Headers})
	}
	if err != nil {
		return nil, fmt.Errorf("start mcp server %s: %w", name, err)
	}
	s, err := handshake(ctx, name, sess, opts)
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	return s, nil
}

func handshake(ctx context.Context, name string, sess session, opts ConnectOptions) (*Server, error) {
	timeout := opts.InitTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params := initializeParams(opts.ProtocolVersion, opts.ClientName, opts.ClientVersion)
	if err := sess.call(ctx, "initialize", params, nil); err != nil {
		return nil, fmt.Errorf("mcp initialize %s: %w", name, err)
	}
	if err := sess.notify(ctx, "notifications/initialized", nil); err != nil {
		return nil, fmt.Errorf("mcp initialized %s: %w", name, err)
	}
	s := &Server{name: name, sess: sess}
	cursor := ""
	for {
		var params map[string]any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		var page toolsListResult
		if err := sess.call(ctx, "tools/list", params, &page); err != nil {
			return nil, fmt.Errorf("mcp tools/list %s: %w", name, err)
		}
		s.tools = append(s.tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			break
		}
		cursor = page.NextCursor
	}
	return s, nil
}

// Name returns the configured server name.
func (s *Server) Name() string { return s.name }

// Tools returns the tools advertised by the server.
func (s *Server) Tools() []ToolInfo { return append([]ToolInfo(nil), s.tools...) }

// Call invokes tool with JSON arguments. Tool-level failures reported by
// the server are returned as an error Result; transport and protocol
// failures are returned as errors.
func (s *Server) Call(ctx context.Context, tool string, args json.RawMessage) (*tools.Result, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	params := map[string]any{"name": tool, "arguments": args}
	addTraceMeta(ctx, params)
	var res toolsCallResult
	if err := s.sess.call(ctx, "tools/call", params, &res); err != nil {
		return nil, err
	}
	if res.IsError {
		return &tools.Result{Content: fmt.Sprintf("Error from MCP tool %s: %s", tool, res.text()), IsError: true}, nil
	}
	return &tools.Result{Content: res.text()}, nil
}

// Close ends the session.
func (s *Server) Close() error { return s.sess.Close() }

// capability binds one tool of s. MCP tools carry their own configuration,
// so attachment configuration is ignored.
func (s *Server) capability(info ToolInfo) tools.Capability {
	desc := info.Description
	if desc == "" {
		desc = "MCP tool: " + info.Name
	}
	schema := info.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	def := model.ToolDefinition{Name: info.Name, Description: desc, InputSchema: schema}
	return &tools.CapabilityFunc{
		Def: def,
		Func: func(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
			return s.Call(ctx, info.Name, args)
		},
	}
}

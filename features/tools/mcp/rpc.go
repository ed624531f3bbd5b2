package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultProtocolVersion is the MCP protocol version announced during
// initialize when none is configured.
const DefaultProtocolVersion = "2024-11-05"

type (
	// Error is a JSON-RPC error returned by an MCP server.
	Error struct {
		Code    int
		Message string
	}

	rpcRequest struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		ID      uint64 `json:"id,omitempty"`
		Params  any    `json:"params,omitempty"`
	}

	// rpcMessage is any inbound frame: a response to one of our requests or
	// a request/notification initiated by the server.
	rpcMessage struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id,omitempty"`
		Method  string          `json:"method,omitempty"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *rpcError       `json:"error,omitempty"`
	}

	rpcReply struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  any             `json:"result,omitempty"`
		Error   *rpcError       `json:"error,omitempty"`
	}

	rpcError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}

	// ToolInfo describes a tool advertised by tools/list.
	ToolInfo struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		InputSchema map[string]any `json:"inputSchema,omitempty"`
	}

	toolsListResult struct {
		Tools      []ToolInfo `json:"tools"`
		NextCursor string     `json:"nextCursor,omitempty"`
	}

	toolsCallResult struct {
		Content []contentItem `json:"content"`
		IsError bool          `json:"isError"`
	}

	contentItem struct {
		Type     string  `json:"type"`
		Text     *string `json:"text,omitempty"`
		MimeType *string `json:"mimeType,omitempty"`
		Data     string  `json:"data,omitempty"`
		URI      string  `json:"uri,omitempty"`
	}
)

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

func (e *rpcError) callerError() *Error {
	if e == nil {
		return nil
	}
	return &Error{Code: e.Code, Message: e.Message}
}

// numericID extracts the request id of a response. Servers echo our numeric
// ids; anything else is not a response to us.
func (m rpcMessage) numericID() (uint64, bool) {
	if len(m.ID) == 0 {
		return 0, false
	}
	var id uint64
	if err := json.Unmarshal(m.ID, &id); err != nil {
		return 0, false
	}
	return id, true
}

// isRequest reports whether m was initiated by the server.
func (m rpcMessage) isRequest() bool { return m.Method != "" }

// text flattens the result content for the model. Text items are joined by
// newlines; other items are rendered as their JSON form so images and
// resources remain visible without being decoded.
func (r toolsCallResult) text() string {
	parts := make([]string, 0, len(r.Content))
	for _, c := range r.Content {
		if c.Type == "text" && c.Text != nil {
			parts = append(parts, *c.Text)
			continue
		}
		raw, err := json.Marshal(c)
		if err != nil {
			continue
		}
		parts = append(parts, string(raw))
	}
	return strings.Join(parts, "\n")
}

func initializeParams(protocol, name, version string) map[string]any {
	if protocol == "" {
		protocol = DefaultProtocolVersion
	}
	if name == "" {
		name = "clerk"
	}
	if version == "" {
		version = "dev"
	}
	return map[string]any{
		"protocolVersion": protocol,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    name,
			"version": version,
		},
	}
}

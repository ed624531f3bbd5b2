package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type (
	// HTTPOptions configures a server reached over the streamable HTTP
	// transport. Responses may be plain JSON or a text/event-stream.
	HTTPOptions struct {
		Endpoint string
		Headers  map[string]string
		Client   *http.Client
	}

	httpSession struct {
		endpoint string
		headers  map[string]string
		client   *http.Client
		id       uint64

		mu        sync.Mutex
		sessionID string
	}
)

const sessionHeader = "Mcp-Session-Id"

func newHTTPSession(opts HTTPOptions) (*httpSession, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("url is required")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &httpSession{endpoint: opts.Endpoint, headers: opts.Headers, client: client}, nil
}

func (s *httpSession) call(ctx context.Context, method string, params any, result any) error {
	id := atomic.AddUint64(&s.id, 1)
	resp, err := s.post(ctx, rpcRequest{JSONRPC: "2.0", Method: method, ID: id, Params: params})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	var msg rpcMessage
	if strings.HasPrefix(strings.ToLower(resp.Header.Get("Content-Type")), "text/event-stream") {
		msg, err = readStreamResponse(resp.Body, id)
	} else {
		err = json.NewDecoder(resp.Body).Decode(&msg)
	}
	if err != nil {
		return fmt.Errorf("mcp %s: %w", method, err)
	}
	if msg.Error != nil {
		return msg.Error.callerError()
	}
	if result != nil && len(msg.Result) > 0 {
		return json.Unmarshal(msg.Result, result)
	}
	return nil
}

func (s *httpSession) notify(ctx context.Context, method string, params any) error {
	resp, err := s.post(ctx, rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// Close ends the server-side session when one was assigned.
func (s *httpSession) Close() error {
	s.mu.Lock()
	sid := s.sessionID
	s.mu.Unlock()
	if sid == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set(sessionHeader, sid)
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (s *httpSession) post(ctx context.Context, msg rpcRequest) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	s.mu.Lock()
	if s.sessionID != "" {
		req.Header.Set(sessionHeader, s.sessionID)
	}
	s.mu.Unlock()
	injectTraceHeaders(ctx, req.Header)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if sid := resp.Header.Get(sessionHeader); sid != "" {
		s.mu.Lock()
		s.sessionID = sid
		s.mu.Unlock()
	}
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("mcp %s: status %d: %s", msg.Method, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return resp, nil
}

// readStreamResponse reads server-sent events until the response carrying
// id arrives. Interleaved notifications and requests are skipped.
func readStreamResponse(body io.Reader, id uint64) (rpcMessage, error) {
	reader := bufio.NewReader(body)
	for {
		data, err := readSSEData(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return rpcMessage{}, errors.New("event stream closed before response")
			}
			return rpcMessage{}, err
		}
		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if got, ok := msg.numericID(); ok && got == id && !msg.isRequest() {
			return msg, nil
		}
	}
}

// readSSEData returns the data of the next event.
func readSSEData(reader *bufio.Reader) ([]byte, error) {
	var data []byte
	for {
		line, err := reader.ReadString('\n')
		if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(data) == 0 {
				if err != nil {
					return nil, err
				}
				continue
			}
			return data, nil
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, strings.TrimPrefix(after, " ")...)
		}
		if err != nil {
			return data, nil
		}
	}
}

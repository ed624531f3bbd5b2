package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

type (
	// session is a JSON-RPC connection to one MCP server.
	session interface {
		call(ctx context.Context, method string, params any, result any) error
		notify(ctx context.Context, method string, params any) error
		Close() error
	}

	// StdioOptions configures a server launched as a subprocess. Messages
	// are newline-delimited JSON on the process stdin and stdout.
	StdioOptions struct {
		Command string
		Args    []string
		// Env is appended to the current environment as KEY=VALUE pairs.
		Env []string
		Dir string
	}

	stdioSession struct {
		cmd        *exec.Cmd
		stdin      io.WriteCloser
		pending    map[uint64]chan callResult
		pendingMu  sync.Mutex
		writeMu    sync.Mutex
		nextID     uint64
		closed     chan struct{}
		closeOnce  sync.Once
		closeErr   error
		closeErrMu sync.Mutex
	}

	callResult struct {
		msg rpcMessage
		err error
	}
)

// maxFrame bounds a single stdio message.
const maxFrame = 16 << 20

// startStdio launches the command. The process outlives ctx; Close stops it.
func startStdio(opts StdioOptions) (*stdioSession, error) {
	if opts.Command == "" {
		return nil, errors.New("command is required")
	}
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	s := &stdioSession{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[uint64]chan callResult),
		closed:  make(chan struct{}),
	}
	go s.readLoop(stdout)
	return s, nil
}

// Close terminates the server process.
func (s *stdioSession) Close() error {
	s.closeOnce.Do(func() {
		_ = s.stdin.Close()
		done := make(chan struct{})
		go func() {
			_ = s.cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			_ = s.cmd.Process.Kill()
			<-done
		}
		close(s.closed)
	})
	return nil
}

func (s *stdioSession) call(ctx context.Context, method string, params any, result any) error {
	id := s.next()
	ch := make(chan callResult, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()

	if err := s.write(rpcRequest{JSONRPC: "2.0", Method: method, ID: id, Params: params}); err != nil {
		s.removePending(id)
		return err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if res.msg.Error != nil {
			return res.msg.Error.callerError()
		}
		if result != nil && len(res.msg.Result) > 0 {
			return json.Unmarshal(res.msg.Result, result)
		}
		return nil
	case <-ctx.Done():
		s.removePending(id)
		return ctx.Err()
	case <-s.closed:
		return s.closeError()
	}
}

func (s *stdioSession) notify(_ context.Context, method string, params any) error {
	return s.write(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (s *stdioSession) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.stdin.Write(data)
	return err
}

func (s *stdioSession) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), maxFrame)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			// Servers may log to stdout; skip anything that is not JSON-RPC.
			continue
		}
		if msg.isRequest() {
			s.answer(msg)
			continue
		}
		id, ok := msg.numericID()
		if !ok {
			continue
		}
		s.pendingMu.Lock()
		ch, ok := s.pending[id]
		if ok {
			delete(s.pending, id)
		}
		s.pendingMu.Unlock()
		if ok {
			ch <- callResult{msg: msg}
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	s.failPending(err)
}

// answer replies to server-initiated requests. ping is acknowledged; every
// other method is unsupported by this client. Notifications get no reply.
func (s *stdioSession) answer(msg rpcMessage) {
	if len(msg.ID) == 0 {
		return
	}
	reply := rpcReply{JSONRPC: "2.0", ID: msg.ID}
	if msg.Method == "ping" {
		reply.Result = map[string]any{}
	} else {
		reply.Error = &rpcError{Code: -32601, Message: "method not found: " + msg.Method}
	}
	_ = s.write(reply)
}

func (s *stdioSession) failPending(err error) {
	s.setCloseError(err)
	s.pendingMu.Lock()
	for id, ch := range s.pending {
		delete(s.pending, id)
		ch <- callResult{err: err}
	}
	s.pendingMu.Unlock()
	go func() { _ = s.Close() }()
}

func (s *stdioSession) removePending(id uint64) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

func (s *stdioSession) next() uint64 {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.nextID++
	return s.nextID
}

func (s *stdioSession) setCloseError(err error) {
	s.closeErrMu.Lock()
	if s.closeErr == nil {
		s.closeErr = err
	}
	s.closeErrMu.Unlock()
}

func (s *stdioSession) closeError() error {
	s.closeErrMu.Lock()
	defer s.closeErrMu.Unlock()
	if s.closeErr == nil {
		return errors.New("mcp server process exited")
	}
	return s.closeErr
}

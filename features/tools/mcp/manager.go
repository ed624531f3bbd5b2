package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/clerkhq/clerk/runtime/kit/telemetry"
	"github.com/clerkhq/clerk/runtime/kit/tools"
)

// Manager owns the sessions of every configured server.
type Manager struct {
	logger telemetry.Logger

	mu      sync.Mutex
	servers []*Server
}

// Start connects every enabled server of cfg. A server that fails to start
// is logged and skipped so one broken entry does not disable the others.
func Start(ctx context.Context, cfg *Config, opts ConnectOptions, logger telemetry.Logger) *Manager {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	m := &Manager{logger: logger}
	if cfg == nil {
		return m
	}
	for _, name := range cfg.Names() {
		s, err := Connect(ctx, name, cfg.Servers[name], opts)
		if err != nil {
			logger.Error(ctx, "mcp server unavailable", "server", name, "err", err)
			continue
		}
		logger.Info(ctx, "mcp server ready", "server", name, "tools", len(s.tools))
		m.servers = append(m.servers, s)
	}
	return m
}

// Servers returns the connected servers.
func (m *Manager) Servers() []*Server {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Server(nil), m.servers...)
}

// Register adds a factory for every discovered tool, tagged "mcp" and
// "mcp:<server>". A tool whose name is already registered (a built-in or a
// tool of an earlier server) is skipped with a warning.
func (m *Manager) Register(ctx context.Context, r *tools.Registry) error {
	for _, s := range m.Servers() {
		for _, info := range s.tools {
			c := s.capability(info)
			err := r.Register(info.Name, func(context.Context, json.RawMessage) (tools.Capability, error) {
				return c, nil
			}, "mcp", "mcp:"+s.name)
			if errors.Is(err, tools.ErrDuplicateTool) {
				m.logger.Warn(ctx, "mcp tool shadowed", "server", s.name, "tool", info.Name)
				continue
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// Close ends every session.
func (m *Manager) Close() error {
	m.mu.Lock()
	servers := m.servers
	m.servers = nil
	m.mu.Unlock()
	var errs []error
	for _, s := range servers {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

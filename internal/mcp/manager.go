package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dchu3/base-mcp-bot/internal/metrics"
)

// Catalog is an immutable snapshot of every tool declared by every ready
// server. Consumers see either the old or the new full view, never a partial
// one.
type Catalog struct {
	specs []ToolSpec
	index map[string]ToolSpec
}

func catalogKey(server, tool string) string {
	return server + "/" + tool
}

// Tools returns all specs in the snapshot, ordered by server then tool name.
func (c *Catalog) Tools() []ToolSpec {
	out := make([]ToolSpec, len(c.specs))
	copy(out, c.specs)
	return out
}

// Lookup finds a spec by (server, tool).
func (c *Catalog) Lookup(server, tool string) (ToolSpec, bool) {
	spec, ok := c.index[catalogKey(server, tool)]
	return spec, ok
}

// Manager owns the tool-server pool and the global tool catalog.
type Manager struct {
	logger  *slog.Logger
	servers map[string]*Server
	order   []string
	catalog atomic.Pointer[Catalog]
}

// NewManager builds a manager for the given server configurations. Servers
// are not started until Start is called.
func NewManager(configs []ServerConfig, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		logger:  logger.With("component", "mcp"),
		servers: make(map[string]*Server, len(configs)),
	}
	m.catalog.Store(&Catalog{index: map[string]ToolSpec{}})

	for _, cfg := range configs {
		if cfg.Name == "" {
			return nil, fmt.Errorf("tool server with empty name")
		}
		if _, dup := m.servers[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate tool server name %q", cfg.Name)
		}
		m.servers[cfg.Name] = newServer(cfg, m.logger, m.refreshCatalog)
		m.order = append(m.order, cfg.Name)
	}
	return m, nil
}

// Start launches all servers in parallel and waits for each to either become
// ready or fail discovery. Failed servers stay out of the catalog; calls
// against them return ServerUnavailable.
func (m *Manager) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, name := range m.order {
		srv := m.servers[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = srv.start()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	ready := 0
	for _, srv := range m.servers {
		if srv.State() == StateReady {
			ready++
		}
	}
	m.logger.Info("tool server pool started", "ready", ready, "total", len(m.servers))
	if ready == 0 && len(m.servers) > 0 {
		return fmt.Errorf("no tool server became ready")
	}
	return nil
}

// refreshCatalog rebuilds the catalog from every ready server and swaps it
// atomically.
func (m *Manager) refreshCatalog() {
	var specs []ToolSpec
	index := make(map[string]ToolSpec)

	for _, name := range m.order {
		for _, spec := range m.servers[name].Tools() {
			key := catalogKey(spec.Server, spec.Name)
			if _, dup := index[key]; dup {
				continue
			}
			index[key] = spec
			specs = append(specs, spec)
		}
	}

	sort.Slice(specs, func(i, j int) bool {
		if specs[i].Server != specs[j].Server {
			return specs[i].Server < specs[j].Server
		}
		return specs[i].Name < specs[j].Name
	})

	m.catalog.Store(&Catalog{specs: specs, index: index})
	m.logger.Debug("tool catalog refreshed", "tools", len(specs))
}

// Snapshot returns the current catalog. A planner run holds one snapshot for
// its whole lifetime; catalog changes affect only subsequent runs.
func (m *Manager) Snapshot() *Catalog {
	return m.catalog.Load()
}

// ListAllTools returns the specs of every tool on every ready server.
func (m *Manager) ListAllTools() []ToolSpec {
	return m.Snapshot().Tools()
}

// Call dispatches one tool invocation. Unknown (server, tool) pairs are
// rejected with NoSuchTool before any subprocess is touched.
func (m *Manager) Call(ctx context.Context, server, tool string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if _, ok := m.Snapshot().Lookup(server, tool); !ok {
		metrics.ToolCalls.WithLabelValues(server, string(KindNoSuchTool)).Inc()
		return nil, newCallError(KindNoSuchTool, server, tool, "tool is not in the catalog")
	}

	srv, ok := m.servers[server]
	if !ok {
		metrics.ToolCalls.WithLabelValues(server, string(KindServerUnavailable)).Inc()
		return nil, newCallError(KindServerUnavailable, server, tool, "unknown server")
	}

	result, err := srv.call(ctx, tool, params, timeout)
	if err != nil {
		metrics.ToolCalls.WithLabelValues(server, string(KindOf(err))).Inc()
		return nil, err
	}
	metrics.ToolCalls.WithLabelValues(server, "ok").Inc()
	return result, nil
}

// ServerStatus describes one server for diagnostics.
type ServerStatus struct {
	Name  string `json:"name"`
	State State  `json:"state"`
	Tools int    `json:"tools"`
}

// Status reports the state of every configured server.
func (m *Manager) Status() []ServerStatus {
	statuses := make([]ServerStatus, 0, len(m.order))
	for _, name := range m.order {
		srv := m.servers[name]
		statuses = append(statuses, ServerStatus{
			Name:  name,
			State: srv.State(),
			Tools: len(srv.Tools()),
		})
	}
	return statuses
}

// Shutdown terminates all servers in parallel: SIGTERM, then SIGKILL after
// the grace period.
func (m *Manager) Shutdown(ctx context.Context) {
	var wg sync.WaitGroup
	for _, srv := range m.servers {
		wg.Add(1)
		go func(srv *Server) {
			defer wg.Done()
			srv.shutdown(ctx)
		}(srv)
	}
	wg.Wait()
	m.catalog.Store(&Catalog{index: map[string]ToolSpec{}})
	m.logger.Info("tool server pool stopped")
}

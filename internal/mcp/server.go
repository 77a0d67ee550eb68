package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/dchu3/base-mcp-bot/internal/backoff"
	"github.com/dchu3/base-mcp-bot/internal/metrics"
)

// State is the lifecycle state of one tool server.
type State string

const (
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateFailed     State = "failed"
	StateRestarting State = "restarting"
	StateStopped    State = "stopped"
)

// shutdownGrace is how long a server gets to exit after SIGTERM before
// escalation to SIGKILL.
const shutdownGrace = 5 * time.Second

// Server owns one tool-server process: spawn, capability discovery, restart
// on crash, and teardown. All I/O goes through its transport; no other
// component touches the process streams.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger

	// onChange is invoked whenever the server's tool set becomes visible or
	// invisible, so the manager can swap the catalog.
	onChange func()

	mu    sync.Mutex
	state State
	tr    *transport
	tools []ToolSpec

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newServer(cfg ServerConfig, logger *slog.Logger, onChange func()) *Server {
	return &Server{
		cfg:      cfg.withDefaults(),
		logger:   logger.With("server", cfg.Name),
		onChange: onChange,
		state:    StateStarting,
		stopCh:   make(chan struct{}),
	}
}

// start performs the first spawn and discovery synchronously, then hands the
// lifecycle to a background monitor. A failed first start leaves the server
// in StateFailed; the monitor keeps retrying with backoff.
func (s *Server) start() error {
	err := s.spawn()
	if err != nil {
		s.setState(StateFailed, nil)
		s.logger.Error("tool server failed to start", "error", err)
	}

	s.wg.Add(1)
	go s.monitor(err != nil)

	return err
}

// spawn launches the process and runs capability discovery. On success the
// server is ready and its tools are published.
func (s *Server) spawn() error {
	tr := newTransport(s.cfg.Name, s.logger, s.cfg.MaxInflight)
	if err := tr.start(s.cfg.Command); err != nil {
		tr.close()
		return err
	}

	tools, err := s.discover(tr)
	if err != nil {
		tr.signal(syscall.SIGKILL)
		tr.close()
		return err
	}

	s.mu.Lock()
	s.state = StateReady
	s.tr = tr
	s.tools = tools
	s.mu.Unlock()

	s.logger.Info("tool server ready", "tools", len(tools))
	s.onChange()
	return nil
}

// discover waits for the server's ready signal: the first successful response
// to tools/list, within the startup timeout.
func (s *Server) discover(tr *transport) ([]ToolSpec, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StartupTimeout)
	defer cancel()

	raw, err := tr.call(ctx, "tools/list", json.RawMessage("{}"), s.cfg.StartupTimeout)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}

	tools := make([]ToolSpec, 0, len(result.Tools))
	seen := make(map[string]bool, len(result.Tools))
	for _, decl := range result.Tools {
		if decl.Name == "" {
			continue
		}
		if seen[decl.Name] {
			s.logger.Warn("duplicate tool declaration ignored", "tool", decl.Name)
			continue
		}
		seen[decl.Name] = true
		tools = append(tools, ToolSpec{
			Server:      s.cfg.Name,
			Name:        decl.Name,
			Description: decl.Description,
			InputSchema: decl.InputSchema,
		})
	}
	return tools, nil
}

// monitor watches the running transport and restarts the server with
// exponential backoff after a crash or a triple protocol fault.
func (s *Server) monitor(startFailed bool) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopCh
		cancel()
	}()

	attempt := 0
	if startFailed {
		attempt = 1
	}
	policy := backoff.RestartPolicy()

	for {
		if attempt == 0 {
			tr := s.transport()

			select {
			case <-s.stopCh:
				return
			case <-tr.protocolFault():
				s.logger.Warn("triple protocol fault, restarting server")
				tr.signal(syscall.SIGKILL)
				<-tr.done()
			case <-tr.done():
				s.logger.Warn("tool server exited unexpectedly")
			}

			select {
			case <-s.stopCh:
				return
			default:
			}

			tr.close()
			s.setState(StateRestarting, nil)
			s.onChange()
			attempt = 1
		}

		metrics.ServerRestarts.WithLabelValues(s.cfg.Name).Inc()
		if err := backoff.SleepAttempt(ctx, policy, attempt); err != nil {
			return
		}

		s.logger.Info("restarting tool server", "attempt", attempt)
		if err := s.spawn(); err != nil {
			s.logger.Warn("restart failed", "attempt", attempt, "error", err)
			s.setState(StateFailed, nil)
			attempt++
			continue
		}
		attempt = 0
	}
}

// call dispatches one tool invocation. The method on the wire is the tool
// name itself; discovery traffic is the only reserved method.
func (s *Server) call(ctx context.Context, tool string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	s.mu.Lock()
	state := s.state
	tr := s.tr
	s.mu.Unlock()

	if state != StateReady || tr == nil {
		return nil, newCallError(KindServerUnavailable, s.cfg.Name, tool,
			fmt.Sprintf("server is %s", state))
	}

	if timeout <= 0 {
		timeout = s.cfg.CallTimeout
	}

	result, err := tr.call(ctx, tool, params, timeout)
	if err != nil {
		if ce, ok := AsCallError(err); ok && ce.Tool == "" {
			ce.Tool = tool
		}
		return nil, err
	}
	return result, nil
}

// shutdown terminates the server with SIGTERM, escalating to SIGKILL after
// the grace period. Pending callers observe ServerCrashed.
func (s *Server) shutdown(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.stopCh) })

	tr := s.transport()
	if tr != nil {
		tr.signal(syscall.SIGTERM)

		timer := time.NewTimer(shutdownGrace)
		defer timer.Stop()
		select {
		case <-tr.done():
		case <-timer.C:
			s.logger.Warn("server did not exit in time, sending SIGKILL")
			tr.signal(syscall.SIGKILL)
			<-tr.done()
		case <-ctx.Done():
			tr.signal(syscall.SIGKILL)
		}
		tr.close()
	}

	s.setState(StateStopped, nil)
	s.wg.Wait()
}

func (s *Server) transport() *transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tr
}

func (s *Server) setState(state State, tools []ToolSpec) {
	s.mu.Lock()
	s.state = state
	s.tools = tools
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Tools returns the server's declared tools, empty unless ready.
func (s *Server) Tools() []ToolSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ToolSpec, len(s.tools))
	copy(out, s.tools)
	return out
}

// Package core wires the configuration, store, tool servers, model bridge,
// and planner into one programmatic surface.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dchu3/base-mcp-bot/internal/config"
	"github.com/dchu3/base-mcp-bot/internal/llm"
	"github.com/dchu3/base-mcp-bot/internal/mcp"
	"github.com/dchu3/base-mcp-bot/internal/planner"
	"github.com/dchu3/base-mcp-bot/internal/store"
)

// RunResult is what one user turn produced.
type RunResult struct {
	AssistantText string
	ToolCallsMade int
	TerminalState planner.TerminalState
}

// Core is the assembled bot. Construct with New, release with Shutdown.
type Core struct {
	settings *config.Settings
	store    *store.Store
	sweeper  *store.Sweeper
	manager  *mcp.Manager
	planner  *planner.Planner
	logger   *slog.Logger
}

// New boots every subsystem: opens the conversation database, spawns and
// discovers the tool servers, and starts the retention sweep. The returned
// Core is ready to serve runs.
func New(ctx context.Context, settings *config.Settings, logger *slog.Logger) (*Core, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(settings.ConversationDBPath, settings.SessionIdleTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("open conversation store: %w", err)
	}

	serverConfigs := make([]mcp.ServerConfig, 0, len(settings.ToolServers))
	for _, ts := range settings.ToolServers {
		serverConfigs = append(serverConfigs, mcp.ServerConfig{
			Name:           ts.Name,
			Command:        ts.Command,
			StartupTimeout: settings.StartupTimeout,
			CallTimeout:    settings.PerCallTimeout,
			MaxInflight:    settings.MaxServerInflight,
		})
	}
	manager, err := mcp.NewManager(serverConfigs, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	if err := manager.Start(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("start tool servers: %w", err)
	}

	bridge := llm.NewOpenAIBridge(settings.LLMAPIKey, settings.LLMModelName, logger)

	p := planner.New(bridge, manager, planner.Budgets{
		MaxIterations: settings.MaxIterations,
		MaxToolCalls:  settings.MaxToolCalls,
		WallClock:     settings.RunTimeout,
		PerCall:       settings.PerCallTimeout,
	}, planner.ExtractTokens, logger)

	sweeper := store.NewSweeper(st, settings.HistoryRetention, settings.SweepInterval, logger)
	if err := sweeper.Start(); err != nil {
		manager.Shutdown(ctx)
		st.Close()
		return nil, err
	}

	return &Core{
		settings: settings,
		store:    st,
		sweeper:  sweeper,
		manager:  manager,
		planner:  p,
		logger:   logger.With("component", "core"),
	}, nil
}

// Run handles one user utterance end to end: session bookkeeping, history
// hydration, the agentic loop, and persistence of both sides of the turn.
// Storage failures are soft; the run's answer is returned regardless.
func (c *Core) Run(ctx context.Context, userKey, text string) (*RunResult, error) {
	now := time.Now().UTC()

	sessionID, err := c.store.OpenOrReuseSession(ctx, userKey, now)
	if err != nil {
		c.logger.Warn("session lookup failed, using throwaway session", "error", err)
		sessionID = "ephemeral"
	}

	history := c.hydrate(ctx, userKey)

	if err := c.store.Append(ctx, sessionID, userKey, store.RoleUser, text, nil, now); err != nil {
		c.logger.Warn("failed to persist user message", "error", err)
	}

	res := c.planner.Run(ctx, history, text)

	md := buildMetadata(res)
	if err := c.store.Append(ctx, sessionID, userKey, store.RoleAssistant, res.Text, md, time.Now().UTC()); err != nil {
		c.logger.Warn("failed to persist assistant message", "error", err)
	}

	return &RunResult{
		AssistantText: res.Text,
		ToolCallsMade: res.ToolCallsMade,
		TerminalState: res.State,
	}, nil
}

// hydrate loads the history window, degrading to no history on failure.
func (c *Core) hydrate(ctx context.Context, userKey string) []llm.Message {
	msgs, err := c.store.Recent(ctx, userKey, c.settings.HistoryWindow)
	if err != nil {
		c.logger.Warn("history hydration failed, continuing without history", "error", err)
		return nil
	}

	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		// Raw tool traffic is not replayed to the model on later turns.
		if m.Role == store.RoleTool {
			continue
		}
		out = append(out, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func buildMetadata(res *planner.Result) *store.Metadata {
	if len(res.Calls) == 0 && len(res.Entities) == 0 {
		return nil
	}

	md := &store.Metadata{}
	if len(res.Calls) > 0 {
		if data, err := json.Marshal(res.Calls); err == nil {
			md.ToolCalls = data
		}
	}
	for _, e := range res.Entities {
		md.MentionedEntities = append(md.MentionedEntities, store.Entity{
			Address: e.Address,
			Symbol:  e.Symbol,
			Name:    e.Name,
			Chain:   e.Chain,
		})
	}
	return md
}

// Clear forgets the user's conversation history.
func (c *Core) Clear(ctx context.Context, userKey string) (int64, error) {
	return c.store.Clear(ctx, userKey)
}

// Purge runs one retention sweep immediately.
func (c *Core) Purge() {
	c.sweeper.Sweep()
}

// Status reports the state of every tool server.
func (c *Core) Status() []mcp.ServerStatus {
	return c.manager.Status()
}

// Tools lists the discovered tool catalog.
func (c *Core) Tools() []mcp.ToolSpec {
	return c.manager.ListAllTools()
}

// Shutdown stops the sweeper, terminates the tool servers, and closes the
// store.
func (c *Core) Shutdown(ctx context.Context) {
	c.sweeper.Stop()
	c.manager.Shutdown(ctx)
	if err := c.store.Close(); err != nil {
		c.logger.Warn("closing store", "error", err)
	}
}

package config

import (
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("LLM_API_KEY", "test-key")
	t.Setenv("TOOL_SERVER_1_CMD", "node server.js")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if s.LLMModelName != DefaultModelName {
		t.Errorf("model = %q, want %q", s.LLMModelName, DefaultModelName)
	}
	if s.MaxIterations != 8 {
		t.Errorf("max iterations = %d, want 8", s.MaxIterations)
	}
	if s.MaxToolCalls != 30 {
		t.Errorf("max tool calls = %d, want 30", s.MaxToolCalls)
	}
	if s.RunTimeout != 90*time.Second {
		t.Errorf("run timeout = %v, want 90s", s.RunTimeout)
	}
	if s.SessionIdleTimeout != 30*time.Minute {
		t.Errorf("session idle = %v, want 30m", s.SessionIdleTimeout)
	}
	if s.HistoryRetention != 24*time.Hour {
		t.Errorf("retention = %v, want 24h", s.HistoryRetention)
	}
	if s.ConversationDBPath != "./state.db" {
		t.Errorf("db path = %q", s.ConversationDBPath)
	}
}

func TestLoadToolServers(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("TOOL_SERVER_1_NAME", "base")
	t.Setenv("TOOL_SERVER_2_CMD", "node dexscreener.js")
	// N=4 is never reached: numbering stops at the first gap.
	t.Setenv("TOOL_SERVER_4_CMD", "node orphan.js")

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(s.ToolServers) != 2 {
		t.Fatalf("got %d servers, want 2", len(s.ToolServers))
	}
	if s.ToolServers[0].Name != "base" {
		t.Errorf("server 1 name = %q, want base", s.ToolServers[0].Name)
	}
	if s.ToolServers[1].Name != "server2" {
		t.Errorf("server 2 name = %q, want server2", s.ToolServers[1].Name)
	}
}

func TestLoadMissingAPIKey(t *testing.T) {
	t.Setenv("LLM_API_KEY", "")
	t.Setenv("TOOL_SERVER_1_CMD", "node server.js")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing LLM_API_KEY")
	}
}

func TestLoadNoToolServers(t *testing.T) {
	t.Setenv("LLM_API_KEY", "test-key")
	t.Setenv("TOOL_SERVER_1_CMD", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing tool servers")
	}
}

func TestLoadOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("AGENTIC_MAX_ITERATIONS", "3")
	t.Setenv("AGENTIC_TIMEOUT_SECONDS", "120")
	t.Setenv("HISTORY_RETENTION_HOURS", "48")

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if s.MaxIterations != 3 {
		t.Errorf("max iterations = %d, want 3", s.MaxIterations)
	}
	if s.RunTimeout != 2*time.Minute {
		t.Errorf("run timeout = %v, want 2m", s.RunTimeout)
	}
	if s.HistoryRetention != 48*time.Hour {
		t.Errorf("retention = %v, want 48h", s.HistoryRetention)
	}
}

func TestDuplicateServerNames(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("TOOL_SERVER_1_NAME", "base")
	t.Setenv("TOOL_SERVER_2_CMD", "node other.js")
	t.Setenv("TOOL_SERVER_2_NAME", "base")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for duplicate server names")
	}
}

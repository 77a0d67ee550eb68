// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ToolServerConfig describes one configured tool-server process.
type ToolServerConfig struct {
	// Name identifies the server in the tool catalog and in logs.
	Name string
	// Command is the full command line used to spawn the process.
	Command string
}

// Settings is the runtime configuration for the bot core.
type Settings struct {
	LLMAPIKey    string
	LLMModelName string

	ToolServers []ToolServerConfig

	MaxIterations  int
	MaxToolCalls   int
	RunTimeout     time.Duration
	PerCallTimeout time.Duration
	StartupTimeout time.Duration

	SessionIdleTimeout time.Duration
	HistoryRetention   time.Duration
	HistoryWindow      int
	SweepInterval      time.Duration

	ConversationDBPath string
	MaxServerInflight  int

	LogLevel string
}

// Defaults mirrored in the environment key documentation.
const (
	DefaultModelName      = "gpt-4o-mini"
	DefaultMaxIterations  = 8
	DefaultMaxToolCalls   = 30
	DefaultRunTimeout     = 90 * time.Second
	DefaultPerCallTimeout = 30 * time.Second
	DefaultStartupTimeout = 30 * time.Second
	DefaultSessionIdle    = 30 * time.Minute
	DefaultRetention      = 24 * time.Hour
	DefaultHistoryWindow  = 10
	DefaultSweepInterval  = 6 * time.Hour
	DefaultDBPath         = "./state.db"
	DefaultMaxInflight    = 8
)

// LoadEnv loads a .env file from the working directory if present. Missing
// files are not an error; system environment variables always apply.
func LoadEnv() {
	_ = godotenv.Load()
}

// Load reads Settings from the environment and validates them.
func Load() (*Settings, error) {
	s := &Settings{
		LLMAPIKey:          os.Getenv("LLM_API_KEY"),
		LLMModelName:       envString("LLM_MODEL_NAME", DefaultModelName),
		MaxIterations:      envInt("AGENTIC_MAX_ITERATIONS", DefaultMaxIterations),
		MaxToolCalls:       envInt("AGENTIC_MAX_TOOL_CALLS", DefaultMaxToolCalls),
		RunTimeout:         envSeconds("AGENTIC_TIMEOUT_SECONDS", DefaultRunTimeout),
		PerCallTimeout:     envSeconds("PER_CALL_TIMEOUT_SECONDS", DefaultPerCallTimeout),
		StartupTimeout:     envSeconds("STARTUP_TIMEOUT_SECONDS", DefaultStartupTimeout),
		SessionIdleTimeout: envMinutes("SESSION_IDLE_TIMEOUT_MINUTES", DefaultSessionIdle),
		HistoryRetention:   envHours("HISTORY_RETENTION_HOURS", DefaultRetention),
		HistoryWindow:      envInt("HISTORY_WINDOW", DefaultHistoryWindow),
		SweepInterval:      envHours("SWEEP_INTERVAL_HOURS", DefaultSweepInterval),
		ConversationDBPath: envString("CONVERSATION_DB_PATH", DefaultDBPath),
		MaxServerInflight:  envInt("MAX_SERVER_INFLIGHT", DefaultMaxInflight),
		LogLevel:           envString("LOG_LEVEL", "info"),
	}

	s.ToolServers = loadToolServers()

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks required keys and bounds.
func (s *Settings) Validate() error {
	if s.LLMAPIKey == "" {
		return fmt.Errorf("LLM_API_KEY is required")
	}
	if len(s.ToolServers) == 0 {
		return fmt.Errorf("at least one TOOL_SERVER_<N>_CMD is required")
	}
	if s.MaxIterations < 1 {
		return fmt.Errorf("AGENTIC_MAX_ITERATIONS must be >= 1, got %d", s.MaxIterations)
	}
	if s.MaxToolCalls < 1 {
		return fmt.Errorf("AGENTIC_MAX_TOOL_CALLS must be >= 1, got %d", s.MaxToolCalls)
	}
	if s.RunTimeout <= 0 || s.PerCallTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	seen := map[string]bool{}
	for _, ts := range s.ToolServers {
		if ts.Command == "" {
			return fmt.Errorf("tool server %q has an empty command", ts.Name)
		}
		if seen[ts.Name] {
			return fmt.Errorf("duplicate tool server name %q", ts.Name)
		}
		seen[ts.Name] = true
	}
	return nil
}

// loadToolServers reads TOOL_SERVER_<N>_CMD keys starting at N=1 and stopping
// at the first gap. TOOL_SERVER_<N>_NAME overrides the default "server<N>".
func loadToolServers() []ToolServerConfig {
	var servers []ToolServerConfig
	for n := 1; ; n++ {
		cmd := os.Getenv(fmt.Sprintf("TOOL_SERVER_%d_CMD", n))
		if cmd == "" {
			break
		}
		name := envString(fmt.Sprintf("TOOL_SERVER_%d_NAME", n), fmt.Sprintf("server%d", n))
		servers = append(servers, ToolServerConfig{Name: name, Command: cmd})
	}
	return servers
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	return envDuration(key, fallback, time.Second)
}

func envMinutes(key string, fallback time.Duration) time.Duration {
	return envDuration(key, fallback, time.Minute)
}

func envHours(key string, fallback time.Duration) time.Duration {
	return envDuration(key, fallback, time.Hour)
}

func envDuration(key string, fallback, unit time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * unit
}

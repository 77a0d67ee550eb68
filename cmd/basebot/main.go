// Package main provides the CLI entry point for basebot, an agentic crypto
// research assistant backed by external tool servers.
//
// # Basic Usage
//
// Interactive chat:
//
//	basebot chat --user alice
//
// One-shot question:
//
//	basebot ask "what's trending on Base right now?"
//
// Inspect tool servers:
//
//	basebot status
//
// Configuration comes from the environment (a .env file in the working
// directory is honored). LLM_API_KEY and at least one TOOL_SERVER_1_CMD are
// required; see internal/config for the full key list.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dchu3/base-mcp-bot/internal/config"
	"github.com/dchu3/base-mcp-bot/internal/core"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var userKey string

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "basebot",
		Short:        "basebot - agentic tool-orchestration bot for Base token research",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&userKey, "user", "local", "User key for conversation memory")

	rootCmd.AddCommand(
		buildChatCmd(),
		buildAskCmd(),
		buildStatusCmd(),
		buildPurgeCmd(),
		buildClearCmd(),
	)
	return rootCmd
}

// boot loads configuration, configures logging, and assembles the core.
func boot(ctx context.Context) (*core.Core, error) {
	config.LoadEnv()

	settings, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(settings.LogLevel),
	}))
	slog.SetDefault(logger)

	return core.New(ctx, settings, logger)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := boot(ctx)
			if err != nil {
				return err
			}
			defer c.Shutdown(context.Background())

			fmt.Println("basebot ready. Type a question, or /quit to exit.")
			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				switch {
				case line == "":
					continue
				case line == "/quit" || line == "/exit":
					return nil
				case line == "/clear":
					n, err := c.Clear(ctx, userKey)
					if err != nil {
						fmt.Printf("clear failed: %v\n", err)
						continue
					}
					fmt.Printf("forgot %d messages\n", n)
					continue
				}

				res, err := c.Run(ctx, userKey, line)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					fmt.Printf("error: %v\n", err)
					continue
				}
				fmt.Println(res.AssistantText)
			}
		},
	}
}

func buildAskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a single question and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := boot(ctx)
			if err != nil {
				return err
			}
			defer c.Shutdown(context.Background())

			res, err := c.Run(ctx, userKey, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Println(res.AssistantText)
			return nil
		},
	}
}

func buildStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show tool servers and the discovered catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := boot(ctx)
			if err != nil {
				return err
			}
			defer c.Shutdown(context.Background())

			out := struct {
				Servers any `json:"servers"`
				Tools   any `json:"tools"`
			}{Servers: c.Status(), Tools: c.Tools()}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func buildPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Run one retention sweep over the conversation store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := boot(ctx)
			if err != nil {
				return err
			}
			defer c.Shutdown(context.Background())

			c.Purge()
			return nil
		},
	}
}

func buildClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Forget the user's conversation history",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := boot(ctx)
			if err != nil {
				return err
			}
			defer c.Shutdown(context.Background())

			n, err := c.Clear(ctx, userKey)
			if err != nil {
				return err
			}
			fmt.Printf("forgot %d messages for %s\n", n, userKey)
			return nil
		},
	}
}

// Package main provides the CLI entry point for the Crucible tool runtime.
//
// Crucible is the execution layer for multi-tenant agent platforms: a
// policy-checked tool protocol, a sandboxed job runner with live log
// streaming, and an audit trail behind every call.
//
// # Basic Usage
//
// Start the runtime:
//
//	crucible serve --config crucible.yaml
//
// # Environment Variables
//
//   - CRUCIBLE_CONFIG: Path to configuration file (default: crucible.yaml)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "crucible",
		Short: "Crucible - tool protocol and sandboxed job runner",
		Long: `Crucible runs agent tool calls through schema validation, policy
enforcement, and an execution guard, and sandboxes spawned jobs with
live log streaming and a durable audit trail.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("crucible %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func defaultConfigPath() string {
	if env := os.Getenv("CRUCIBLE_CONFIG"); env != "" {
		return env
	}
	return "crucible.yaml"
}

// Package main provides the CLI entry point for the replyhub coordinator.
//
// Replyhub generates contextual replies for conversation threads with
// Google's Gemini models. A long-running coordinator owns the credential
// store, the per-thread context cache, and the provider client; foreground
// agents talk to it over a message channel.
//
// # Basic Usage
//
// Start the coordinator:
//
//	replyhub serve --config replyhub.yaml
//
// Configure the API key:
//
//	replyhub credential set AIza...
//
// Generate a reply:
//
//	echo "are we still on for tomorrow?" | replyhub generate
//
// # Environment Variables
//
//   - REPLYHUB_CONFIG: Path to configuration file (default: replyhub.yaml)
//   - GEMINI_API_KEY: referenced by ${GEMINI_API_KEY} in the config file
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

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "replyhub",
		Short: "Replyhub - Gemini reply coordinator",
		Long: `Replyhub generates contextual replies for conversation threads.

A coordinator process owns the credential store, the context cache, and the
Gemini client; the other commands talk to it over its message channel.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildGenerateCmd(),
		buildCredentialCmd(),
		buildCacheCmd(),
		buildStatusCmd(),
	)

	return rootCmd
}

// configPath resolves the configuration file: flag, then environment, then
// the default name.
func configPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("REPLYHUB_CONFIG"); env != "" {
		return env
	}
	return "replyhub.yaml"
}

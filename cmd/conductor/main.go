// Package main implements the conductor CLI: validate and run workflow
// definitions against the orchestration core, or host an agent process
// of a given type.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pipeforge/conductor/config"
)

// Build information (set via ldflags).
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Exit codes per the CLI's documented contract.
const (
	exitSuccess       = 0
	exitValidation    = 1
	exitConfiguration = 2
	exitBusConnection = 3
	exitTimeout       = 4
	exitCancelled     = 5
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	rootCmd := &cobra.Command{
		Use:     "conductor",
		Short:   "Workflow orchestration engine for AI-driven pipelines",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	exitCode := exitSuccess
	rootCmd.AddCommand(
		newValidateCmd(logger, &exitCode),
		newRunCmd(logger, &configPath, &exitCode),
		newPipelineCmd(logger, &configPath, &exitCode),
		newAgentCmd(logger, &configPath, &exitCode),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if exitCode == exitSuccess {
			exitCode = exitValidation
		}
	}
	return exitCode
}

func loadConfig(logger *slog.Logger, configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.NewLoader(logger).Load()
}

/*
PURPOSE:
  Defines the root Cobra command for the Prompt Harness CLI.
  Handles global flags and command initialization.

REQUIREMENTS:
  User-specified:
  - Provide a CLI interface.
  - Support global flags like --config.

  Implementation-discovered:
  - Needs to expose an Execute() function for main.go.
  - Ctrl-C must reach a running tool workflow so it can be cancelled
    remotely, so the root context is tied to SIGINT/SIGTERM.

ARCHITECTURE INTEGRATION:
  - Called by: cmd/prompt-harness/main.go
  - Calls: Child commands (run, list-models, history, compare, session, ui,
    cleanup)

ERROR HANDLING:
  - Returns error to main.go for exit code handling.

IMPLEMENTATION RULES:
  - Use `PersistentFlags()` for flags available to all subcommands.
  - Keep Run logic in subcommands; they build their services via newApp.

SELF-HEALING INSTRUCTIONS:
  - If adding new global flags, add them to init().

RELATED FILES:
  - cmd/prompt-harness/main.go
  - internal/cli/app.go
*/

package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// cfgFile stores the path to the config file (if specified via flag)
	cfgFile string
	// logLevel overrides log_level from the config file
	logLevel string
	// storageDir overrides storage.dir from the config file
	storageDir string

	rootCmd = &cobra.Command{
		Use:   "prompt-harness",
		Short: "Test prompts against Bedrock or Ollama models",
		Long: `A prompt test harness. Runs prompts (optionally with a dataset) against a
model, streams or collects the answer, keeps a bounded history of results and
grades how deterministic a model is. Use 'run --help' for run options.`,
		SilenceUsage: true,
	}
)

// Execute executes the root command.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./prompt_harness.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&storageDir, "storage-dir", "", "directory for persisted state (overrides config)")
}

/*
PURPOSE:
  Defines the 'list-models' subcommand.
  Helps debug connectivity and credentials before a run.

REQUIREMENTS:
  User-specified:
  - List available models.

  Implementation-discovered:
  - Useful validation step before full run: it initializes the provider
    client the same way a run does.

ARCHITECTURE INTEGRATION:
  - Calls: engine.Invoker.Initialize, engine.ModelLister.ListModels

ERROR HANDLING:
  - Returns the initialization or listing error.

IMPLEMENTATION RULES:
  - Simple output to stdout, one id per line.

USAGE:
  prompt-harness list-models --provider ollama --ollama-url http://gpu-1:11434
*/

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daryltucker/prompt-harness/internal/engine"
)

var (
	providerOverride  string
	ollamaURLOverride string
)

var listModelsCmd = &cobra.Command{
	Use:   "list-models",
	Short: "List the models the configured provider offers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if providerOverride != "" {
			cfg.Provider = providerOverride
		}
		if ollamaURLOverride != "" {
			cfg.Ollama.URL = ollamaURLOverride
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		inv := newInvoker(cfg)
		if err := inv.Initialize(cmd.Context()); err != nil {
			return fmt.Errorf("%s: %w", cfg.Provider, err)
		}
		lister, ok := inv.(engine.ModelLister)
		if !ok {
			return fmt.Errorf("provider %s cannot list models", cfg.Provider)
		}
		models, err := lister.ListModels(cmd.Context())
		if err != nil {
			return err
		}
		for _, m := range models {
			fmt.Fprintf(cmd.OutOrStdout(), "- %s\n", m)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listModelsCmd)
	listModelsCmd.Flags().StringVar(&providerOverride, "provider", "", "Provider to query: bedrock or ollama")
	listModelsCmd.Flags().StringVar(&ollamaURLOverride, "ollama-url", "", "Ollama base URL")
}

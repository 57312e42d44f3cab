package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daryltucker/prompt-harness/internal/storage"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Evict results and outputs older than storage.max_age",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		before := a.history.Len()
		err = a.store.Cleanup(cmd.Context())
		storage.LogFailure(err, "Cleanup failed")
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d results, %d remain\n", before-a.history.Len(), a.history.Len())
		return err
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

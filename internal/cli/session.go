package cli

import (
	"github.com/spf13/cobra"

	"github.com/daryltucker/prompt-harness/internal/output"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect the current session",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show session id and activity counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()
		output.RenderSession(cmd.OutOrStdout(), a.session.Current())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionShowCmd)
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daryltucker/prompt-harness/internal/engine"
	"github.com/daryltucker/prompt-harness/internal/model"
	"github.com/daryltucker/prompt-harness/internal/output"
	"github.com/daryltucker/prompt-harness/internal/session"
	"github.com/daryltucker/prompt-harness/internal/uistate"
)

var compareCmd = &cobra.Command{
	Use:   "compare [id id]",
	Short: "Compare two results side by side",
	Long: `Compares two stored results. Without arguments the two results selected
with 'ui select' are compared.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 && len(args) != uistate.MaxComparison {
			return fmt.Errorf("want %d result ids or none, got %d", uistate.MaxComparison, len(args))
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		ids := args
		if len(ids) == 0 {
			ids = a.ui.RestoreUIState(ctx).SelectedForComparison
			if len(ids) != uistate.MaxComparison {
				return fmt.Errorf("%d results selected for comparison; select %d with 'ui select <id>'", len(ids), uistate.MaxComparison)
			}
		}

		results := make([]model.TestResult, len(ids))
		for i, id := range ids {
			r, ok := a.history.Get(id)
			if !ok {
				return fmt.Errorf("result %s not found", id)
			}
			results[i] = r
		}

		if err := a.ui.SetActiveTab(ctx, model.TabComparison); err != nil {
			return err
		}
		a.session.UpdateActivity(ctx, session.ActivityNavigation)

		sim := engine.Consistency([]string{results[0].Response, results[1].Response})
		output.RenderComparison(cmd.OutOrStdout(), results[0], results[1], sim)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(compareCmd)
}

package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/daryltucker/prompt-harness/internal/model"
	"github.com/daryltucker/prompt-harness/internal/output"
	"github.com/daryltucker/prompt-harness/internal/session"
)

var uiCmd = &cobra.Command{
	Use:   "ui",
	Short: "Inspect and change the persisted view state",
}

var uiShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active tab, comparison selection and navigation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		ui := a.ui.RestoreUIState(cmd.Context())
		output.RenderUIState(cmd.OutOrStdout(), ui, a.ui.RestoreNavigationState(cmd.Context()))
		for field, msg := range ui.ValidationErrors {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s\n", field, msg)
		}
		return nil
	},
}

var uiTabCmd = &cobra.Command{
	Use:       "tab <test|history|comparison>",
	Short:     "Switch the active tab",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(model.TabTest), string(model.TabHistory), string(model.TabComparison)},
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.ui.SetActiveTab(cmd.Context(), model.Tab(strings.ToLower(args[0]))); err != nil {
			return err
		}
		a.session.UpdateActivity(cmd.Context(), session.ActivityNavigation)
		fmt.Fprintf(cmd.OutOrStdout(), "Active tab: %s\n", args[0])
		return nil
	},
}

var uiSelectCmd = &cobra.Command{
	Use:   "select <id>",
	Short: "Toggle a result in the comparison selection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if _, ok := a.history.Get(args[0]); !ok {
			return fmt.Errorf("result %s not found", args[0])
		}
		sel := a.ui.ToggleComparison(cmd.Context(), args[0])
		a.session.UpdateActivity(cmd.Context(), session.ActivityGeneral)
		fmt.Fprintf(cmd.OutOrStdout(), "Selected: %s\n", strings.Join(sel, ", "))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(uiCmd)
	uiCmd.AddCommand(uiShowCmd, uiTabCmd, uiSelectCmd)
}

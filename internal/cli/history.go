package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daryltucker/prompt-harness/internal/output"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect and manage stored test results",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored results, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()
		sel := a.ui.RestoreUIState(cmd.Context()).SelectedForComparison
		output.RenderHistory(cmd.OutOrStdout(), a.history.List(), sel)
		return nil
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show one result (the latest when no id is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		restored, ok := a.history.Restore(id)
		if !ok {
			return fmt.Errorf("no stored results")
		}
		if id != "" && !restored.FromHistory {
			fmt.Fprintf(cmd.ErrOrStderr(), "Result %s not found; showing the latest.\n", id)
		}
		output.RenderResult(cmd.OutOrStdout(), restored.Result, true)
		return nil
	},
}

var historyOutputCmd = &cobra.Command{
	Use:   "output [id]",
	Short: "Show the saved model output of a run, including interrupted ones",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		if !a.outputs.RestoreState(cmd.Context(), id) {
			if id == "" {
				return errors.New("no saved outputs")
			}
			return fmt.Errorf("no saved output for %q", id)
		}
		snap := a.outputs.State()
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Run:    %s\nModel:  %s\nStatus: %s\n", snap.Output.TestID, snap.Config.ModelID, snap.Status)
		if snap.Output.LastError != "" {
			fmt.Fprintf(w, "Error:  %s\n", snap.Output.LastError)
		}
		fmt.Fprintf(w, "\n%s\n", snap.Output.Output)
		return nil
	},
}

var (
	exportFormat string
	exportPath   string
)

var historyExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write every stored result as JSON lines or CSV",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		w, closeWriter, err := resultWriter(exportFormat, exportPath, cmd.OutOrStdout(), false)
		if err != nil {
			return err
		}
		defer closeWriter()
		for _, r := range a.history.List() {
			if err := w.Write(r); err != nil {
				return err
			}
		}
		return nil
	},
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete one result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.history.Delete(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every result",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()
		n := a.history.Len()
		a.history.Clear(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d results\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyOutputCmd, historyExportCmd, historyDeleteCmd, historyClearCmd)

	historyExportCmd.Flags().StringVar(&exportFormat, "format", formatJSON, "Export format: json or csv")
	historyExportCmd.Flags().StringVarP(&exportPath, "output", "o", "-", "Output file (- for stdout)")
}

/*
PURPOSE:
  Defines the 'run' subcommand.
  Runs one prompt (optionally with a dataset) against one or more models.

REQUIREMENTS:
  User-specified:
  - Run a prompt in invoke, streaming or tool-execution mode.
  - Optional determinism grading of the answer.
  - specific flags for overrides.

  Implementation-discovered:
  - Need to load config first.
  - Tool execution and determinism exclude each other; when both flags are
    given tool execution wins and the advisory is printed once.
  - Validation failures are saved to the UI state so `ui show` reports them.

ARCHITECTURE INTEGRATION:
  - Calls: internal/engine.RunSuite()
  - Uses: internal/config, internal/validation, internal/toolexec.Modes

ERROR HANDLING:
  - Returns error if config load fails, the form is invalid or any run fails.
  - Partial results are still printed / written before the error returns.

IMPLEMENTATION RULES:
  - Setup flags in init().
  - Logic: Load Config -> Form -> Engine.RunSuite.

USAGE:
  prompt-harness run -u "Summarize this" --dataset-file data.csv --stream

SELF-HEALING INSTRUCTIONS:
  - Check flag names match validation.Form fields generally.

RELATED FILES:
  - internal/cli/root.go
  - internal/cli/app.go
*/

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/daryltucker/prompt-harness/internal/config"
	"github.com/daryltucker/prompt-harness/internal/engine"
	"github.com/daryltucker/prompt-harness/internal/model"
	"github.com/daryltucker/prompt-harness/internal/output"
	"github.com/daryltucker/prompt-harness/internal/reconcile"
	"github.com/daryltucker/prompt-harness/internal/toolexec"
	"github.com/daryltucker/prompt-harness/internal/uistate"
	"github.com/daryltucker/prompt-harness/internal/validation"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatCSV  = "csv"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a prompt against one or more models",
	Long: `Runs a prompt against a model and records the result in the history.

Modes:
  default        one request, the whole answer at once
  --stream       the answer is printed as it arrives
  --tools        the model may call the configured tools for up to
                 --max-iterations rounds
  --determinism  the prompt is repeated and the answers graded A-F on how
                 similar they are (not available together with --tools)

Interrupting a tool run (Ctrl-C) asks the workflow to cancel; the partial
answer is kept.`,
	Example: `  # Single prompt with the default model
  prompt-harness run -u "Explain TCP slow start"

  # Stream the answer, system prompt from a file
  prompt-harness run --system-file sys.md -u "Summarize" --dataset-type csv \
    --dataset-option sales --dataset-file sales.csv --stream

  # Same prompt against two models, results as CSV
  prompt-harness run -m model-a,model-b -u "Hello" --format csv -o results.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		a.startCleanup(ctx)

		form, models, advisories, err := buildForm(cmd.Flags(), a.cfg)
		if err != nil {
			return err
		}
		for _, msg := range advisories {
			fmt.Fprintln(cmd.ErrOrStderr(), msg)
		}
		format, _ := cmd.Flags().GetString("format")
		outPath, _ := cmd.Flags().GetString("output")
		return runForm(ctx, a, cmd.OutOrStdout(), format, outPath, form, models)
	},
}

// buildForm turns flags into a form and the list of models to run it on.
func buildForm(fs *pflag.FlagSet, cfg *config.Config) (validation.Form, []string, []string, error) {
	var form validation.Form
	var err error

	if form.SystemPrompt, err = textFlag(fs, "system", "system-file"); err != nil {
		return form, nil, nil, err
	}
	if form.UserPrompt, err = textFlag(fs, "user", "user-file"); err != nil {
		return form, nil, nil, err
	}
	if path, _ := fs.GetString("dataset-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return form, nil, nil, fmt.Errorf("failed to read dataset file: %w", err)
		}
		form.DatasetContent = string(data)
	}
	form.DatasetType, _ = fs.GetString("dataset-type")
	form.DatasetOption, _ = fs.GetString("dataset-option")
	form.Streaming, _ = fs.GetBool("stream")

	modes := toolexec.NewModes()
	var advisories []string
	if on, _ := fs.GetBool("determinism"); on {
		modes.EnableDeterminism()
	}
	if on, _ := fs.GetBool("tools"); on {
		if msg := modes.EnableToolExecution(); msg != "" {
			advisories = append(advisories, msg)
		}
	}
	form.ToolExecution = modes.ToolExecution()
	form.Determinism = modes.Determinism()

	form.MaxIterations = cfg.Tools.MaxIterations
	if fs.Changed("max-iterations") {
		form.MaxIterations, _ = fs.GetInt("max-iterations")
	}

	models, _ := fs.GetStringSlice("model")
	if len(models) == 0 && cfg.DefaultModel != "" {
		models = []string{cfg.DefaultModel}
	}
	if len(models) > 0 {
		form.ModelID = models[0]
	} else {
		// Let validation report the missing model.
		models = []string{""}
	}
	return form, models, advisories, nil
}

// textFlag returns the value of name, or the contents of the file named by
// fileName when that flag is set.
func textFlag(fs *pflag.FlagSet, name, fileName string) (string, error) {
	if path, _ := fs.GetString(fileName); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read --%s: %w", fileName, err)
		}
		return string(data), nil
	}
	v, _ := fs.GetString(name)
	return v, nil
}

func runForm(ctx context.Context, a *app, stdout io.Writer, format, outPath string, form validation.Form, models []string) error {
	var printer *livePrinter
	if format == formatText && form.Streaming && !form.ToolExecution && isTerminal(stdout) {
		printer = &livePrinter{w: stdout}
		unsubscribe := a.outputs.Subscribe(printer.update)
		defer unsubscribe()
	}
	writer, closeWriter, err := resultWriter(format, outPath, stdout, printer != nil)
	if err != nil {
		return err
	}
	defer closeWriter()
	if tw, ok := writer.(textResultWriter); ok && printer != nil {
		writer = liveResultWriter{textResultWriter: tw, ctx: ctx, printer: printer, outputs: a.outputs}
	}

	a.tools.Subscribe(func(s model.ToolExecutionState) {
		output.Logger.Info("Tool execution", "execution_id", s.ExecutionID, "status", s.Status,
			"iteration", s.CurrentIteration, "max", s.MaxIterations, "progress", fmt.Sprintf("%.0f%%", s.Progress))
	})

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-done:
		case <-ctx.Done():
			if a.tools.IsExecuting() {
				if err := a.harness.CancelToolExecution(context.WithoutCancel(ctx)); err != nil {
					output.Logger.Warn("Remote cancellation failed; execution marked cancelled locally", "error", err)
				}
			}
		}
	}()

	_, err = engine.RunSuite(ctx, a.harness, form, models, writer)
	close(done)
	wg.Wait()

	recordValidation(ctx, a, err)
	return err
}

// recordValidation stores field errors from err in the UI state, or clears
// them after a valid submission.
func recordValidation(ctx context.Context, a *app, err error) {
	var verrs validation.Errors
	if !errors.As(err, &verrs) {
		a.ui.SaveUIState(ctx, uistate.UIStatePatch{ValidationErrors: map[string]string{}})
		return
	}
	touched := make(map[string]bool, len(verrs))
	for f := range verrs {
		touched[f] = true
	}
	a.ui.SaveUIState(ctx, uistate.UIStatePatch{ValidationErrors: verrs, TouchedFields: touched})
}

type textResultWriter struct {
	w    io.Writer
	live bool
}

func (t textResultWriter) Write(r model.TestResult) error {
	output.RenderResult(t.w, r, !t.live)
	_, err := fmt.Fprintln(t.w)
	return err
}

// livePrinter writes streamed deltas as they are published. After a write
// fails it stays silent until the failure is taken.
type livePrinter struct {
	w   io.Writer
	mu  sync.Mutex
	err error
}

func (p *livePrinter) update(u reconcile.Update) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return
	}
	var err error
	switch {
	case u.Replace:
		_, err = fmt.Fprintf(p.w, "\n[recovered output]\n%s", u.Output)
	case u.Delta != "":
		_, err = fmt.Fprint(p.w, u.Delta)
	}
	if err == nil && u.Final {
		_, err = fmt.Fprintln(p.w)
	}
	p.err = err
}

func (p *livePrinter) takeErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.err
	p.err = nil
	return err
}

func (p *livePrinter) failed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err != nil
}

// liveResultWriter prints the summary after a streamed run. If the live
// output failed, the saved output is replayed through the output manager,
// and printed with the summary when that fails too.
type liveResultWriter struct {
	textResultWriter
	ctx     context.Context
	printer *livePrinter
	outputs *reconcile.Manager
}

func (l liveResultWriter) Write(r model.TestResult) error {
	t := l.textResultWriter
	if err := l.printer.takeErr(); err != nil {
		if !l.outputs.HandleDisplayError(l.ctx, err, "live output") || l.printer.failed() {
			t.live = false
		}
	}
	return t.Write(r)
}

func resultWriter(format, path string, stdout io.Writer, live bool) (engine.ResultWriter, func(), error) {
	switch format {
	case formatText:
		return textResultWriter{w: stdout, live: live}, func() {}, nil
	case formatJSON:
		w, err := output.NewJSONWriter(path)
		if err != nil {
			return nil, nil, err
		}
		return w, func() { w.Close() }, nil
	case formatCSV:
		w, err := output.NewCSVWriter(path)
		if err != nil {
			return nil, nil, err
		}
		return w, func() { w.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown format %q (want %s, %s or %s)", format, formatText, formatJSON, formatCSV)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func addRunFlags(f *pflag.FlagSet) {
	f.StringSliceP("model", "m", nil, "Comma-separated model ids (default from config)")
	f.String("system", "", "System prompt")
	f.String("system-file", "", "Read the system prompt from a file")
	f.StringP("user", "u", "", "User prompt")
	f.StringP("user-file", "p", "", "Read the user prompt from a file")
	f.String("dataset-type", "", "Dataset type (required with a dataset)")
	f.String("dataset-option", "", "Dataset option (required with a dataset)")
	f.String("dataset-file", "", "File whose contents are appended to the prompt")
	f.Bool("stream", false, "Stream the answer")
	f.Bool("tools", false, "Let the model call the configured tools")
	f.Bool("determinism", false, "Grade how deterministic the answer is")
	f.Int("max-iterations", 0, "Tool iterations ceiling, 1-20 (default from config)")
	f.String("format", formatText, "Output format: text, json or csv")
	f.StringP("output", "o", "-", "Output file for json/csv (- for stdout)")
}

func init() {
	rootCmd.AddCommand(runCmd)
	addRunFlags(runCmd.Flags())
	runCmd.MarkFlagsMutuallyExclusive("system", "system-file")
	runCmd.MarkFlagsMutuallyExclusive("user", "user-file")
}

/*
PURPOSE:
  Plain-text views of results, history, comparisons and saved state for the
  CLI. JSON and CSV output go through JSONWriter / CSVWriter instead.

IMPLEMENTATION RULES:
  - Tables use text/tabwriter; no colour or terminal control codes.
  - Renderers never fail the command; write errors surface from the caller's
    final flush.
*/

package output

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/daryltucker/prompt-harness/internal/model"
)

const previewWidth = 60

// RenderResult prints the summary of one run, followed by the response when
// withResponse is set.
func RenderResult(w io.Writer, r model.TestResult, withResponse bool) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", r.ID)
	fmt.Fprintf(tw, "Model:\t%s\n", r.ModelID)
	fmt.Fprintf(tw, "Time:\t%s\n", r.Timestamp.Format(time.RFC3339))
	if r.DatasetType != "" {
		fmt.Fprintf(tw, "Dataset:\t%s / %s\n", r.DatasetType, r.DatasetOption)
	}
	fmt.Fprintf(tw, "Tokens:\tin %d, out %d, total %d\n", r.Usage.InputTokens, r.Usage.OutputTokens, r.Usage.TotalTokens)
	if m := r.StreamingMetrics; m != nil {
		fmt.Fprintf(tw, "Streaming:\tfirst token %s, duration %s, %.1f tok/s\n",
			m.FirstTokenLatency.Round(time.Millisecond), m.Duration.Round(time.Millisecond), m.TokensPerSecond)
	}
	if wf := r.WorkflowData; wf != nil {
		fmt.Fprintf(tw, "Tools:\t%s, %d iterations, %d calls\n",
			wf.Metadata.Status, wf.Metadata.IterationCount, wf.Metadata.TotalToolCalls)
	}
	if s := r.ToolConfigurationStatus; s != nil && s.Message != "" {
		fmt.Fprintf(tw, "Tool config:\t%s\n", s.Message)
	}
	if g := r.DeterminismGrade; g != nil {
		fmt.Fprintf(tw, "Determinism:\t%s (%.2f over %d runs)\n", g.Grade, g.Score, g.Runs)
	}
	if r.Partial {
		fmt.Fprintf(tw, "Partial:\t%s\n", r.Error)
	}
	tw.Flush()

	if withResponse {
		fmt.Fprintf(w, "\n%s\n", r.Response)
	}
}

// RenderHistory prints one line per result. Ids in selected are marked.
func RenderHistory(w io.Writer, results []model.TestResult, selected []string) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No test results.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tTIME\tMODEL\tMODE\tTOKENS\tGRADE\tRESPONSE")
	for _, r := range results {
		mark := ""
		for _, id := range selected {
			if id == r.ID {
				mark = "*"
			}
		}
		grade := "-"
		if r.DeterminismGrade != nil {
			grade = r.DeterminismGrade.Grade
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			mark, r.ID, r.Timestamp.Format("2006-01-02 15:04:05"), r.ModelID, Mode(r),
			r.Usage.TotalTokens, grade, Preview(r.Response, previewWidth))
	}
	tw.Flush()
}

// RenderComparison prints two results side by side. similarity is the token
// overlap of the two responses in [0,1].
func RenderComparison(w io.Writer, a, b model.TestResult, similarity float64) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "\t%s\t%s\n", a.ID, b.ID)
	fmt.Fprintf(tw, "Model\t%s\t%s\n", a.ModelID, b.ModelID)
	fmt.Fprintf(tw, "Mode\t%s\t%s\n", Mode(a), Mode(b))
	fmt.Fprintf(tw, "Input tokens\t%d\t%d\n", a.Usage.InputTokens, b.Usage.InputTokens)
	fmt.Fprintf(tw, "Output tokens\t%d\t%d\n", a.Usage.OutputTokens, b.Usage.OutputTokens)
	fmt.Fprintf(tw, "First token\t%s\t%s\n", firstToken(a), firstToken(b))
	fmt.Fprintf(tw, "Response chars\t%d\t%d\n", len(a.Response), len(b.Response))
	tw.Flush()
	fmt.Fprintf(w, "\nResponse similarity: %.0f%%\n", similarity*100)
	fmt.Fprintf(w, "\n--- %s\n%s\n\n--- %s\n%s\n", a.ID, a.Response, b.ID, b.Response)
}

// RenderSession prints the session counters.
func RenderSession(w io.Writer, s model.Session) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Session:\t%s\n", s.SessionID)
	fmt.Fprintf(tw, "Started:\t%s\n", s.StartTime.Format(time.RFC3339))
	fmt.Fprintf(tw, "Last activity:\t%s\n", s.LastActivity.Format(time.RFC3339))
	fmt.Fprintf(tw, "Tests:\t%d\n", s.TestCount)
	fmt.Fprintf(tw, "Navigations:\t%d\n", s.NavigationCount)
	tw.Flush()
}

// RenderUIState prints the persisted view state.
func RenderUIState(w io.Writer, ui model.UIState, nav model.NavigationState) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Active tab:\t%s\n", ui.ActiveTab)
	fmt.Fprintf(tw, "Comparison:\t%s\n", strings.Join(ui.SelectedForComparison, ", "))
	fmt.Fprintf(tw, "Route:\t%s (previous %s)\n", nav.CurrentRoute, orDash(nav.PreviousRoute))
	tabs := make([]string, len(nav.TabHistory))
	for i, t := range nav.TabHistory {
		tabs[i] = string(t)
	}
	fmt.Fprintf(tw, "Tab history:\t%s\n", strings.Join(tabs, " > "))
	if len(ui.ValidationErrors) > 0 {
		fmt.Fprintf(tw, "Validation errors:\t%d\n", len(ui.ValidationErrors))
	}
	tw.Flush()
}

// Mode names how a result was produced.
func Mode(r model.TestResult) string {
	switch {
	case r.ToolExecutionEnabled:
		return "tools"
	case r.IsStreamed:
		return "stream"
	default:
		return "invoke"
	}
}

// Preview returns s on one line, cut to at most n runes.
func Preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}

func firstToken(r model.TestResult) string {
	if r.StreamingMetrics == nil {
		return "-"
	}
	return r.StreamingMetrics.FirstTokenLatency.Round(time.Millisecond).String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

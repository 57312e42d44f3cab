/*
PURPOSE:
  Writes run results to a CSV file.
  Ensures data integrity by flushing writes immediately.

ERROR HANDLING:
  - Returns error on file creation or write failure.

IMPLEMENTATION RULES:
  - Use encoding/csv.
  - Flush() after every write.

USAGE:
  w, err := output.NewCSVWriter("results.csv")
  w.Write(result)
  w.Close()

MAINTENANCE:
  - Update Write() mapping when TestResult changes.
*/

package output

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/daryltucker/prompt-harness/internal/model"
)

// CSVHeader is the column layout written by CSVWriter.
var CSVHeader = []string{
	"id", "model_id", "timestamp", "dataset_type", "dataset_option",
	"is_streamed", "first_token_s", "stream_duration_s",
	"input_tokens", "output_tokens", "total_tokens",
	"tool_execution", "tool_calls", "iterations",
	"determinism_grade", "partial", "response", "error",
}

// CSVWriter handles writing results to a CSV file.
type CSVWriter struct {
	dst    io.WriteCloser
	writer *csv.Writer
	mu     sync.Mutex
}

// NewCSVWriter creates a new CSVWriter. A path of "-" writes to stdout.
// It overwrites the file if it exists.
func NewCSVWriter(path string) (*CSVWriter, error) {
	dst, err := openDestination(path)
	if err != nil {
		return nil, err
	}

	w := csv.NewWriter(dst)
	if err := w.Write(CSVHeader); err != nil {
		dst.Close()
		return nil, err
	}
	w.Flush()

	return &CSVWriter{
		dst:    dst,
		writer: w,
	}, nil
}

// Write writes a single result to the CSV file.
// It is thread-safe.
func (cw *CSVWriter) Write(r model.TestResult) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if err := cw.writer.Write(Record(r)); err != nil {
		return err
	}
	cw.writer.Flush()
	return cw.writer.Error()
}

// Close flushes and closes the underlying file.
func (cw *CSVWriter) Close() error {
	cw.writer.Flush()
	return cw.dst.Close()
}

// Record flattens a result into CSVHeader order.
func Record(r model.TestResult) []string {
	var firstToken, streamDur float64
	if m := r.StreamingMetrics; m != nil {
		firstToken = m.FirstTokenLatency.Seconds()
		streamDur = m.Duration.Seconds()
	}
	toolCalls, iterations := 0, 0
	if r.ToolUsage != nil {
		toolCalls = r.ToolUsage.TotalToolCalls
	}
	if r.WorkflowData != nil {
		iterations = r.WorkflowData.Metadata.IterationCount
	}
	grade := ""
	if r.DeterminismGrade != nil {
		grade = r.DeterminismGrade.Grade
	}

	return []string{
		r.ID,
		r.ModelID,
		r.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
		r.DatasetType,
		r.DatasetOption,
		strconv.FormatBool(r.IsStreamed),
		fmt.Sprintf("%.4f", firstToken),
		fmt.Sprintf("%.4f", streamDur),
		strconv.Itoa(r.Usage.InputTokens),
		strconv.Itoa(r.Usage.OutputTokens),
		strconv.Itoa(r.Usage.TotalTokens),
		strconv.FormatBool(r.ToolExecutionEnabled),
		strconv.Itoa(toolCalls),
		strconv.Itoa(iterations),
		grade,
		strconv.FormatBool(r.Partial),
		r.Response,
		r.Error,
	}
}

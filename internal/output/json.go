/*
PURPOSE:
  Writes run results to a JSON Lines stream (NDJSON).
  Used by `history export` and `run --format json`.

IMPLEMENTATION RULES:
  - Use encoding/json.NewEncoder.
  - Thread-safe.

USAGE:
  w, err := output.NewJSONWriter("results.jsonl")
  w.Write(result)
  w.Close()
*/

package output

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/daryltucker/prompt-harness/internal/model"
)

// JSONWriter handles writing results as JSON lines.
type JSONWriter struct {
	dst     io.WriteCloser
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewJSONWriter creates a new JSONWriter. A path of "-" writes to stdout.
func NewJSONWriter(path string) (*JSONWriter, error) {
	dst, err := openDestination(path)
	if err != nil {
		return nil, err
	}
	return &JSONWriter{
		dst:     dst,
		encoder: json.NewEncoder(dst),
	}, nil
}

// Write writes a single result as a JSON line.
func (jw *JSONWriter) Write(r model.TestResult) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	return jw.encoder.Encode(r)
}

// Close closes the underlying file.
func (jw *JSONWriter) Close() error {
	return jw.dst.Close()
}

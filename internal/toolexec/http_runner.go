package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/daryltucker/prompt-harness/internal/model"
)

// maxToolOutput caps how much of a tool response is fed back to the model.
const maxToolOutput = 1 << 20

// HTTPToolRunner executes tools by POSTing the call input as JSON to a
// per-tool endpoint. The response body is the tool output.
type HTTPToolRunner struct {
	Endpoints  map[string]string
	Client     *http.Client
	MaxRetries uint
	// NewBackOff overrides the retry policy; nil means exponential.
	NewBackOff func() backoff.BackOff
}

// NewHTTPToolRunner creates a runner for endpoints (tool name -> URL).
func NewHTTPToolRunner(endpoints map[string]string, timeout time.Duration) *HTTPToolRunner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPToolRunner{
		Endpoints:  endpoints,
		Client:     &http.Client{Timeout: timeout},
		MaxRetries: 3,
	}
}

func (r *HTTPToolRunner) RunTool(ctx context.Context, call model.ToolCall) (string, error) {
	url, ok := r.Endpoints[call.Name]
	if !ok || url == "" {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, call.Name)
	}
	body, err := json.Marshal(call.Input)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	tries := r.MaxRetries
	if tries == 0 {
		tries = 1
	}
	var b backoff.BackOff = backoff.NewExponentialBackOff()
	if r.NewBackOff != nil {
		b = r.NewBackOff()
	}
	return backoff.Retry(ctx, func() (string, error) {
		return r.post(ctx, url, call.Name, body)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(tries),
	)
}

func (r *HTTPToolRunner) post(ctx context.Context, url, name string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxToolOutput))
	if err != nil {
		return "", err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", backoff.Permanent(fmt.Errorf("%w: %s", ErrToolNotFound, name))
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return "", backoff.Permanent(fmt.Errorf("%w: %s", ErrInvalidInput, bytes.TrimSpace(data)))
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("tool service error (%s): %s", resp.Status, bytes.TrimSpace(data))
	case resp.StatusCode >= 300:
		return "", backoff.Permanent(fmt.Errorf("tool service error (%s): %s", resp.Status, bytes.TrimSpace(data)))
	}
	return string(data), nil
}

func inputString(in map[string]any) string {
	if len(in) == 0 {
		return ""
	}
	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Sprint(in)
	}
	return string(b)
}

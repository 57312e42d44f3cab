/*
PURPOSE:
  Ollama model service. Talks to a local or remote Ollama server over its
  HTTP API: model discovery, non-streaming chat, NDJSON streaming chat and
  tool calls.

REQUIREMENTS:
  User-specified:
  - Detect models.
  - Stream inference (with timeout and garbage resilience).
  - Non-stream inference with token usage.

  Implementation-discovered:
  - Needs http.Client with a header timeout: Ollama holds the response
    headers while it loads the model.
  - Resilience against "garbage" JSON (invalid chunks) in the stream.
  - Only connection setup is retried; a stream that started is never
    replayed, since chunks were already handed out.

ARCHITECTURE INTEGRATION:
  - Called by: internal/cli (list-models, run)
  - Uses: internal/config, internal/model, internal/output

ERROR HANDLING:
  - Retries via cenkalti/backoff (max_retries, retry_delay).
  - 4xx responses are permanent; network errors and 5xx are retried.

USAGE:
  inv := engine.NewOllamaInvoker(cfg.Ollama)
  models, err := inv.ListModels(ctx)
  s, err := inv.Stream(ctx, req)

SELF-HEALING INSTRUCTIONS:
  - If Ollama API changes, update endpoints (/api/tags, /api/chat).
*/

package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/daryltucker/prompt-harness/internal/config"
	"github.com/daryltucker/prompt-harness/internal/model"
	"github.com/daryltucker/prompt-harness/internal/output"
)

// OllamaInvoker implements Invoker against the Ollama HTTP API.
type OllamaInvoker struct {
	Config config.OllamaConfig
	Client *http.Client

	// NewBackOff overrides the retry policy; nil means a constant RetryDelay.
	NewBackOff func() backoff.BackOff

	ready atomic.Bool
}

// NewOllamaInvoker creates an invoker for cfg.URL.
func NewOllamaInvoker(cfg config.OllamaConfig) *OllamaInvoker {
	// ResponseHeaderTimeout covers the time until the first response byte.
	// This is where model loading happens.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.LoadTimeout

	return &OllamaInvoker{
		Config: cfg,
		// No overall client timeout: a streamed generation can legitimately
		// outlast it. Streams are bounded by StreamTimeout per request.
		Client: &http.Client{Transport: transport},
	}
}

func (o *OllamaInvoker) backOff() backoff.BackOff {
	if o.NewBackOff != nil {
		return o.NewBackOff()
	}
	return backoff.NewConstantBackOff(o.Config.RetryDelay)
}

func (o *OllamaInvoker) retry(what string) []backoff.RetryOption {
	tries := o.Config.MaxRetries
	if tries <= 0 {
		tries = 1
	}
	return []backoff.RetryOption{
		backoff.WithBackOff(o.backOff()),
		backoff.WithMaxTries(uint(tries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			output.Logger.Info("Retrying "+what+"...", "error", err, "in", next)
		}),
	}
}

// Initialize checks that the server answers. It is retried like any call.
func (o *OllamaInvoker) Initialize(ctx context.Context) error {
	if _, err := o.ListModels(ctx); err != nil {
		o.ready.Store(false)
		return fmt.Errorf("ollama at %s is not reachable: %w", o.Config.URL, err)
	}
	o.ready.Store(true)
	return nil
}

func (o *OllamaInvoker) Ready() bool { return o.ready.Load() }

// ListModels returns the models available on the server.
func (o *OllamaInvoker) ListModels(ctx context.Context) ([]string, error) {
	return backoff.Retry(ctx, func() ([]string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.Config.URL+"/api/tags", nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := o.Client.Do(req)
		if err != nil {
			return nil, classifyNetworkError(err)
		}
		defer resp.Body.Close()
		if err := statusError(resp); err != nil {
			return nil, err
		}

		var payload struct {
			Models []struct {
				Name string `json:"name"`
			} `json:"models"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("Ollama returned invalid JSON: %w", err))
		}
		names := make([]string, 0, len(payload.Models))
		for _, m := range payload.Models {
			names = append(names, m.Name)
		}
		return names, nil
	}, o.retry("model discovery")...)
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

type ollamaChatRequest struct {
	Model     string          `json:"model"`
	Messages  []ollamaMessage `json:"messages"`
	Stream    bool            `json:"stream"`
	KeepAlive string          `json:"keep_alive,omitempty"`
	Tools     []ollamaTool    `json:"tools,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error"` // API-side error
}

func (r ollamaChatResponse) usage() model.Usage {
	return model.Usage{
		InputTokens:  r.PromptEvalCount,
		OutputTokens: r.EvalCount,
		TotalTokens:  r.PromptEvalCount + r.EvalCount,
	}
}

func (o *OllamaInvoker) chatRequest(req Request, stream bool) ollamaChatRequest {
	out := ollamaChatRequest{Model: req.ModelID, Stream: stream, KeepAlive: o.Config.KeepAlive}
	if req.SystemPrompt != "" {
		out.Messages = append(out.Messages, ollamaMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Conversation() {
		if len(m.ToolResults) > 0 {
			for _, r := range m.ToolResults {
				content := r.Output
				if r.Error != "" {
					content = "error: " + r.Error
				}
				out.Messages = append(out.Messages, ollamaMessage{Role: "tool", Content: content})
			}
			continue
		}
		msg := ollamaMessage{Role: m.Role, Content: m.Text}
		for _, c := range m.ToolCalls {
			var tc ollamaToolCall
			tc.Function.Name = c.Name
			tc.Function.Arguments = c.Input
			msg.ToolCalls = append(msg.ToolCalls, tc)
		}
		out.Messages = append(out.Messages, msg)
	}
	for _, d := range req.Tools {
		t := ollamaTool{Type: "function"}
		t.Function.Name = d.Name
		t.Function.Description = d.Description
		t.Function.Parameters = d.InputSchema
		out.Tools = append(out.Tools, t)
	}
	return out
}

// post sends body to /api/chat, retrying until headers arrive with a 200.
func (o *OllamaInvoker) post(ctx context.Context, body []byte, modelID, what string) (*http.Response, error) {
	trace := &httptrace.ClientTrace{
		GotConn: func(connInfo httptrace.GotConnInfo) {
			output.Logger.Debug("Network: Connected", "remote", connInfo.Conn.RemoteAddr(), "reused", connInfo.Reused)
		},
		WroteRequest: func(httptrace.WroteRequestInfo) {
			output.Logger.Debug("Network: Request Sent. Waiting for model to load...", "model", modelID)
		},
		GotFirstResponseByte: func() {
			output.Logger.Debug("Network: First Byte Received", "model", modelID)
		},
	}
	tctx := httptrace.WithClientTrace(ctx, trace)

	return backoff.Retry(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(tctx, http.MethodPost, o.Config.URL+"/api/chat", bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := o.Client.Do(req)
		if err != nil {
			return nil, classifyNetworkError(err)
		}
		if err := statusError(resp); err != nil {
			resp.Body.Close()
			return nil, err
		}
		return resp, nil
	}, o.retry(what)...)
}

func (o *OllamaInvoker) Invoke(ctx context.Context, req Request) (Response, error) {
	if !o.Ready() {
		return Response{}, ErrNotReady
	}
	body, err := json.Marshal(o.chatRequest(req, false))
	if err != nil {
		return Response{}, err
	}
	if o.Config.StreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Config.LoadTimeout+o.Config.StreamTimeout)
		defer cancel()
	}

	resp, err := o.post(ctx, body, req.ModelID, "inference")
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("failed to read response body: %w", err)
	}
	var data ollamaChatResponse
	if err := json.Unmarshal(bodyBytes, &data); err != nil {
		return Response{}, fmt.Errorf("Ollama returned invalid JSON: %w (Body: %s)", err, string(bodyBytes))
	}
	if data.Error != "" {
		return Response{}, fmt.Errorf("Ollama API Error: %s", data.Error)
	}

	out := Response{Text: data.Message.Content, Usage: data.usage(), StopReason: data.DoneReason}
	for _, tc := range data.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{Name: tc.Function.Name, Input: tc.Function.Arguments})
	}
	return out, nil
}

func (o *OllamaInvoker) Stream(ctx context.Context, req Request) (Stream, error) {
	if !o.Ready() {
		return nil, ErrNotReady
	}
	body, err := json.Marshal(o.chatRequest(req, true))
	if err != nil {
		return nil, err
	}

	sctx, cancel := ctx, context.CancelFunc(func() {})
	if o.Config.StreamTimeout > 0 {
		sctx, cancel = context.WithTimeout(ctx, o.Config.LoadTimeout+o.Config.StreamTimeout)
	}
	resp, err := o.post(sctx, body, req.ModelID, "streaming")
	if err != nil {
		cancel()
		return nil, err
	}

	return newChanStream(sctx, func(ctx context.Context, emit func(Chunk) bool) error {
		defer cancel()
		defer resp.Body.Close()
		stop := context.AfterFunc(ctx, func() { resp.Body.Close() })
		defer stop()
		return processStream(resp.Body, emit)
	}), nil
}

// processStream reads NDJSON chat chunks until done. Invalid lines are
// skipped; a body that ends without a done line is an error.
func processStream(body io.Reader, emit func(Chunk) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var chunk ollamaChatResponse
		// Garbage resilience: Ignore JSON errors
		if err := json.Unmarshal(line, &chunk); err != nil {
			output.Logger.Warn("Skipping invalid JSON chunk", "chunk", string(line))
			continue
		}
		if chunk.Error != "" {
			return fmt.Errorf("Ollama API Error: %s", chunk.Error)
		}

		if chunk.Message.Content != "" {
			if !emit(Chunk{Text: chunk.Message.Content, Tokens: 1}) {
				return context.Canceled
			}
		}
		if chunk.Done {
			u := chunk.usage()
			emit(Chunk{Usage: &u})
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream scanning error: %w", err)
	}
	return fmt.Errorf("stream incomplete: ended before done")
}

func classifyNetworkError(err error) error {
	if strings.Contains(err.Error(), "awaiting headers") {
		return fmt.Errorf("Ollama Header Timeout (model loading?): %w", err)
	}
	return fmt.Errorf("Network/Connection Error: %w", err)
}

func statusError(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("Ollama Server Error (%s): %s", resp.Status, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return backoff.Permanent(err)
	}
	return err
}

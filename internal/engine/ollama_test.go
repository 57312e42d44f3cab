package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daryltucker/prompt-harness/internal/config"
	"github.com/daryltucker/prompt-harness/internal/toolexec"
)

func newTestOllama(t *testing.T, handler http.Handler) *OllamaInvoker {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	o := NewOllamaInvoker(config.OllamaConfig{URL: srv.URL, MaxRetries: 3, KeepAlive: "5m"})
	o.Client = srv.Client()
	o.NewBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return o
}

func tagsHandler(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprint(w, `{"models":[{"name":"llama3:8b"},{"name":"qwen2:7b"}]}`)
}

func TestOllama_ListModelsAndInitialize(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "loading", http.StatusServiceUnavailable)
			return
		}
		tagsHandler(w, r)
	})
	o := newTestOllama(t, mux)

	assert.False(t, o.Ready())
	require.NoError(t, o.Initialize(context.Background()))
	assert.True(t, o.Ready())
	assert.Equal(t, int32(2), hits.Load(), "5xx is retried")

	models, err := o.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3:8b", "qwen2:7b"}, models)
}

func TestOllama_NotReady(t *testing.T) {
	o := NewOllamaInvoker(config.OllamaConfig{URL: "http://127.0.0.1:1"})
	_, err := o.Invoke(context.Background(), Request{})
	require.ErrorIs(t, err, ErrNotReady)
	_, err = o.Stream(context.Background(), Request{})
	require.ErrorIs(t, err, ErrNotReady)
}

func TestOllama_Invoke(t *testing.T) {
	var got ollamaChatRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", tagsHandler)
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"hi","tool_calls":[{"function":{"name":"lookup","arguments":{"q":"x"}}}]},"done":true,"done_reason":"stop","prompt_eval_count":7,"eval_count":3}`)
	})
	o := newTestOllama(t, mux)
	require.NoError(t, o.Initialize(context.Background()))

	resp, err := o.Invoke(context.Background(), Request{
		ModelID:        "llama3:8b",
		SystemPrompt:   "be brief",
		UserPrompt:     "hello",
		DatasetContent: "data",
		Tools:          []config.ToolDefinition{{Name: "lookup", Description: "find things"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Text)
	assert.Equal(t, 10, resp.Usage.TotalTokens)
	assert.Equal(t, "stop", resp.StopReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "lookup", resp.ToolCalls[0].Name)
	assert.Equal(t, "x", resp.ToolCalls[0].Input["q"])

	assert.Equal(t, "llama3:8b", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "hello\n\ndata", got.Messages[1].Content)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "function", got.Tools[0].Type)
}

func TestOllama_InvokeClientErrorIsNotRetried(t *testing.T) {
	var chats atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", tagsHandler)
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		chats.Add(1)
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	})
	o := newTestOllama(t, mux)
	require.NoError(t, o.Initialize(context.Background()))

	_, err := o.Invoke(context.Background(), Request{ModelID: "missing", UserPrompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
	assert.Equal(t, int32(1), chats.Load())
}

func TestOllama_Stream(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", tagsHandler)
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		lines := []string{
			`{"message":{"content":"Hel"},"done":false}`,
			`not json at all`,
			``,
			`{"message":{"content":"lo"},"done":false}`,
			`{"message":{"content":""},"done":true,"prompt_eval_count":2,"eval_count":2}`,
		}
		fmt.Fprint(w, strings.Join(lines, "\n"))
	})
	o := newTestOllama(t, mux)
	require.NoError(t, o.Initialize(context.Background()))

	s, err := o.Stream(context.Background(), Request{ModelID: "llama3:8b", UserPrompt: "hi"})
	require.NoError(t, err)
	text, usage, err := Collect(s)
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	require.NotNil(t, usage)
	assert.Equal(t, 4, usage.TotalTokens)
}

func TestOllama_StreamWithoutDoneIsError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", tagsHandler)
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"cut"},"done":false}`)
	})
	o := newTestOllama(t, mux)
	require.NoError(t, o.Initialize(context.Background()))

	s, err := o.Stream(context.Background(), Request{ModelID: "m", UserPrompt: "hi"})
	require.NoError(t, err)
	text, _, err := Collect(s)
	require.Error(t, err)
	assert.Equal(t, "cut", text, "text before the failure is still delivered")
}

func TestOllama_StreamCancel(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", tagsHandler)
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"first"},"done":false}`)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	o := newTestOllama(t, mux)
	defer close(release)
	require.NoError(t, o.Initialize(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	s, err := o.Stream(ctx, Request{ModelID: "m", UserPrompt: "hi"})
	require.NoError(t, err)

	c, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "first", c.Text)

	cancel()
	done := make(chan error, 1)
	go func() {
		_, err := s.Recv()
		done <- err
	}()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not return after cancel")
	}
	require.NoError(t, s.Close())
}

func TestOllama_ChatRequestCarriesToolExchange(t *testing.T) {
	o := NewOllamaInvoker(config.OllamaConfig{})
	req := o.chatRequest(Request{
		ModelID: "m",
		Messages: []toolexec.Message{
			{Role: "user", Text: "q"},
			{Role: "assistant", Text: "calling", ToolCalls: toolCalls("lookup")},
			{Role: "user", ToolResults: toolResults("42", "")},
		},
	}, false)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "lookup", req.Messages[1].ToolCalls[0].Function.Name)
	assert.Equal(t, "tool", req.Messages[2].Role)
	assert.Equal(t, "42", req.Messages[2].Content)
}

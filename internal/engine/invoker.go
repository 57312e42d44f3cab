/*
PURPOSE:
  Model-invocation contract. Every provider (Bedrock, Ollama) exposes the
  same readiness / invoke / stream surface so the harness never knows which
  one it is talking to.

REQUIREMENTS:
  User-specified:
  - initialize / isReady / invoke / stream.
  - Streaming delivers chunks in arrival order.

  Implementation-discovered:
  - Streams are pull-based (Recv until io.EOF) and cancelled through the
    context they were opened with.
  - Tool turns reuse the same Request with Messages and Tools set.

ARCHITECTURE INTEGRATION:
  - Implemented by: bedrock.go, ollama.go
  - Used by: harness.go, determinism.go, toolexec (through TurnCaller)

ERROR HANDLING:
  - ErrNotReady when a call is made before Initialize succeeded.
*/

package engine

import (
	"context"
	"errors"
	"io"

	"github.com/daryltucker/prompt-harness/internal/config"
	"github.com/daryltucker/prompt-harness/internal/model"
	"github.com/daryltucker/prompt-harness/internal/toolexec"
)

// ErrNotReady is returned when the model service has not been initialized.
var ErrNotReady = errors.New("model service is not ready")

// Request is one model invocation. When Messages is empty the user turn is
// built from UserPrompt and DatasetContent.
type Request struct {
	ModelID        string
	SystemPrompt   string
	UserPrompt     string
	DatasetContent string
	Messages       []toolexec.Message
	Tools          []config.ToolDefinition
}

// Conversation returns the messages to send.
func (r Request) Conversation() []toolexec.Message {
	if len(r.Messages) > 0 {
		return r.Messages
	}
	text := r.UserPrompt
	if r.DatasetContent != "" {
		text += "\n\n" + r.DatasetContent
	}
	return []toolexec.Message{{Role: "user", Text: text}}
}

// Response is a complete model answer.
type Response struct {
	Text       string
	Usage      model.Usage
	ToolCalls  []model.ToolCall
	StopReason string
}

// Chunk is one piece of a streamed answer. The final chunk of a stream may
// carry only Usage.
type Chunk struct {
	Text   string
	Tokens int
	Usage  *model.Usage
}

// Stream is a finite, non-restartable sequence of chunks. Recv returns
// io.EOF after the last chunk. Close releases the connection and may be
// called at any point.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Invoker is a model service.
type Invoker interface {
	Initialize(ctx context.Context) error
	Ready() bool
	Invoke(ctx context.Context, req Request) (Response, error)
	Stream(ctx context.Context, req Request) (Stream, error)
}

// ModelLister is implemented by invokers that can enumerate their models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// TurnCaller adapts an Invoker to toolexec.ModelCaller.
type TurnCaller struct {
	Invoker Invoker
}

func (c TurnCaller) Converse(ctx context.Context, req toolexec.TurnRequest) (toolexec.TurnResponse, error) {
	resp, err := c.Invoker.Invoke(ctx, Request{
		ModelID:      req.ModelID,
		SystemPrompt: req.SystemPrompt,
		Messages:     req.Messages,
		Tools:        req.Tools,
	})
	if err != nil {
		return toolexec.TurnResponse{}, err
	}
	return toolexec.TurnResponse{Text: resp.Text, ToolCalls: resp.ToolCalls, Usage: resp.Usage}, nil
}

// Collect drains s and returns the concatenated text and the last usage seen.
func Collect(s Stream) (string, *model.Usage, error) {
	defer s.Close()
	var text []byte
	var usage *model.Usage
	for {
		c, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return string(text), usage, nil
		}
		if err != nil {
			return string(text), usage, err
		}
		text = append(text, c.Text...)
		if c.Usage != nil {
			usage = c.Usage
		}
	}
}

// chanStream adapts a producer goroutine to Stream.
type chanStream struct {
	ctx    context.Context
	ch     <-chan streamItem
	cancel context.CancelFunc
	done   <-chan struct{}
}

type streamItem struct {
	chunk Chunk
	err   error
}

// newChanStream runs produce in a goroutine. produce sends chunks with emit
// and returns when the source is exhausted; a nil return ends the stream
// with io.EOF. emit reports false once the consumer has closed the stream.
func newChanStream(ctx context.Context, produce func(ctx context.Context, emit func(Chunk) bool) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan streamItem)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(ch)
		emit := func(c Chunk) bool {
			select {
			case ch <- streamItem{chunk: c}:
				return true
			case <-ctx.Done():
				return false
			}
		}
		err := produce(ctx, emit)
		if err == nil {
			err = io.EOF
		}
		select {
		case ch <- streamItem{err: err}:
		case <-ctx.Done():
		}
	}()
	return &chanStream{ctx: ctx, ch: ch, cancel: cancel, done: done}
}

func (s *chanStream) Recv() (Chunk, error) {
	item, ok := <-s.ch
	if !ok {
		if err := s.ctx.Err(); err != nil {
			return Chunk{}, err
		}
		return Chunk{}, io.EOF
	}
	return item.chunk, item.err
}

func (s *chanStream) Close() error {
	s.cancel()
	<-s.done
	return nil
}

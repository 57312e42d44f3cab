package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/daryltucker/prompt-harness/internal/model"
)

// fakeInvoker is a scripted model service.
type fakeInvoker struct {
	mu      sync.Mutex
	ready   bool
	initErr error

	text      string
	usage     model.Usage
	invokeErr error
	invokes   int

	chunks    []string
	streamErr error // returned after all chunks
}

func (f *fakeInvoker) Initialize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return f.initErr
	}
	f.ready = true
	return nil
}

func (f *fakeInvoker) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeInvoker) Invoke(ctx context.Context, _ Request) (Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invokes++
	if f.invokeErr != nil {
		return Response{}, f.invokeErr
	}
	return Response{Text: f.text, Usage: f.usage}, nil
}

func (f *fakeInvoker) Stream(ctx context.Context, _ Request) (Stream, error) {
	f.mu.Lock()
	chunks := append([]string(nil), f.chunks...)
	usage, streamErr := f.usage, f.streamErr
	f.mu.Unlock()

	return newChanStream(ctx, func(ctx context.Context, emit func(Chunk) bool) error {
		for _, c := range chunks {
			if !emit(Chunk{Text: c, Tokens: 1}) {
				return ctx.Err()
			}
		}
		if streamErr != nil {
			return streamErr
		}
		u := usage
		emit(Chunk{Usage: &u})
		return nil
	}), nil
}

func (f *fakeInvoker) invokeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invokes
}

var errConnReset = errors.New("connection reset by peer")

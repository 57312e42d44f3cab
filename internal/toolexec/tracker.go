/*
PURPOSE:
  Tool-Execution Workflow Tracker. Observes a multi-turn tool loop
  (model -> tool calls -> results -> model) and owns the single live
  ToolExecutionState. It does not execute anything itself.

REQUIREMENTS:
  User-specified:
  - Initialize moves to executing and resets the iteration counter.
  - Each iteration records active tools and a coarse progress value.
  - Cancel always ends in a terminal local state, whatever the remote
    service does.

  Implementation-discovered:
  - Monitoring is a polling loop; Cancel must stop it before returning so
    no stale status overwrites the cancelled state.

ARCHITECTURE INTEGRATION:
  - Called by: internal/engine (Harness)
  - Remote side: any Canceller / StatusSource (LoopExecutor in-process)

ERROR HANDLING:
  - ErrExecutionActive when initializing over a running workflow.
  - Remote cancel failures are returned after local state is forced
    terminal.
*/

package toolexec

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/daryltucker/prompt-harness/internal/model"
	"github.com/daryltucker/prompt-harness/internal/output"
)

// ErrExecutionActive is returned when a workflow is already executing.
var ErrExecutionActive = errors.New("a tool execution is already in progress")

const (
	progressBase  = 60.0
	progressRange = 30.0
)

// Canceller asks the remote tool service to abort an execution.
type Canceller interface {
	CancelExecution(ctx context.Context, executionID string) error
}

// StatusSource reports the remote view of an execution.
type StatusSource interface {
	ExecutionStatus(ctx context.Context, executionID string) (model.ExecutionStatus, error)
}

// Tracker owns the live ToolExecutionState.
type Tracker struct {
	cancelTimeout time.Duration

	mu          sync.Mutex
	state       model.ToolExecutionState
	stopMonitor context.CancelFunc
	monitorDone chan struct{}
	subs        []func(model.ToolExecutionState)
}

// NewTracker creates an idle tracker. cancelTimeout bounds the remote
// cancel call; <= 0 uses five seconds.
func NewTracker(cancelTimeout time.Duration) *Tracker {
	if cancelTimeout <= 0 {
		cancelTimeout = 5 * time.Second
	}
	return &Tracker{
		cancelTimeout: cancelTimeout,
		state:         model.ToolExecutionState{Status: model.ExecutionIdle},
	}
}

// Subscribe registers fn to receive every state change. fn runs on the
// goroutine that changed the state.
func (t *Tracker) Subscribe(fn func(model.ToolExecutionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = append(t.subs, fn)
}

// State returns a copy of the live state.
func (t *Tracker) State() model.ToolExecutionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneState(t.state)
}

// IsExecuting reports whether a workflow is running.
func (t *Tracker) IsExecuting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Status == model.ExecutionExecuting
}

// Initialize starts tracking executionID.
func (t *Tracker) Initialize(executionID string, maxIterations int) error {
	if maxIterations <= 0 {
		return fmt.Errorf("max iterations must be positive, got %d", maxIterations)
	}
	t.mu.Lock()
	if t.state.Status == model.ExecutionExecuting {
		t.mu.Unlock()
		return ErrExecutionActive
	}
	t.state = model.ToolExecutionState{
		ExecutionID:   executionID,
		MaxIterations: maxIterations,
		Status:        model.ExecutionExecuting,
		Progress:      progressBase,
	}
	snap := cloneState(t.state)
	t.mu.Unlock()

	t.publish(snap)
	return nil
}

// UpdateIteration records the iteration in progress and its tools.
// Updates for a workflow that is no longer executing are dropped.
func (t *Tracker) UpdateIteration(iteration int, tools []model.ActiveTool) {
	t.mu.Lock()
	if t.state.Status != model.ExecutionExecuting {
		t.mu.Unlock()
		return
	}
	t.state.CurrentIteration = iteration
	t.state.ActiveTools = append([]model.ActiveTool(nil), tools...)
	t.state.Progress = Progress(iteration, t.state.MaxIterations)
	snap := cloneState(t.state)
	t.mu.Unlock()

	t.publish(snap)
}

// Progress is the UI heuristic 60 + iteration/max*30, clamped to the
// iteration ceiling.
func Progress(iteration, maxIterations int) float64 {
	if maxIterations <= 0 {
		return progressBase
	}
	if iteration > maxIterations {
		iteration = maxIterations
	}
	if iteration < 0 {
		iteration = 0
	}
	return progressBase + float64(iteration)/float64(maxIterations)*progressRange
}

// Complete marks the workflow completed.
func (t *Tracker) Complete() {
	t.terminate(model.ExecutionCompleted, "")
}

// Fail marks the workflow errored, keeping err's message.
func (t *Tracker) Fail(err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	t.terminate(model.ExecutionError, msg)
}

func (t *Tracker) terminate(status model.ExecutionStatus, errMsg string) {
	t.mu.Lock()
	if t.state.Status != model.ExecutionExecuting {
		t.mu.Unlock()
		return
	}
	t.state.Status = status
	t.state.Error = errMsg
	t.state.ActiveTools = nil
	if status == model.ExecutionCompleted {
		t.state.Progress = 100
	}
	snap := cloneState(t.state)
	t.mu.Unlock()

	t.publish(snap)
}

// Cancel aborts the current workflow. It stops monitoring, asks c to cancel
// remotely (bounded by the cancel timeout, with retries), then forces the
// local state terminal: cancelled when a workflow was executing, error when
// there was nothing to cancel. The remote error, if any, is returned.
func (t *Tracker) Cancel(ctx context.Context, c Canceller) error {
	t.mu.Lock()
	id := t.state.ExecutionID
	wasExecuting := t.state.Status == model.ExecutionExecuting
	t.mu.Unlock()

	t.stopMonitoring()

	var remoteErr error
	if wasExecuting && c != nil {
		cctx, cancel := context.WithTimeout(ctx, t.cancelTimeout)
		_, remoteErr = backoff.Retry(cctx, func() (struct{}, error) {
			return struct{}{}, c.CancelExecution(cctx, id)
		},
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxTries(3),
		)
		cancel()
		if remoteErr != nil {
			output.Logger.Warn("Remote cancellation failed, forcing local state", "execution_id", id, "error", remoteErr)
			remoteErr = fmt.Errorf("cancel execution %s: %w", id, remoteErr)
		}
	}

	t.mu.Lock()
	switch {
	case wasExecuting || t.state.Status == model.ExecutionExecuting:
		t.state.Status = model.ExecutionCancelled
		t.state.Error = ""
	case !t.state.Status.Terminal():
		t.state.Status = model.ExecutionError
		t.state.Error = "no tool execution to cancel"
	}
	t.state.ActiveTools = nil
	snap := cloneState(t.state)
	t.mu.Unlock()

	t.publish(snap)
	return remoteErr
}

// Monitor polls src every interval until the remote status is terminal, ctx
// is done, or Cancel stops it. A terminal remote status is applied locally.
// Only one monitor runs at a time; starting another stops the previous one.
func (t *Tracker) Monitor(ctx context.Context, src StatusSource, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	t.stopMonitoring()

	mctx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	t.mu.Lock()
	id := t.state.ExecutionID
	t.stopMonitor = stop
	t.monitorDone = done
	t.mu.Unlock()

	defer close(done)
	defer stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-mctx.Done():
			return
		case <-ticker.C:
		}

		status, err := src.ExecutionStatus(mctx, id)
		if err != nil {
			if mctx.Err() != nil {
				return
			}
			output.Logger.Debug("Execution status poll failed", "execution_id", id, "error", err)
			continue
		}
		if !status.Terminal() {
			continue
		}
		switch status {
		case model.ExecutionCompleted:
			t.Complete()
		case model.ExecutionCancelled:
			t.terminate(model.ExecutionCancelled, "")
		default:
			t.terminate(model.ExecutionError, "execution reported an error")
		}
		return
	}
}

func (t *Tracker) stopMonitoring() {
	t.mu.Lock()
	stop, done := t.stopMonitor, t.monitorDone
	t.stopMonitor, t.monitorDone = nil, nil
	t.mu.Unlock()

	if stop == nil {
		return
	}
	stop()
	<-done
}

func (t *Tracker) publish(s model.ToolExecutionState) {
	t.mu.Lock()
	subs := slices.Clone(t.subs)
	t.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

func cloneState(s model.ToolExecutionState) model.ToolExecutionState {
	s.ActiveTools = append([]model.ActiveTool(nil), s.ActiveTools...)
	return s
}

/*
PURPOSE:
  Runs one test end to end: gate, validate, record session activity, start
  the output manager, invoke the model (plain, streaming or tool loop),
  reconcile the result and persist it in the history store.

REQUIREMENTS:
  User-specified:
  - No new run while one is loading, streaming or executing tools.
  - Validation failures never reach the model service.
  - Streaming and tool failures keep their partial output.
  - Determinism evaluation repeats the run and grades consistency.

  Implementation-discovered:
  - Every collaborator is injected; nothing here is global.
  - Storage problems are logged by the stores and never fail a run.

ARCHITECTURE INTEGRATION:
  - Called by: internal/cli (run)
  - Uses: internal/{validation,session,reconcile,history,toolexec}

ERROR HANDLING:
  - ErrBusy for a gated start.
  - validation.Errors for invalid forms.
  - ErrNotReady wrapping an initialization failure.
  - Model / tool errors are returned together with the partial TestResult.
*/

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/daryltucker/prompt-harness/internal/config"
	"github.com/daryltucker/prompt-harness/internal/history"
	"github.com/daryltucker/prompt-harness/internal/model"
	"github.com/daryltucker/prompt-harness/internal/output"
	"github.com/daryltucker/prompt-harness/internal/reconcile"
	"github.com/daryltucker/prompt-harness/internal/session"
	"github.com/daryltucker/prompt-harness/internal/toolexec"
	"github.com/daryltucker/prompt-harness/internal/validation"
)

// ErrBusy is returned when a run is requested while another is in flight.
var ErrBusy = errors.New("a run is already in progress")

// Workflow is the tool-execution collaborator.
type Workflow interface {
	ExecuteWorkflow(ctx context.Context, req toolexec.WorkflowRequest) (toolexec.WorkflowResult, error)
	toolexec.Canceller
	toolexec.StatusSource
}

// Deps are the services a Harness coordinates. Session and Workflow may be
// nil; tool runs then fail validation of the run mode.
type Deps struct {
	Invoker  Invoker
	Session  *session.Tracker
	History  *history.Store
	Outputs  *reconcile.Manager
	Tools    *toolexec.Tracker
	Workflow Workflow
}

// Options tunes a Harness.
type Options struct {
	ToolDefinitions    []config.ToolDefinition
	PollInterval       time.Duration
	DeterminismRuns    int
	DeterminismWorkers int
}

// Harness runs tests. Create one per process.
type Harness struct {
	deps    Deps
	opts    Options
	loading atomic.Bool
	now     func() time.Time
}

func NewHarness(deps Deps, opts Options) *Harness {
	if deps.Tools == nil {
		deps.Tools = toolexec.NewTracker(0)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Harness{deps: deps, opts: opts, now: time.Now}
}

// Busy reports isLoading || isStreaming || isToolExecuting.
func (h *Harness) Busy() bool {
	return h.loading.Load() || h.deps.Outputs.IsActive() || h.deps.Tools.IsExecuting()
}

// Tools returns the tool-execution tracker.
func (h *Harness) Tools() *toolexec.Tracker { return h.deps.Tools }

// CancelToolExecution aborts the running tool workflow. Local state always
// ends terminal; the remote error is returned for display.
func (h *Harness) CancelToolExecution(ctx context.Context) error {
	var c toolexec.Canceller
	if h.deps.Workflow != nil {
		c = h.deps.Workflow
	}
	return h.deps.Tools.Cancel(ctx, c)
}

// Run executes form. On a model or tool failure after output was produced,
// the partial result is stored and returned along with the error.
func (h *Harness) Run(ctx context.Context, form validation.Form) (model.TestResult, error) {
	if h.deps.Outputs.IsActive() || h.deps.Tools.IsExecuting() {
		return model.TestResult{}, ErrBusy
	}
	if !h.loading.CompareAndSwap(false, true) {
		return model.TestResult{}, ErrBusy
	}
	defer h.loading.Store(false)

	if errs := validation.ValidateForm(form); !errs.Valid() {
		return model.TestResult{}, errs
	}
	if form.ToolExecution && h.deps.Workflow == nil {
		return model.TestResult{}, errors.New("tool execution is not configured")
	}

	if !h.deps.Invoker.Ready() {
		if err := h.deps.Invoker.Initialize(ctx); err != nil {
			return model.TestResult{}, fmt.Errorf("%w: %v", ErrNotReady, err)
		}
	}

	if h.deps.Session != nil {
		h.deps.Session.UpdateActivity(ctx, session.ActivityTest)
	}

	result := model.TestResult{
		ID:                   uuid.NewString(),
		ModelID:              form.ModelID,
		SystemPrompt:         form.SystemPrompt,
		UserPrompt:           form.UserPrompt,
		DatasetType:          form.DatasetType,
		DatasetOption:        form.DatasetOption,
		DatasetContent:       form.DatasetContent,
		IsStreamed:           form.Streaming && !form.ToolExecution,
		ToolExecutionEnabled: form.ToolExecution,
	}
	if err := h.deps.Outputs.Initialize(ctx, result.ID, reconcile.RunConfig{
		ModelID:       form.ModelID,
		SystemPrompt:  form.SystemPrompt,
		UserPrompt:    form.UserPrompt,
		Streaming:     result.IsStreamed,
		ToolExecution: form.ToolExecution,
	}); err != nil {
		return model.TestResult{}, err
	}

	req := Request{
		ModelID:        form.ModelID,
		SystemPrompt:   form.SystemPrompt,
		UserPrompt:     form.UserPrompt,
		DatasetContent: form.DatasetContent,
	}

	var err error
	switch {
	case form.ToolExecution:
		result, err = h.runTools(ctx, form, req, result)
	case form.Streaming:
		result, err = h.runStreaming(ctx, req, result)
	default:
		result, err = h.runInvoke(ctx, req, result)
	}
	if err != nil && result.Response == "" && result.WorkflowData == nil {
		// Nothing worth keeping.
		return model.TestResult{}, err
	}

	result.Timestamp = h.now()
	if err != nil {
		result.Partial = true
		result.Error = err.Error()
	}
	result = h.deps.History.Save(ctx, result)
	output.Logger.Info("Run finished", "id", result.ID, "model", result.ModelID,
		"streamed", result.IsStreamed, "partial", result.Partial, "output_tokens", result.Usage.OutputTokens)

	if err == nil && form.Determinism {
		grade, gerr := EvaluateDeterminism(ctx, h.deps.Invoker, req, result.Response, h.opts.DeterminismRuns, h.opts.DeterminismWorkers)
		if gerr != nil {
			output.Logger.Warn("Determinism evaluation failed", "id", result.ID, "error", gerr)
		} else {
			grade.GradedAt = h.now()
			if aerr := h.deps.History.AttachDeterminismGrade(ctx, result.ID, grade); aerr != nil {
				output.Logger.Warn("Could not attach determinism grade", "id", result.ID, "error", aerr)
			}
			result.DeterminismGrade = &grade
		}
	}
	return result, err
}

func (h *Harness) runInvoke(ctx context.Context, req Request, result model.TestResult) (model.TestResult, error) {
	resp, err := h.deps.Invoker.Invoke(ctx, req)
	if err != nil {
		h.failOutput(ctx, "", err)
		return result, err
	}
	usage := resp.Usage
	if err := h.deps.Outputs.Update(ctx, resp.Text, reconcile.UpdateOptions{
		IsComplete: true,
		Metadata:   &reconcile.Metadata{Usage: &usage},
	}); err != nil {
		return result, err
	}
	result.Response = h.deps.Outputs.State().Output.Output
	result.Usage = resp.Usage
	return result, nil
}

func (h *Harness) runStreaming(ctx context.Context, req Request, result model.TestResult) (model.TestResult, error) {
	s, err := h.deps.Invoker.Stream(ctx, req)
	if err != nil {
		h.failOutput(ctx, "", err)
		return result, err
	}
	defer s.Close()

	for {
		c, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			snap := h.failOutput(ctx, "", err)
			result.Response = snap.Output.Output
			return result, fmt.Errorf("stream interrupted: %w", err)
		}
		if c.Usage != nil {
			result.Usage = *c.Usage
		}
		if c.Text == "" {
			continue
		}
		if err := h.deps.Outputs.Update(ctx, c.Text, reconcile.UpdateOptions{
			IsChunk:  true,
			Metadata: &reconcile.Metadata{Tokens: c.Tokens},
		}); err != nil {
			return result, err
		}
	}

	if err := h.deps.Outputs.CompleteStreaming(ctx, model.StreamingMetrics{}); err != nil {
		return result, err
	}
	snap := h.deps.Outputs.State()
	result.Response = snap.Output.Output
	result.StreamingMetrics = snap.Metadata.StreamingMetrics
	return result, nil
}

func (h *Harness) runTools(ctx context.Context, form validation.Form, req Request, result model.TestResult) (model.TestResult, error) {
	execID := uuid.NewString()
	if err := h.deps.Tools.Initialize(execID, form.MaxIterations); err != nil {
		h.failOutput(ctx, "", err)
		return result, err
	}

	result.ToolConfigurationStatus = &model.ToolConfigurationStatus{
		Enabled:   true,
		ToolCount: len(h.opts.ToolDefinitions),
		Valid:     len(h.opts.ToolDefinitions) > 0,
	}
	if len(h.opts.ToolDefinitions) == 0 {
		result.ToolConfigurationStatus.Message = "no tools configured; the model will answer directly"
	}

	mctx, stopMonitor := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.deps.Tools.Monitor(mctx, h.deps.Workflow, h.opts.PollInterval)
	}()

	res, err := h.deps.Workflow.ExecuteWorkflow(ctx, toolexec.WorkflowRequest{
		ExecutionID:    execID,
		ModelID:        req.ModelID,
		SystemPrompt:   req.SystemPrompt,
		UserPrompt:     req.UserPrompt,
		DatasetContent: req.DatasetContent,
		Tools:          h.opts.ToolDefinitions,
		MaxIterations:  form.MaxIterations,
		OnIteration:    h.deps.Tools.UpdateIteration,
	})
	stopMonitor()
	wg.Wait()

	result.Usage = res.Usage
	result.Response = res.FinalResponse
	workflow := res.Workflow
	result.WorkflowData = &workflow
	result.ToolUsage = &model.ToolUsage{ToolCalls: res.ToolExecutions, TotalToolCalls: res.TotalToolCalls}

	if err != nil {
		h.deps.Tools.Fail(err)
		cat := toolexec.Categorize(err)
		output.Logger.Warn("Tool execution failed", "execution_id", execID, "category", cat, "error", err)
		h.failOutput(ctx, res.FinalResponse, err)
		return result, fmt.Errorf("%w (%s)", err, toolexec.Remediation(cat))
	}

	h.deps.Tools.Complete()
	usage := res.Usage
	if err := h.deps.Outputs.Update(ctx, res.FinalResponse, reconcile.UpdateOptions{
		IsComplete: true,
		Metadata:   &reconcile.Metadata{Usage: &usage},
	}); err != nil {
		return result, err
	}
	return result, nil
}

func (h *Harness) failOutput(ctx context.Context, partial string, cause error) reconcile.Snapshot {
	snap, err := h.deps.Outputs.FailWithOutput(ctx, partial, cause)
	if err != nil {
		output.Logger.Debug("Output manager had no active run", "error", err)
	}
	return snap
}

package toolexec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/daryltucker/prompt-harness/internal/config"
	"github.com/daryltucker/prompt-harness/internal/model"
	"github.com/daryltucker/prompt-harness/internal/output"
)

// Message is one turn of a tool conversation.
type Message struct {
	Role        string           // "user" or "assistant"
	Text        string
	ToolCalls   []model.ToolCall // requested by the assistant
	ToolResults []model.ToolCall // answered by the user turn, Output/Error set
}

// TurnRequest is one model round trip inside a workflow.
type TurnRequest struct {
	ModelID      string
	SystemPrompt string
	Messages     []Message
	Tools        []config.ToolDefinition
}

// TurnResponse is the model's answer to a TurnRequest.
type TurnResponse struct {
	Text      string
	ToolCalls []model.ToolCall
	Usage     model.Usage
}

// ModelCaller performs one model round trip with tools attached.
type ModelCaller interface {
	Converse(ctx context.Context, req TurnRequest) (TurnResponse, error)
}

// ToolRunner executes a single tool call and returns its output.
type ToolRunner interface {
	RunTool(ctx context.Context, call model.ToolCall) (string, error)
}

// WorkflowRequest starts a tool workflow.
type WorkflowRequest struct {
	ExecutionID    string
	ModelID        string
	SystemPrompt   string
	UserPrompt     string
	DatasetContent string
	Tools          []config.ToolDefinition
	MaxIterations  int
	// OnIteration is called at the start of each iteration and again as the
	// iteration's tools change status.
	OnIteration func(iteration int, tools []model.ActiveTool)
}

// WorkflowResult is what a workflow produced. On failure it holds whatever
// was gathered before the error.
type WorkflowResult struct {
	FinalResponse  string
	ToolExecutions []model.ToolCall
	TotalToolCalls int
	Usage          model.Usage
	Workflow       model.WorkflowData
}

// IterationError is a failure inside a specific iteration.
type IterationError struct {
	Iteration     int
	MaxIterations int
	Err           error
}

func (e *IterationError) Error() string {
	return fmt.Sprintf("iteration %d of %d: %v", e.Iteration, e.MaxIterations, e.Err)
}

func (e *IterationError) Unwrap() error { return e.Err }

// LoopExecutor runs tool workflows in-process: model call, tool calls through
// a ToolRunner, results back to the model, up to MaxIterations. It also
// serves as the Canceller and StatusSource for a Tracker.
type LoopExecutor struct {
	caller ModelCaller
	runner ToolRunner

	mu         sync.Mutex
	executions map[string]*execution
}

type execution struct {
	cancel context.CancelFunc
	status model.ExecutionStatus
}

func NewLoopExecutor(caller ModelCaller, runner ToolRunner) *LoopExecutor {
	return &LoopExecutor{
		caller:     caller,
		runner:     runner,
		executions: make(map[string]*execution),
	}
}

// ExecuteWorkflow runs the loop. When the model stops requesting tools its
// text is final; when the ceiling is reached the last response is final.
// On error the partial result is returned alongside the error.
func (e *LoopExecutor) ExecuteWorkflow(ctx context.Context, req WorkflowRequest) (WorkflowResult, error) {
	if req.ExecutionID == "" {
		req.ExecutionID = uuid.NewString()
	}
	if req.MaxIterations <= 0 {
		req.MaxIterations = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := e.register(req.ExecutionID, cancel); err != nil {
		return WorkflowResult{}, err
	}

	res := WorkflowResult{Workflow: model.WorkflowData{Metadata: model.WorkflowMetadata{
		ExecutionID: req.ExecutionID,
		Status:      string(model.ExecutionExecuting),
	}}}

	msgs := []Message{{Role: "user", Text: userText(req.UserPrompt, req.DatasetContent)}}
	var lastText string

	for iter := 1; iter <= req.MaxIterations; iter++ {
		res.Workflow.Metadata.IterationCount = iter
		notifyIteration(req, iter, nil)

		if err := ctx.Err(); err != nil {
			return e.abort(req, res, lastText, iter, err)
		}

		resp, err := e.caller.Converse(ctx, TurnRequest{
			ModelID:      req.ModelID,
			SystemPrompt: req.SystemPrompt,
			Messages:     msgs,
			Tools:        req.Tools,
		})
		if err != nil {
			return e.abort(req, res, lastText, iter, err)
		}
		lastText = resp.Text
		res.Usage = res.Usage.Add(resp.Usage)

		it := model.Iteration{Number: iter, Response: resp.Text, Usage: resp.Usage}
		if len(resp.ToolCalls) == 0 {
			res.Workflow.Iterations = append(res.Workflow.Iterations, it)
			return e.finish(req, res, resp.Text), nil
		}

		calls, err := e.runTools(ctx, req, iter, resp.ToolCalls)
		it.ToolCalls = calls
		res.Workflow.Iterations = append(res.Workflow.Iterations, it)
		res.ToolExecutions = append(res.ToolExecutions, calls...)
		res.TotalToolCalls += len(calls)
		if err != nil {
			return e.abort(req, res, lastText, iter, err)
		}

		msgs = append(msgs,
			Message{Role: "assistant", Text: resp.Text, ToolCalls: resp.ToolCalls},
			Message{Role: "user", ToolResults: calls},
		)
	}

	output.Logger.Info("Tool workflow reached its iteration ceiling", "execution_id", req.ExecutionID, "max_iterations", req.MaxIterations)
	return e.finish(req, res, lastText), nil
}

func (e *LoopExecutor) runTools(ctx context.Context, req WorkflowRequest, iter int, requested []model.ToolCall) ([]model.ToolCall, error) {
	active := make([]model.ActiveTool, len(requested))
	for i, c := range requested {
		active[i] = model.ActiveTool{Name: c.Name, Input: inputString(c.Input), Status: model.ToolStarted}
	}
	notifyIteration(req, iter, active)

	done := make([]model.ToolCall, 0, len(requested))
	for i, call := range requested {
		call.Iteration = iter
		if call.ID == "" {
			call.ID = uuid.NewString()
		}
		active[i].Status = model.ToolInProgress
		notifyIteration(req, iter, active)

		start := time.Now()
		out, err := e.runner.RunTool(ctx, call)
		call.Duration = time.Since(start)
		call.Output = out
		if err != nil {
			call.Error = err.Error()
			done = append(done, call)
			return done, fmt.Errorf("tool %s: %w", call.Name, err)
		}
		done = append(done, call)
		active[i].Status = model.ToolCompleted
		notifyIteration(req, iter, active)
	}
	return done, nil
}

func (e *LoopExecutor) finish(req WorkflowRequest, res WorkflowResult, final string) WorkflowResult {
	e.setStatus(req.ExecutionID, model.ExecutionCompleted)
	res.FinalResponse = final
	res.Workflow.Metadata.TotalToolCalls = res.TotalToolCalls
	res.Workflow.Metadata.Status = string(model.ExecutionCompleted)
	return res
}

func (e *LoopExecutor) abort(req WorkflowRequest, res WorkflowResult, lastText string, iter int, cause error) (WorkflowResult, error) {
	status := model.ExecutionError
	if errors.Is(cause, context.Canceled) {
		status = model.ExecutionCancelled
	}
	e.setStatus(req.ExecutionID, status)

	err := &IterationError{Iteration: iter, MaxIterations: req.MaxIterations, Err: cause}
	cat := Categorize(err)
	res.Workflow.Metadata.Status = string(status)
	res.Workflow.Metadata.TotalToolCalls = res.TotalToolCalls
	res.Workflow.Metadata.Error = err.Error()
	res.Workflow.Metadata.ErrorCategory = string(cat)
	res.FinalResponse = PartialText(iter, req.MaxIterations, lastText, cause)
	return res, err
}

// PartialText is the response text recorded for a workflow that failed at
// iteration iter.
func PartialText(iter, maxIterations int, lastText string, cause error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tool execution stopped at iteration %d of %d: %v", iter, maxIterations, cause)
	if lastText != "" {
		b.WriteString("\n\nPartial response:\n")
		b.WriteString(lastText)
	}
	return b.String()
}

// CancelExecution cancels a running execution. Cancelling a finished or
// unknown execution is not an error.
func (e *LoopExecutor) CancelExecution(_ context.Context, executionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ex, ok := e.executions[executionID]
	if !ok || ex.status.Terminal() {
		return nil
	}
	ex.cancel()
	ex.status = model.ExecutionCancelled
	return nil
}

// ExecutionStatus reports the status of an execution started by this executor.
func (e *LoopExecutor) ExecutionStatus(_ context.Context, executionID string) (model.ExecutionStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ex, ok := e.executions[executionID]
	if !ok {
		return model.ExecutionIdle, fmt.Errorf("unknown execution %q", executionID)
	}
	return ex.status, nil
}

func (e *LoopExecutor) register(id string, cancel context.CancelFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ex, ok := e.executions[id]; ok && ex.status == model.ExecutionExecuting {
		return ErrExecutionActive
	}
	e.executions[id] = &execution{cancel: cancel, status: model.ExecutionExecuting}
	return nil
}

func (e *LoopExecutor) setStatus(id string, status model.ExecutionStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ex, ok := e.executions[id]
	if !ok {
		return
	}
	// A cancel that already landed wins over a late completion.
	if ex.status == model.ExecutionCancelled {
		return
	}
	ex.status = status
}

func notifyIteration(req WorkflowRequest, iter int, tools []model.ActiveTool) {
	if req.OnIteration != nil {
		req.OnIteration(iter, append([]model.ActiveTool(nil), tools...))
	}
}

func userText(prompt, dataset string) string {
	if dataset == "" {
		return prompt
	}
	return prompt + "\n\n" + dataset
}

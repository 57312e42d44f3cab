/*
PURPOSE:
  Defines the core data structures used throughout Prompt Harness.
  These models represent runs, persisted UI state, sessions and the live
  state of in-flight model output and tool workflows.

REQUIREMENTS:
  User-specified:
  - Record model, prompts, dataset, response, token usage per run.
  - Track streaming metrics, tool usage and determinism grades.

  Implementation-discovered:
  - Need JSON tags: every record here is persisted in the durable store.
  - Missing fields must decode to usable defaults (no schema versioning).

ARCHITECTURE INTEGRATION:
  - Used by: every internal package.
  - Shared across boundaries.

ERROR HANDLING:
  - None (pure data structs).

IMPLEMENTATION RULES:
  - Keep structs simple and public.
  - Use time.Time and time.Duration for high precision.

RELATED FILES:
  - internal/output/csv.go
  - internal/output/json.go

MAINTENANCE:
  - Update CSV/JSON writers when adding fields to TestResult.
*/

package model

import (
	"time"
)

// Usage is the token accounting reported by the model service.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add returns the element-wise sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		TotalTokens:  u.TotalTokens + o.TotalTokens,
	}
}

// StreamingMetrics describes how a streamed response arrived.
type StreamingMetrics struct {
	TokensReceived    int           `json:"tokens_received"`
	FirstTokenLatency time.Duration `json:"first_token_latency"`
	Duration          time.Duration `json:"duration"`
	TokensPerSecond   float64       `json:"tokens_per_second"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input,omitempty"`
	Output    string         `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Iteration int            `json:"iteration"`
	Duration  time.Duration  `json:"duration"`
}

// ToolUsage summarizes tool calls made during a run.
type ToolUsage struct {
	ToolCalls      []ToolCall `json:"tool_calls,omitempty"`
	TotalToolCalls int        `json:"total_tool_calls"`
}

// ToolConfigurationStatus records whether the tool configuration sent with a
// run was usable.
type ToolConfigurationStatus struct {
	Enabled   bool   `json:"enabled"`
	ToolCount int    `json:"tool_count"`
	Valid     bool   `json:"valid"`
	Message   string `json:"message,omitempty"`
}

// WorkflowMetadata is the summary of a tool-execution workflow.
type WorkflowMetadata struct {
	ExecutionID    string `json:"execution_id"`
	IterationCount int    `json:"iteration_count"`
	TotalToolCalls int    `json:"total_tool_calls"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
	ErrorCategory  string `json:"error_category,omitempty"`
}

// Iteration is one model round trip within a workflow.
type Iteration struct {
	Number    int        `json:"number"`
	Response  string     `json:"response"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// WorkflowData is the full record of a tool-execution workflow.
type WorkflowData struct {
	Metadata   WorkflowMetadata `json:"metadata"`
	Iterations []Iteration      `json:"iterations,omitempty"`
}

// DeterminismGrade is the consistency score from repeating a run.
type DeterminismGrade struct {
	Grade     string    `json:"grade"`
	Score     float64   `json:"score"`
	Runs      int       `json:"runs"`
	Responses []string  `json:"responses,omitempty"`
	GradedAt  time.Time `json:"graded_at"`
}

// TestResult represents the outcome of a single run.
type TestResult struct {
	ID             string `json:"id"`
	ModelID        string `json:"model_id"`
	SystemPrompt   string `json:"system_prompt"`
	UserPrompt     string `json:"user_prompt"`
	DatasetType    string `json:"dataset_type,omitempty"`
	DatasetOption  string `json:"dataset_option,omitempty"`
	DatasetContent string `json:"dataset_content,omitempty"`
	Response       string `json:"response"`
	Usage          Usage  `json:"usage"`

	IsStreamed       bool              `json:"is_streamed"`
	StreamingMetrics *StreamingMetrics `json:"streaming_metrics,omitempty"`

	ToolUsage               *ToolUsage               `json:"tool_usage,omitempty"`
	ToolConfigurationStatus *ToolConfigurationStatus `json:"tool_configuration_status,omitempty"`
	ToolExecutionEnabled    bool                     `json:"tool_execution_enabled"`
	WorkflowData            *WorkflowData            `json:"workflow_data,omitempty"`

	DeterminismGrade *DeterminismGrade `json:"determinism_grade,omitempty"`

	Partial   bool      `json:"partial,omitempty"` // Run failed but kept its partial output
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a logical period of continuous user activity.
type Session struct {
	SessionID       string    `json:"session_id"`
	StartTime       time.Time `json:"start_time"`
	LastActivity    time.Time `json:"last_activity"`
	TestCount       int       `json:"test_count"`
	NavigationCount int       `json:"navigation_count"`
}

// Tab is one of the top-level views.
type Tab string

const (
	TabTest       Tab = "test"
	TabHistory    Tab = "history"
	TabComparison Tab = "comparison"
)

// Valid reports whether t is a known tab.
func (t Tab) Valid() bool {
	switch t {
	case TabTest, TabHistory, TabComparison:
		return true
	}
	return false
}

// UIState is the persisted form and view state.
type UIState struct {
	ActiveTab             Tab               `json:"active_tab"`
	SelectedForComparison []string          `json:"selected_for_comparison"`
	ValidationErrors      map[string]string `json:"validation_errors"`
	TouchedFields         map[string]bool   `json:"touched_fields"`
	LastUpdated           time.Time         `json:"last_updated"`
}

// NavigationState tracks route and tab changes.
type NavigationState struct {
	CurrentRoute      string    `json:"current_route"`
	PreviousRoute     string    `json:"previous_route"`
	NavigationHistory []string  `json:"navigation_history"`
	TabHistory        []Tab     `json:"tab_history"`
	LastUpdated       time.Time `json:"last_updated"`
}

// StreamingProgress is the live progress of a streamed response.
type StreamingProgress struct {
	TokensReceived    int           `json:"tokens_received"`
	StartTime         time.Time     `json:"start_time"`
	FirstTokenLatency time.Duration `json:"first_token_latency"`
	Duration          time.Duration `json:"duration"`
}

// StreamingState is the streaming part of ModelOutputState.
type StreamingState struct {
	IsStreaming       bool              `json:"is_streaming"`
	StreamingProgress StreamingProgress `json:"streaming_progress"`
}

// ModelOutputState is the live output of the current run.
type ModelOutputState struct {
	TestID    string         `json:"test_id"`
	Output    string         `json:"output"`
	Streaming StreamingState `json:"streaming"`
	LastError string         `json:"last_error,omitempty"`
}

// ToolStatus is the lifecycle of one active tool call.
type ToolStatus string

const (
	ToolStarted    ToolStatus = "started"
	ToolInProgress ToolStatus = "in_progress"
	ToolCompleted  ToolStatus = "completed"
)

// ActiveTool is a tool call observed during the current iteration.
type ActiveTool struct {
	Name   string     `json:"name"`
	Input  string     `json:"input"` // Input received so far
	Status ToolStatus `json:"status"`
}

// ExecutionStatus is the lifecycle of a tool workflow.
type ExecutionStatus string

const (
	ExecutionIdle      ExecutionStatus = "idle"
	ExecutionExecuting ExecutionStatus = "executing"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionError     ExecutionStatus = "error"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transitions are expected.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionError || s == ExecutionCancelled
}

// ToolExecutionState is the live state of the current tool workflow.
type ToolExecutionState struct {
	ExecutionID      string          `json:"execution_id"`
	CurrentIteration int             `json:"current_iteration"`
	MaxIterations    int             `json:"max_iterations"`
	ActiveTools      []ActiveTool    `json:"active_tools"`
	Status           ExecutionStatus `json:"status"`
	Progress         float64         `json:"progress"`
	Error            string          `json:"error,omitempty"`
}

// Package validation checks a run form before any model call is made.
package validation

import (
	"fmt"
	"sort"
	"strings"
)

// Iteration bounds for tool-execution mode.
const (
	MinIterations = 1
	MaxIterations = 20
)

// Field names used as keys in Errors. They match the persisted
// UIState.ValidationErrors / TouchedFields keys.
const (
	FieldModel         = "model"
	FieldUserPrompt    = "userPrompt"
	FieldDatasetType   = "datasetType"
	FieldDatasetOption = "datasetOption"
	FieldModes         = "modes"
	FieldMaxIterations = "maxIterations"
)

// Form is everything a user supplies for one run.
type Form struct {
	ModelID        string
	SystemPrompt   string
	UserPrompt     string
	DatasetType    string
	DatasetOption  string
	DatasetContent string

	Streaming     bool
	ToolExecution bool
	Determinism   bool
	MaxIterations int
}

// Errors maps a field name to its message. An empty Errors is valid.
type Errors map[string]string

func (e Errors) Valid() bool { return len(e) == 0 }

// Error lists the failures sorted by field.
func (e Errors) Error() string {
	fields := make([]string, 0, len(e))
	for f := range e {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = fmt.Sprintf("%s: %s", f, e[f])
	}
	return "invalid form: " + strings.Join(parts, "; ")
}

// Err returns e as an error, or nil when there are no failures.
func (e Errors) Err() error {
	if e.Valid() {
		return nil
	}
	return e
}

// ValidateForm checks f. It has no side effects.
func ValidateForm(f Form) Errors {
	errs := Errors{}
	if strings.TrimSpace(f.ModelID) == "" {
		errs[FieldModel] = "Please select a model"
	}
	if strings.TrimSpace(f.UserPrompt) == "" {
		errs[FieldUserPrompt] = "User prompt is required"
	}
	if strings.TrimSpace(f.DatasetContent) != "" {
		if strings.TrimSpace(f.DatasetType) == "" {
			errs[FieldDatasetType] = "Please select a dataset type"
		}
		if strings.TrimSpace(f.DatasetOption) == "" {
			errs[FieldDatasetOption] = "Please select a dataset"
		}
	}
	if f.ToolExecution && f.Determinism {
		errs[FieldModes] = "Tool execution and determinism evaluation cannot be used together"
	}
	if f.ToolExecution && (f.MaxIterations < MinIterations || f.MaxIterations > MaxIterations) {
		errs[FieldMaxIterations] = fmt.Sprintf("Max iterations must be between %d and %d", MinIterations, MaxIterations)
	}
	return errs
}

package toolexec

import (
	"context"
	"errors"
	"strings"
)

// Category classifies a workflow failure for the message shown to the user.
// It never changes control flow.
type Category string

const (
	CategoryIterationLimit      Category = "iteration-limit"
	CategoryTimeout             Category = "timeout"
	CategoryAuth                Category = "auth"
	CategoryToolNotFound        Category = "tool-not-found"
	CategoryParameterValidation Category = "parameter-validation"
	CategoryOther               Category = "other"
)

var (
	ErrIterationLimit = errors.New("maximum iterations reached")
	ErrToolNotFound   = errors.New("tool not found")
	ErrInvalidInput   = errors.New("invalid tool parameters")
)

// Categorize maps err to a Category. Sentinel errors are checked first, then
// the message text, since remote services only give us strings.
func Categorize(err error) Category {
	if err == nil {
		return CategoryOther
	}
	switch {
	case errors.Is(err, ErrIterationLimit):
		return CategoryIterationLimit
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.Is(err, ErrToolNotFound):
		return CategoryToolNotFound
	case errors.Is(err, ErrInvalidInput):
		return CategoryParameterValidation
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "max iterations", "maximum iterations", "iteration limit"):
		return CategoryIterationLimit
	case containsAny(msg, "timeout", "timed out", "deadline"):
		return CategoryTimeout
	case containsAny(msg, "credential", "unauthorized", "accessdenied", "access denied", "forbidden", "expiredtoken", "security token"):
		return CategoryAuth
	case containsAny(msg, "tool not found", "unknown tool", "no such tool"):
		return CategoryToolNotFound
	case containsAny(msg, "validation", "invalid parameter", "invalid input", "missing required"):
		return CategoryParameterValidation
	}
	return CategoryOther
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Remediation returns the guidance shown next to a failure of category c.
func Remediation(c Category) string {
	switch c {
	case CategoryIterationLimit:
		return "The workflow hit its iteration ceiling. Raise max iterations or simplify the prompt so fewer tool rounds are needed."
	case CategoryTimeout:
		return "The model or a tool took too long to respond. Retry, or reduce the dataset size."
	case CategoryAuth:
		return "Credentials were rejected. Check your AWS profile and region, and that the model is enabled for your account."
	case CategoryToolNotFound:
		return "The model asked for a tool that is not configured. Check tools.endpoints in the configuration."
	case CategoryParameterValidation:
		return "A tool rejected the parameters the model sent. Review the tool's input schema and the prompt's instructions."
	default:
		return "The tool workflow failed. Retry the run; partial results have been kept."
	}
}

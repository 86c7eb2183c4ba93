package agent

import (
	"errors"

	"github.com/xaenox/onebot-agent/internal/threadlock"
)

var (
	// ErrModelInvocation aborts a run when the model call fails or times
	// out. The human turn stays persisted.
	ErrModelInvocation = errors.New("model invocation failed")
	// ErrUnknownTool means the model asked for a tool the registry does not
	// have, i.e. the model and registry disagree.
	ErrUnknownTool = errors.New("unknown tool requested")
	// ErrPersistence wraps conversation store failures.
	ErrPersistence = errors.New("conversation persistence failed")
	// ErrToolRoundsExceeded stops a model that keeps requesting tools.
	ErrToolRoundsExceeded = errors.New("too many tool rounds")
)

// runStatus is the metrics label for a finished run.
func runStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrModelInvocation):
		return "model_error"
	case errors.Is(err, ErrUnknownTool):
		return "unknown_tool"
	case errors.Is(err, ErrPersistence):
		return "persistence_error"
	case errors.Is(err, ErrToolRoundsExceeded):
		return "tool_rounds_exceeded"
	case errors.Is(err, threadlock.ErrLockTimeout):
		return "lock_timeout"
	default:
		return "error"
	}
}

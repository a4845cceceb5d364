package tools

import "fmt"

// ErrToolUnavailable reports a call that targeted a tool absent from
// the effective registry, usually because it was filtered out for the
// current context. It marks a capability mismatch, not a transient
// failure, so callers should not retry the same call.
type ErrToolUnavailable struct {
	ToolName string
}

func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

package llm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message represents a chat message in the model context.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall is the canonical tool call shape. Providers normalize their
// wire formats into it exactly once, at the boundary: ID is always
// present (synthesized when the provider omits one) and Arguments is
// the raw JSON object text, preserved unparsed so validation can reject
// exactly what the model produced.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDef describes one callable tool offered to the model. Parameters
// is a JSON Schema document.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage is provider-reported token accounting. Cache fields stay zero
// when the provider does not report them.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CacheReadTokens  int
	CacheWriteTokens int
}

// Request is one model call.
type Request struct {
	Model     string
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int

	// Timeout bounds this call. Zero leaves the caller's context in
	// charge.
	Timeout time.Duration
}

// Result is the unified response from any provider. Usage is nil when
// the provider reported no accounting; callers must not read that as
// zero tokens.
type Result struct {
	Model        string
	CreatedAt    time.Time
	Message      Message
	FinishReason string
	Usage        *Usage

	// Timing (populated when the provider reports it)
	TotalDuration time.Duration
	EvalDuration  time.Duration
}

// StreamCallback receives incremental text while a response streams.
type StreamCallback func(delta string)

// synthesizeID builds a deterministic id for a tool call that arrived
// without one, stable for the same name and position.
func synthesizeID(name string, index int) string {
	return fmt.Sprintf("call_%s_%d", name, index)
}

// marshalArgs renders a provider argument object as canonical JSON text.
func marshalArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// wireTool is the OpenAI-style tool wrapper both providers accept.
type wireTool struct {
	Type     string  `json:"type"`
	Function ToolDef `json:"function"`
}

func wireToolList(tools []ToolDef) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]wireTool, 0, len(tools))
	for _, def := range tools {
		if def.Parameters == nil {
			def.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, wireTool{Type: "function", Function: def})
	}
	return result
}

// toolNames extracts the offered tool names, used for validation and
// for filtering text-recovered calls.
func toolNames(tools []ToolDef) []string {
	if len(tools) == 0 {
		return nil
	}
	names := make([]string, 0, len(tools))
	for _, def := range tools {
		names = append(names, def.Name)
	}
	return names
}

// Package events defines the streaming event vocabulary for a turn and
// the operational broadcast bus. Phase generators (recall, the agent
// loop, response generation) emit Events; the sequencer merges them
// into one ordered stream; the ledger derives message records and
// metrics from them; observers (WebSocket feed, MQTT mirror) receive a
// best-effort copy via the Bus.
package events

import (
	"time"
)

// Source constants identify which component produced an event.
const (
	// SourceAgent identifies events from the tool-calling turn loop.
	SourceAgent = "agent"
	// SourceRecall identifies events from the prior-conversation recall phase.
	SourceRecall = "recall"
	// SourceLedger identifies events from conversation persistence.
	SourceLedger = "ledger"
	// SourceTask identifies events from background task execution.
	SourceTask = "task"
	// SourceSummarizer identifies events from the idle-close sweep.
	SourceSummarizer = "summarizer"
)

// Turn-stream kind constants. These names and their Data keys are a
// wire contract shared with every stream consumer; do not rename.
const (
	// KindLLMCall signals the start of a model call.
	// Data: context, tools.
	KindLLMCall = "llm_call"
	// KindLLMCallComplete signals completion of a model call.
	// Data: context, result.
	KindLLMCallComplete = "llm_call_complete"
	// KindToolCall signals the start of a tool execution.
	// Data: toolCall {id, function {name, arguments}}.
	KindToolCall = "tool_call"
	// KindToolCallComplete signals completion of a tool execution.
	// Data: toolCall, result.
	KindToolCallComplete = "tool_call_complete"
	// KindDelta carries an incremental chunk of assistant output.
	// Data: messageId, delta, finishReason (omitted until final).
	KindDelta = "delta"
	// KindRecollection carries one recalled chunk of a prior conversation.
	// Data: recollectionId, sourceConversationId, chunkIndex, content,
	// score, messageStartIndex, messageEndIndex.
	KindRecollection = "recollection"
	// KindError carries a diagnostic or fatal error.
	// Data: error.
	KindError = "error"
)

// Bus-only kind constants for lifecycle observers. These never appear
// in a turn stream.
const (
	// KindConversationOpen signals a conversation was created or reopened.
	// Data: conversation_id, token.
	KindConversationOpen = "conversation_open"
	// KindConversationClosed signals an idle or explicit close.
	// Data: conversation_id, reason.
	KindConversationClosed = "conversation_closed"
	// KindTaskStatus signals a background task status transition.
	// Data: task_id, status.
	KindTaskStatus = "task_status"
)

// Event is a single timestamped occurrence with a kind-specific payload.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that produced the event.
	Source string `json:"source"`
	// Kind describes the type of event.
	Kind string `json:"kind"`
	// Data holds the kind-specific payload keys.
	Data map[string]any `json:"data,omitempty"`
}

// ToolCallPayload is the wire shape of a tool call inside tool_call and
// tool_call_complete events.
type ToolCallPayload struct {
	ID       string       `json:"id"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its raw JSON arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// RecollectionPayload is the wire shape of one recalled chunk.
type RecollectionPayload struct {
	RecollectionID       string  `json:"recollectionId"`
	SourceConversationID string  `json:"sourceConversationId"`
	ChunkIndex           int     `json:"chunkIndex"`
	Content              string  `json:"content"`
	Score                float64 `json:"score"`
	MessageStartIndex    int     `json:"messageStartIndex"`
	MessageEndIndex      int     `json:"messageEndIndex"`
}

// LLMCall builds the event emitted before a model call. context is the
// message list sent; tools lists the tool names offered.
func LLMCall(source string, context any, tools []string) Event {
	return Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      KindLLMCall,
		Data:      map[string]any{"context": context, "tools": tools},
	}
}

// LLMCallComplete builds the event emitted after a model call returns.
func LLMCallComplete(source string, context, result any) Event {
	return Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      KindLLMCallComplete,
		Data:      map[string]any{"context": context, "result": result},
	}
}

// ToolCall builds the event emitted before a tool executes.
func ToolCall(source string, tc ToolCallPayload) Event {
	return Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      KindToolCall,
		Data:      map[string]any{"toolCall": tc},
	}
}

// ToolCallComplete builds the event emitted after a tool finishes.
func ToolCallComplete(source string, tc ToolCallPayload, result string) Event {
	return Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      KindToolCallComplete,
		Data:      map[string]any{"toolCall": tc, "result": result},
	}
}

// Delta builds an incremental output event. finishReason is omitted
// from the payload while empty; the final delta of a message carries it.
func Delta(source, messageID, delta, finishReason string) Event {
	data := map[string]any{"messageId": messageID, "delta": delta}
	if finishReason != "" {
		data["finishReason"] = finishReason
	}
	return Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      KindDelta,
		Data:      data,
	}
}

// Recollection builds the event for one recalled chunk.
func Recollection(source string, r RecollectionPayload) Event {
	return Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      KindRecollection,
		Data: map[string]any{
			"recollectionId":       r.RecollectionID,
			"sourceConversationId": r.SourceConversationID,
			"chunkIndex":           r.ChunkIndex,
			"content":              r.Content,
			"score":                r.Score,
			"messageStartIndex":    r.MessageStartIndex,
			"messageEndIndex":      r.MessageEndIndex,
		},
	}
}

// Error builds a diagnostic or fatal error event.
func Error(source string, err error) Event {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      KindError,
		Data:      map[string]any{"error": msg},
	}
}

// ErrorText builds an error event from an already-formatted message.
func ErrorText(source, msg string) Event {
	return Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      KindError,
		Data:      map[string]any{"error": msg},
	}
}

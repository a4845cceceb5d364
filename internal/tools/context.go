package tools

import "context"

type contextKey string

const (
	conversationIDKey contextKey = "conversation_id"
	requestIDKey      contextKey = "request_id"
)

// WithConversationID tags ctx with the conversation a tool call
// belongs to.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey, id)
}

// ConversationIDFromContext returns the conversation id, or "" when
// the call runs outside any conversation.
func ConversationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(conversationIDKey).(string); ok {
		return id
	}
	return ""
}

// WithRequestID tags ctx with the request that triggered the turn.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

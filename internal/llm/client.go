// Package llm provides model provider clients. Every provider
// normalizes its wire format into the shared Message/ToolCall/Result
// shapes so nothing downstream knows which provider served a call.
package llm

import "context"

// Client is the interface that all model providers implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, req Request) (*Result, error)

	// ChatStream sends a chat request, streaming text deltas to callback
	// when it is non-nil.
	ChatStream(ctx context.Context, req Request, callback StreamCallback) (*Result, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

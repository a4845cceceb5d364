package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/reeveworks/reeve-agent/internal/httpkit"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterClient is a client for the OpenRouter chat completions API.
type OpenRouterClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenRouterClient creates a new OpenRouter client.
func NewOpenRouterClient(apiKey, baseURL string, logger *slog.Logger) *OpenRouterClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = openRouterBaseURL
	}
	// Responses can take significant time before headers arrive
	// (provider queuing, long prompts). Use a custom transport with a
	// generous response header timeout instead of a global client
	// timeout that would kill long-lived streams.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &OpenRouterClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("provider", "openrouter"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// OpenRouter request/response types (OpenAI chat completions format)

type openRouterRequest struct {
	Model         string              `json:"model"`
	Messages      []openRouterMessage `json:"messages"`
	Tools         []wireTool          `json:"tools,omitempty"`
	MaxTokens     int                 `json:"max_tokens,omitempty"`
	Stream        bool                `json:"stream,omitempty"`
	StreamOptions *streamOptions      `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openRouterMessage struct {
	Role       string               `json:"role"`
	Content    string               `json:"content"`
	ToolCalls  []openRouterToolCall `json:"tool_calls,omitempty"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
}

type openRouterToolCall struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"` // JSON text on the wire
	} `json:"function"`
}

type openRouterResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message      openRouterMessage `json:"message"`
		FinishReason string            `json:"finish_reason"`
	} `json:"choices"`
	Usage *openRouterUsage `json:"usage"`
}

type openRouterUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	PromptTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// SSE chunk for streaming responses
type openRouterChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string                    `json:"content"`
			ToolCalls []openRouterToolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openRouterUsage `json:"usage"`
}

type openRouterToolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// Chat sends a non-streaming chat completion request.
func (c *OpenRouterClient) Chat(ctx context.Context, req Request) (*Result, error) {
	return c.ChatStream(ctx, req, nil)
}

// ChatStream sends a chat request, optionally streaming deltas via callback.
func (c *OpenRouterClient) ChatStream(ctx context.Context, req Request, callback StreamCallback) (*Result, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	stream := callback != nil
	wireReq := openRouterRequest{
		Model:     req.Model,
		Messages:  convertToOpenRouter(req.Messages),
		Tools:     wireToolList(req.Tools),
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	}
	if stream {
		// Usage arrives on the final chunk only when asked for.
		wireReq.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(wireReq.Messages),
		"tools", len(wireReq.Tools),
		"stream", stream,
	)

	jsonData, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("HTTP-Referer", "https://github.com/reeveworks/reeve-agent")
	httpReq.Header.Set("X-Title", "Reeve")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, &StatusError{Provider: "openrouter", Status: resp.StatusCode, Body: errBody}
	}

	if !stream {
		return c.handleNonStreaming(ctx, resp.Body)
	}
	return c.handleStreaming(ctx, resp.Body, callback)
}

// Ping verifies the API key against the models endpoint.
func (c *OpenRouterClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status from OpenRouter API: %d", resp.StatusCode)
	}
	return nil
}

func (c *OpenRouterClient) handleNonStreaming(ctx context.Context, body io.Reader) (*Result, error) {
	var resp openRouterResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}

	choice := resp.Choices[0]
	result := &Result{
		Model:        resp.Model,
		CreatedAt:    time.Unix(resp.Created, 0),
		Message:      convertFromOpenRouter(choice.Message),
		FinishReason: choice.FinishReason,
		Usage:        convertOpenRouterUsage(resp.Usage),
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"finish_reason", result.FinishReason,
		"tool_calls", len(result.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)

	return result, nil
}

func (c *OpenRouterClient) handleStreaming(ctx context.Context, body io.Reader, callback StreamCallback) (*Result, error) {
	scanner := bufio.NewScanner(body)
	// Increase scanner buffer for large responses
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		contentBuilder strings.Builder
		partials       []*openRouterToolCall // assembled by delta index
		finishReason   string
		usage          *openRouterUsage
		model          string
	)

	for scanner.Scan() {
		line := scanner.Text()

		// OpenRouter interleaves ": OPENROUTER PROCESSING" keepalive
		// comments with the data lines.
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "[DONE]" {
			break
		}

		var chunk openRouterChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // Skip malformed events
		}

		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		if choice.Delta.Content != "" {
			contentBuilder.WriteString(choice.Delta.Content)
			if callback != nil {
				callback(choice.Delta.Content)
			}
		}
		for _, tcd := range choice.Delta.ToolCalls {
			for len(partials) <= tcd.Index {
				partials = append(partials, &openRouterToolCall{Type: "function"})
			}
			p := partials[tcd.Index]
			if tcd.ID != "" {
				p.ID = tcd.ID
			}
			if tcd.Function.Name != "" {
				p.Function.Name = tcd.Function.Name
			}
			p.Function.Arguments += tcd.Function.Arguments
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	msg := openRouterMessage{Role: "assistant", Content: contentBuilder.String()}
	for _, p := range partials {
		msg.ToolCalls = append(msg.ToolCalls, *p)
	}

	result := &Result{
		Model:        model,
		Message:      convertFromOpenRouter(msg),
		FinishReason: finishReason,
		Usage:        convertOpenRouterUsage(usage),
	}

	c.logger.Debug("stream complete",
		"model", result.Model,
		"finish_reason", result.FinishReason,
		"content_len", len(result.Message.Content),
		"tool_calls", len(result.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "stream final content", "content", result.Message.Content)

	return result, nil
}

// convertToOpenRouter converts internal messages to the wire format.
func convertToOpenRouter(messages []Message) []openRouterMessage {
	result := make([]openRouterMessage, 0, len(messages))
	for _, msg := range messages {
		m := openRouterMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for i, tc := range msg.ToolCalls {
			wire := openRouterToolCall{ID: tc.ID, Type: "function"}
			if wire.ID == "" {
				wire.ID = synthesizeID(tc.Name, i)
			}
			wire.Function.Name = tc.Name
			wire.Function.Arguments = tc.Arguments
			if wire.Function.Arguments == "" {
				wire.Function.Arguments = "{}"
			}
			m.ToolCalls = append(m.ToolCalls, wire)
		}
		result = append(result, m)
	}
	return result
}

// convertFromOpenRouter normalizes a wire message. Missing tool call
// ids get deterministic synthesized ones, and empty argument text
// becomes the empty object so validation sees JSON either way.
func convertFromOpenRouter(msg openRouterMessage) Message {
	out := Message{Role: msg.Role, Content: msg.Content}
	if out.Role == "" {
		out.Role = "assistant"
	}
	for i, tc := range msg.ToolCalls {
		id := tc.ID
		if id == "" {
			id = synthesizeID(tc.Function.Name, i)
		}
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out
}

// convertOpenRouterUsage maps wire usage. A nil wire object stays nil
// so callers can tell "not reported" from zero.
func convertOpenRouterUsage(u *openRouterUsage) *Usage {
	if u == nil {
		return nil
	}
	return &Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		CacheReadTokens:  u.PromptTokensDetails.CachedTokens,
		CacheWriteTokens: u.CacheCreationInputTokens,
	}
}

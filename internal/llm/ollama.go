package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/reeveworks/reeve-agent/internal/httpkit"
)

// OllamaClient is a client for a local Ollama server.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("provider", "ollama"),
		// Local models can take minutes to load and generate.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(5 * time.Minute)),
	}
}

// Ollama request/response types

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []wireTool      `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"` // object on the wire, not a string
	} `json:"function"`
}

type ollamaResponse struct {
	Model      string        `json:"model"`
	CreatedAt  time.Time     `json:"created_at"`
	Message    ollamaMessage `json:"message"`
	Done       bool          `json:"done"`
	DoneReason string        `json:"done_reason,omitempty"`

	// Usage stats (when done=true)
	TotalDuration   int64 `json:"total_duration,omitempty"`
	LoadDuration    int64 `json:"load_duration,omitempty"`
	PromptEvalCount int   `json:"prompt_eval_count,omitempty"`
	EvalCount       int   `json:"eval_count,omitempty"`
	EvalDuration    int64 `json:"eval_duration,omitempty"`
}

// toResult normalizes one wire response. Ollama never assigns call
// ids, so they are synthesized here.
func (w *ollamaResponse) toResult() *Result {
	msg := Message{Role: w.Message.Role, Content: w.Message.Content}
	if msg.Role == "" {
		msg.Role = "assistant"
	}
	for i, tc := range w.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:        synthesizeID(tc.Function.Name, i),
			Name:      tc.Function.Name,
			Arguments: marshalArgs(tc.Function.Arguments),
		})
	}

	var usage *Usage
	if w.PromptEvalCount > 0 || w.EvalCount > 0 {
		usage = &Usage{
			PromptTokens:     w.PromptEvalCount,
			CompletionTokens: w.EvalCount,
		}
	}

	return &Result{
		Model:         w.Model,
		CreatedAt:     w.CreatedAt,
		Message:       msg,
		FinishReason:  w.DoneReason,
		Usage:         usage,
		TotalDuration: time.Duration(w.TotalDuration),
		EvalDuration:  time.Duration(w.EvalDuration),
	}
}

// Chat sends a non-streaming chat completion request.
func (c *OllamaClient) Chat(ctx context.Context, req Request) (*Result, error) {
	return c.ChatStream(ctx, req, nil)
}

// ChatStream sends a chat request, optionally streaming deltas via callback.
func (c *OllamaClient) ChatStream(ctx context.Context, req Request, callback StreamCallback) (*Result, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	stream := callback != nil
	wireReq := ollamaRequest{
		Model:    req.Model,
		Messages: convertToOllama(req.Messages),
		Stream:   stream,
		Tools:    wireToolList(req.Tools),
	}

	jsonData, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, &StatusError{Provider: "ollama", Status: resp.StatusCode, Body: errBody}
	}

	if stream {
		result, err := c.readStream(resp.Body, callback)
		if err != nil {
			return nil, err
		}
		return c.recoverTextCalls(result, req.Tools), nil
	}

	var wire ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return c.recoverTextCalls(wire.toResult(), req.Tools), nil
}

// readStream consumes newline-delimited JSON chunks until the done
// chunk, which carries the final metadata.
func (c *OllamaClient) readStream(body io.Reader, callback StreamCallback) (*Result, error) {
	var (
		final          ollamaResponse
		contentBuilder strings.Builder
		toolCalls      []ollamaToolCall
	)

	decoder := json.NewDecoder(body)
	for {
		var chunk ollamaResponse
		if err := decoder.Decode(&chunk); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}

		if chunk.Message.Content != "" {
			contentBuilder.WriteString(chunk.Message.Content)
			if callback != nil {
				callback(chunk.Message.Content)
			}
		}
		if len(chunk.Message.ToolCalls) > 0 {
			toolCalls = append(toolCalls, chunk.Message.ToolCalls...)
		}
		if chunk.Done {
			final = chunk
			break
		}
	}

	final.Message.Content = contentBuilder.String()
	final.Message.ToolCalls = toolCalls
	if final.Message.Role == "" {
		final.Message.Role = "assistant"
	}
	return final.toResult(), nil
}

// recoverTextCalls promotes tool calls that arrived as content text.
// Many small models emit the call JSON in the content instead of using
// the native tool_calls field.
func (c *OllamaClient) recoverTextCalls(result *Result, tools []ToolDef) *Result {
	if len(result.Message.ToolCalls) > 0 || result.Message.Content == "" {
		return result
	}
	parsed := parseTextToolCalls(result.Message.Content, toolNames(tools))
	if len(parsed) == 0 {
		return result
	}
	c.logger.Debug("recovered tool calls from content text", "count", len(parsed))
	result.Message.ToolCalls = parsed
	result.Message.Content = ""
	return result
}

// parseTextToolCalls attempts to extract tool calls from content text.
// Handled shapes:
//   - raw object: {"name": "...", "arguments": {...}}
//   - array: [{...}, {...}]
//   - concatenated objects: {...}{...} with optional trailing prose
//   - tagged: <tool_call>...</tool_call>
//   - name-prefixed: tool_name {...}
//
// When validTools is non-empty, calls naming unknown tools are dropped.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	valid := func(name string) bool {
		if len(validTools) == 0 {
			return true
		}
		return slices.Contains(validTools, name)
	}

	// Extract from <tool_call> tags first
	if start := strings.Index(content, "<tool_call>"); start != -1 {
		end := strings.Index(content, "</tool_call>")
		if end > start {
			content = strings.TrimSpace(content[start+len("<tool_call>") : end])
		} else {
			// No closing tag, take rest of content
			content = strings.TrimSpace(content[start+len("<tool_call>"):])
		}
	}

	type textCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}

	appendCall := func(out []ToolCall, tc textCall) []ToolCall {
		if tc.Name == "" || !valid(tc.Name) {
			return out
		}
		return append(out, ToolCall{
			ID:        synthesizeID(tc.Name, len(out)),
			Name:      tc.Name,
			Arguments: marshalArgs(tc.Arguments),
		})
	}

	// Array of tool calls
	var arr []textCall
	if err := json.Unmarshal([]byte(content), &arr); err == nil && len(arr) > 0 {
		var out []ToolCall
		for _, tc := range arr {
			out = appendCall(out, tc)
		}
		return out
	}

	// Single object, or concatenated objects {...}{...} as some models
	// emit. The decoder loop covers both; trailing prose ends the loop.
	if strings.HasPrefix(content, "{") {
		decoder := json.NewDecoder(strings.NewReader(content))
		var out []ToolCall
		for {
			var tc textCall
			if err := decoder.Decode(&tc); err != nil {
				break
			}
			out = appendCall(out, tc)
		}
		return out
	}

	// "tool_name {json}" form
	if i := strings.IndexByte(content, '{'); i > 0 {
		name := strings.TrimSpace(content[:i])
		if name != "" && !strings.ContainsAny(name, " \t\n") && valid(name) {
			decoder := json.NewDecoder(strings.NewReader(content[i:]))
			var args map[string]any
			if err := decoder.Decode(&args); err == nil {
				return []ToolCall{{
					ID:        synthesizeID(name, 0),
					Name:      name,
					Arguments: marshalArgs(args),
				}}
			}
		}
	}

	return nil
}

// convertToOllama converts internal messages to the wire format. Tool
// responses keep their role; Ollama correlates them by position, so the
// tool_call_id is dropped.
func convertToOllama(messages []Message) []ollamaMessage {
	result := make([]ollamaMessage, 0, len(messages))
	for _, msg := range messages {
		m := ollamaMessage{Role: msg.Role, Content: msg.Content}
		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
				args = map[string]any{}
			}
			var wire ollamaToolCall
			wire.Function.Name = tc.Name
			wire.Function.Arguments = args
			m.ToolCalls = append(m.ToolCalls, wire)
		}
		result = append(result, m)
	}
	return result
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}

// ListModels returns the models the server has pulled.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseTextToolCalls(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		validTools []string
		wantCount  int
		wantName   string // First tool name if wantCount > 0
	}{
		{
			name:      "empty content",
			content:   "",
			wantCount: 0,
		},
		{
			name:      "whitespace only",
			content:   "   \n\t  ",
			wantCount: 0,
		},
		{
			name:      "plain text no JSON",
			content:   "It is a quarter past nine.",
			wantCount: 0,
		},
		{
			name:      "single tool call object",
			content:   `{"name": "weather_now", "arguments": {"lat": 48.2, "lon": 16.37}}`,
			wantCount: 1,
			wantName:  "weather_now",
		},
		{
			name:      "single tool call with whitespace",
			content:   `  {"name": "weather_now", "arguments": {"lat": 48.2, "lon": 16.37}}  `,
			wantCount: 1,
			wantName:  "weather_now",
		},
		{
			name:      "array of tool calls",
			content:   `[{"name": "weather_now", "arguments": {"lat": 48.2, "lon": 16.37}}, {"name": "clock_now", "arguments": {}}]`,
			wantCount: 2,
			wantName:  "weather_now",
		},
		{
			name:      "tagged tool call",
			content:   `<tool_call>{"name": "web_fetch", "arguments": {"url": "https://example.com"}}</tool_call>`,
			wantCount: 1,
			wantName:  "web_fetch",
		},
		{
			name:      "tagged tool call without closing tag",
			content:   `<tool_call>{"name": "clock_now", "arguments": {}}`,
			wantCount: 1,
			wantName:  "clock_now",
		},
		{
			name:      "tagged with preamble",
			content:   `Let me check that for you. <tool_call>{"name": "clock_now", "arguments": {}}</tool_call>`,
			wantCount: 1,
			wantName:  "clock_now",
		},
		{
			name:      "concatenated objects",
			content:   `{"name": "weather_now", "arguments": {"lat": 48.2, "lon": 16.37}}{"name": "clock_now", "arguments": {}}`,
			wantCount: 2,
			wantName:  "weather_now",
		},
		{
			name:      "concatenated objects with trailing prose",
			content:   `{"name": "weather_now", "arguments": {"lat": 48.2, "lon": 16.37}}{"name": "clock_now", "arguments": {}}Checking both of those now.`,
			wantCount: 2,
			wantName:  "weather_now",
		},
		{
			name:      "name-prefixed form",
			content:   `weather_now {"lat": 48.2, "lon": 16.37}`,
			wantCount: 1,
			wantName:  "weather_now",
		},
		{
			name:      "name-prefixed with trailing text",
			content:   `clock_now {} I will read the time out next.`,
			wantCount: 1,
			wantName:  "clock_now",
		},
		{
			name:      "empty arguments",
			content:   `{"name": "clock_now", "arguments": {}}`,
			wantCount: 1,
			wantName:  "clock_now",
		},
		{
			name:      "malformed JSON",
			content:   `{"name": "weather_now", "arguments": {`,
			wantCount: 0,
		},
		{
			name:      "JSON without name field",
			content:   `{"foo": "bar", "arguments": {}}`,
			wantCount: 0,
		},
		{
			name:      "JSON with empty name",
			content:   `{"name": "", "arguments": {}}`,
			wantCount: 0,
		},
		{
			name:       "valid tool with validation",
			content:    `{"name": "weather_now", "arguments": {"lat": 1, "lon": 2}}`,
			validTools: []string{"weather_now", "clock_now"},
			wantCount:  1,
			wantName:   "weather_now",
		},
		{
			name:       "invalid tool rejected by validation",
			content:    `{"name": "hack_the_planet", "arguments": {}}`,
			validTools: []string{"weather_now", "clock_now"},
			wantCount:  0,
		},
		{
			name:       "mixed valid and invalid in array",
			content:    `[{"name": "weather_now", "arguments": {}}, {"name": "invalid_tool", "arguments": {}}]`,
			validTools: []string{"weather_now", "clock_now"},
			wantCount:  1,
			wantName:   "weather_now",
		},
		{
			name:       "name-prefixed invalid tool ignored",
			content:    `unknown_tool {"foo": "bar"}`,
			validTools: []string{"weather_now"},
			wantCount:  0,
		},
		{
			name:       "no validation with nil validTools",
			content:    `{"name": "any_tool_name", "arguments": {}}`,
			validTools: nil,
			wantCount:  1,
			wantName:   "any_tool_name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseTextToolCalls(tt.content, tt.validTools)

			if len(got) != tt.wantCount {
				t.Errorf("parseTextToolCalls() returned %d tools, want %d", len(got), tt.wantCount)
				return
			}

			if tt.wantCount > 0 && got[0].Name != tt.wantName {
				t.Errorf("parseTextToolCalls() first tool name = %q, want %q", got[0].Name, tt.wantName)
			}
		})
	}
}

func TestParseTextToolCalls_ArgumentsPreserved(t *testing.T) {
	content := `{"name": "web_fetch", "arguments": {"url": "https://example.com/page", "maxBytes": 4096}}`

	calls := parseTextToolCalls(content, nil)
	if len(calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(calls))
	}
	if calls[0].ID == "" {
		t.Error("expected a synthesized id")
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(calls[0].Arguments), &args); err != nil {
		t.Fatalf("arguments are not valid JSON: %v", err)
	}
	if args["url"] != "https://example.com/page" {
		t.Errorf("url = %v", args["url"])
	}
	if args["maxBytes"] != float64(4096) {
		t.Errorf("maxBytes = %v", args["maxBytes"])
	}
}

func TestOllamaStreaming(t *testing.T) {
	var gotReq ollamaRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotReq); err != nil {
			t.Errorf("bad request body: %v", err)
		}

		chunks := []string{
			`{"model":"qwen3:4b","created_at":"2026-03-01T10:00:00Z","message":{"role":"assistant","content":"Hel"},"done":false}`,
			`{"model":"qwen3:4b","created_at":"2026-03-01T10:00:00Z","message":{"role":"assistant","content":"lo."},"done":false}`,
			`{"model":"qwen3:4b","created_at":"2026-03-01T10:00:01Z","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":12,"eval_count":4,"total_duration":900000000}`,
		}
		for _, chunk := range chunks {
			fmt.Fprintln(w, chunk)
		}
	}))
	defer server.Close()

	client := NewOllamaClient(server.URL, testLogger())

	var deltas []string
	result, err := client.ChatStream(context.Background(), Request{
		Model:    "qwen3:4b",
		Messages: []Message{{Role: "user", Content: "say hello"}},
	}, func(delta string) {
		deltas = append(deltas, delta)
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if !gotReq.Stream {
		t.Error("request should ask for streaming")
	}
	if result.Message.Content != "Hello." {
		t.Errorf("content = %q, want %q", result.Message.Content, "Hello.")
	}
	if len(deltas) != 2 || deltas[0] != "Hel" || deltas[1] != "lo." {
		t.Errorf("deltas = %v", deltas)
	}
	if result.FinishReason != "stop" {
		t.Errorf("finish reason = %q, want stop", result.FinishReason)
	}
	if result.Usage == nil {
		t.Fatal("usage should be reported")
	}
	if result.Usage.PromptTokens != 12 || result.Usage.CompletionTokens != 4 {
		t.Errorf("usage = %+v", result.Usage)
	}
}

func TestOllamaNonStreamingToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaRequest
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.Stream {
			t.Error("request should not ask for streaming")
		}
		if len(req.Tools) != 1 || req.Tools[0].Type != "function" {
			t.Errorf("tools = %+v, want one function wrapper", req.Tools)
		}

		fmt.Fprintln(w, `{
			"model": "qwen3:4b",
			"created_at": "2026-03-01T10:05:00Z",
			"message": {
				"role": "assistant",
				"content": "",
				"tool_calls": [
					{"function": {"name": "weather_now", "arguments": {"lat": 48.2, "lon": 16.37}}}
				]
			},
			"done": true,
			"prompt_eval_count": 128,
			"eval_count": 24
		}`)
	}))
	defer server.Close()

	client := NewOllamaClient(server.URL, testLogger())
	result, err := client.Chat(context.Background(), Request{
		Model:    "qwen3:4b",
		Messages: []Message{{Role: "user", Content: "weather in vienna?"}},
		Tools:    []ToolDef{{Name: "weather_now", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if len(result.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(result.Message.ToolCalls))
	}
	tc := result.Message.ToolCalls[0]
	if tc.Name != "weather_now" {
		t.Errorf("name = %q", tc.Name)
	}
	if tc.ID != "call_weather_now_0" {
		t.Errorf("id = %q, want a synthesized call_weather_now_0", tc.ID)
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
		t.Fatalf("arguments are not valid JSON: %v", err)
	}
	if args["lat"] != 48.2 {
		t.Errorf("lat = %v", args["lat"])
	}
	if result.Usage == nil || result.Usage.PromptTokens != 128 {
		t.Errorf("usage = %+v", result.Usage)
	}
}

func TestOllamaTextFallbackPromotion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{
			"model": "qwen3:4b",
			"created_at": "2026-03-01T10:06:00Z",
			"message": {
				"role": "assistant",
				"content": "<tool_call>{\"name\": \"clock_now\", \"arguments\": {}}</tool_call>"
			},
			"done": true
		}`)
	}))
	defer server.Close()

	client := NewOllamaClient(server.URL, testLogger())
	result, err := client.Chat(context.Background(), Request{
		Model: "qwen3:4b",
		Tools: []ToolDef{{Name: "clock_now"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if len(result.Message.ToolCalls) != 1 || result.Message.ToolCalls[0].Name != "clock_now" {
		t.Fatalf("tool calls = %+v, want recovered clock_now", result.Message.ToolCalls)
	}
	if result.Message.Content != "" {
		t.Errorf("content = %q, want empty after promotion", result.Message.Content)
	}
}

func TestOllamaUsageAbsent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{
			"model": "qwen3:4b",
			"created_at": "2026-03-01T10:07:00Z",
			"message": {"role": "assistant", "content": "hi"},
			"done": true
		}`)
	}))
	defer server.Close()

	client := NewOllamaClient(server.URL, testLogger())
	result, err := client.Chat(context.Background(), Request{Model: "qwen3:4b"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if result.Usage != nil {
		t.Errorf("usage = %+v, want nil when the server reports nothing", result.Usage)
	}
}

func TestOllamaStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewOllamaClient(server.URL, testLogger())
	_, err := client.Chat(context.Background(), Request{Model: "missing"})
	if err == nil {
		t.Fatal("expected error")
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("err = %T, want *StatusError", err)
	}
	if statusErr.Status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", statusErr.Status)
	}
	if !strings.Contains(statusErr.Body, "model not found") {
		t.Errorf("body = %q", statusErr.Body)
	}
}

func TestOllamaToolMessageConversion(t *testing.T) {
	messages := []Message{
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "call_clock_now_0", Name: "clock_now", Arguments: `{"tz":"UTC"}`}}},
		{Role: "tool", Content: "09:15", ToolCallID: "call_clock_now_0"},
	}

	wire := convertToOllama(messages)
	if len(wire) != 2 {
		t.Fatalf("wire messages = %d, want 2", len(wire))
	}
	if len(wire[0].ToolCalls) != 1 {
		t.Fatalf("assistant wire calls = %d, want 1", len(wire[0].ToolCalls))
	}
	if wire[0].ToolCalls[0].Function.Arguments["tz"] != "UTC" {
		t.Errorf("arguments = %v, want parsed object", wire[0].ToolCalls[0].Function.Arguments)
	}
	if wire[1].Role != "tool" || wire[1].Content != "09:15" {
		t.Errorf("tool message = %+v", wire[1])
	}
}

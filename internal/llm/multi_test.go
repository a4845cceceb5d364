package llm

import (
	"context"
	"testing"
)

func TestMultiClientRouting(t *testing.T) {
	local := &scriptedClient{responses: []scriptedResponse{{result: textResult("from ollama")}}}
	hosted := &scriptedClient{responses: []scriptedResponse{{result: textResult("from openrouter")}}}

	m := NewMultiClient(local)
	m.AddProvider("ollama", local)
	m.AddProvider("openrouter", hosted)
	m.AddModel("openai/gpt-oss-120b", "openrouter")

	result, err := m.Chat(context.Background(), Request{Model: "openai/gpt-oss-120b"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if result.Message.Content != "from openrouter" {
		t.Errorf("content = %q, want the mapped provider's answer", result.Message.Content)
	}

	// Unmapped models go to the fallback.
	result, err = m.Chat(context.Background(), Request{Model: "qwen3:4b"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if result.Message.Content != "from ollama" {
		t.Errorf("content = %q, want the fallback's answer", result.Message.Content)
	}
}

func TestMultiClientNoProvider(t *testing.T) {
	m := NewMultiClient(nil)
	if _, err := m.Chat(context.Background(), Request{Model: "unknown"}); err == nil {
		t.Fatal("expected error with no provider configured")
	}
	if err := m.Ping(context.Background()); err == nil {
		t.Fatal("expected ping error with no fallback")
	}
}

func TestProviderInterfaces(t *testing.T) {
	var _ Client = (*OllamaClient)(nil)
	var _ Client = (*OpenRouterClient)(nil)
	var _ Client = (*MultiClient)(nil)
}

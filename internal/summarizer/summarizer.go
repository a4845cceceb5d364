// Package summarizer digests closing conversations into searchable
// metadata and runs the idle-close sweep. The Digest implements the
// ledger's Summarizer hook; the Worker periodically asks the ledger to
// close conversations that have gone quiet, which in turn invokes the
// Digest for each one.
package summarizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/reeveworks/reeve-agent/internal/ledger"
	"github.com/reeveworks/reeve-agent/internal/llm"
	"github.com/reeveworks/reeve-agent/internal/prompts"
)

// maxTranscriptBytes is the maximum transcript size sent to the LLM.
const maxTranscriptBytes = 8000

// DefaultTimeout bounds one digest LLM call.
const DefaultTimeout = 60 * time.Second

// Digest turns a conversation transcript into close metadata using an
// LLM. It implements ledger.Summarizer.
type Digest struct {
	client  llm.Client
	model   string
	logger  *slog.Logger
	timeout time.Duration
}

// NewDigest creates a digest generator using model on client. Zero
// timeout means DefaultTimeout.
func NewDigest(client llm.Client, model string, logger *slog.Logger, timeout time.Duration) *Digest {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Digest{
		client:  client,
		model:   model,
		logger:  logger.With("component", "summarizer"),
		timeout: timeout,
	}
}

// Summarize generates the close digest for one conversation.
func (d *Digest) Summarize(ctx context.Context, conversationID string, messages []ledger.MessageRecord) (*ledger.Summary, error) {
	transcript := buildTranscript(messages)
	if transcript == "" {
		return nil, fmt.Errorf("conversation %s has no summarizable messages", conversationID)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	result, err := d.client.Chat(ctx, llm.Request{
		Model:    d.model,
		Messages: []llm.Message{{Role: "user", Content: prompts.MetadataPrompt(transcript)}},
	})
	if err != nil {
		return nil, fmt.Errorf("digest conversation %s: %w", conversationID, err)
	}

	digest := parseDigest(result.Message.Content, d.logger)
	d.logger.Info("conversation digested",
		"conversation_id", conversationID,
		"model", d.model,
		"tags", len(digest.Tags),
	)
	return digest, nil
}

// buildTranscript condenses message records for the LLM, truncated at
// maxTranscriptBytes. System messages and empty tool chatter are
// skipped.
func buildTranscript(messages []ledger.MessageRecord) string {
	var b strings.Builder
	for _, m := range messages {
		if m.Role == "system" || m.Content == "" {
			continue
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", m.At.Format("15:04"), m.Role, m.Content))
		if b.Len() > maxTranscriptBytes {
			b.WriteString("\n... (truncated)\n")
			break
		}
	}
	return b.String()
}

// parseDigest parses the LLM's JSON response. When parsing fails the
// raw text becomes the summary, so a model that ignored the format
// still produces something recallable.
func parseDigest(content string, logger *slog.Logger) *ledger.Summary {
	content = strings.TrimPrefix(content, "```json\n")
	content = strings.TrimPrefix(content, "```\n")
	content = strings.TrimSuffix(content, "\n```")
	content = strings.TrimSpace(content)

	var result struct {
		Summary   string   `json:"summary"`
		Tags      []string `json:"tags"`
		Keywords  []string `json:"keywords"`
		Places    []string `json:"places"`
		Explicit  bool     `json:"explicit"`
		Forbidden bool     `json:"forbidden"`
	}
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		logger.Warn("digest JSON parse failed, using raw summary", "error", err)
		return &ledger.Summary{Summary: content}
	}

	return &ledger.Summary{
		Summary:  result.Summary,
		Tags:     cleanTerms(result.Tags),
		Keywords: cleanTerms(result.Keywords),
		Places:   cleanTerms(result.Places),
		Flags: ledger.Flags{
			Explicit:  result.Explicit,
			Forbidden: result.Forbidden,
		},
	}
}

// cleanTerms trims entries and drops empties.
func cleanTerms(terms []string) []string {
	out := terms[:0]
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term != "" {
			out = append(out, term)
		}
	}
	return out
}

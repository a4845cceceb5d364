package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/reeveworks/reeve-agent/internal/llm"
	"github.com/reeveworks/reeve-agent/internal/store"
)

// MessageRecord is one appended message. Content carries plain text;
// an assistant proposing tools carries them in ToolCalls, and a tool
// result names its call in ToolCallID. Records are immutable once
// appended and keep their append order.
type MessageRecord struct {
	Role       string            `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolCalls  []llm.ToolCall    `json:"toolCalls,omitempty"`
	ToolCallID string            `json:"toolCallId,omitempty"`
	TokensIn   int               `json:"tokensIn,omitempty"`
	TokensOut  int               `json:"tokensOut,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
	At         time.Time         `json:"at"`
}

// AppendMessages appends msgs to an open conversation. The push, the
// lastTouchedAt bump, and the recency index update land in one
// transaction, so a reader never sees messages on an untouched
// conversation.
func (l *Ledger) AppendMessages(ctx context.Context, conversationID string, msgs []MessageRecord) error {
	if len(msgs) == 0 {
		return nil
	}
	conv, err := l.loadConversation(ctx, conversationID, false)
	if err != nil {
		return err
	}
	if conv.Status != StatusOpen {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrClosed)
	}

	now := l.now()
	encoded := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.At.IsZero() {
			m.At = now
		}
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		encoded = append(encoded, string(data))
	}

	return l.store.Multi(ctx, func(b store.Batch) error {
		b.RPush(messagesKey(conversationID), encoded...)
		b.HSet(convKey(conversationID), map[string]string{"lastTouchedAt": formatTime(now)})
		b.ZAdd(activeIndex, msScore(now), conversationID)
		return nil
	})
}

// GetMessages returns a conversation's messages in append order. A
// positive limit returns only the most recent limit messages.
func (l *Ledger) GetMessages(ctx context.Context, conversationID string, limit int) ([]MessageRecord, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := l.store.LRange(ctx, messagesKey(conversationID), start, -1)
	if err != nil {
		return nil, fmt.Errorf("load messages for %s: %w", conversationID, err)
	}

	msgs := make([]MessageRecord, 0, len(raw))
	for _, item := range raw {
		var m MessageRecord
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("decode message in %s: %w", conversationID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// MessageCount returns how many messages a conversation holds.
func (l *Ledger) MessageCount(ctx context.Context, conversationID string) (int64, error) {
	return l.store.LLen(ctx, messagesKey(conversationID))
}

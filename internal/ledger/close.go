package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/reeveworks/reeve-agent/internal/events"
	"github.com/reeveworks/reeve-agent/internal/store"
)

// Flags carries the content-safety markers produced by the summarizer.
type Flags struct {
	Explicit  bool `json:"explicit,omitempty"`
	Forbidden bool `json:"forbidden,omitempty"`
}

// Summary is the close-time digest of a conversation.
type Summary struct {
	Summary  string
	Tags     []string
	Keywords []string
	Places   []string
	Flags    Flags
}

// Summarizer digests a conversation at close time. Implementations
// return an error rather than panic; a failed summary never blocks the
// close.
type Summarizer interface {
	Summarize(ctx context.Context, conversationID string, messages []MessageRecord) (*Summary, error)
}

// closeSummaryWindow bounds how many recent messages feed the
// summarizer.
const closeSummaryWindow = 200

// CloseConversation closes a conversation and writes its summary
// metadata. Closing an already closed conversation is a no-op. A
// summarizer failure is absorbed: the close still lands, with the
// failure noted in the close reason. Ghosted conversations skip the
// summarizer entirely.
func (l *Ledger) CloseConversation(ctx context.Context, id, reason string) error {
	conv, err := l.loadConversation(ctx, id, false)
	if err != nil {
		return err
	}
	if conv.Status == StatusClosed {
		return nil
	}

	now := l.now()
	fields := map[string]string{
		"status":      StatusClosed,
		"closedAt":    formatTime(now),
		"closeReason": reason,
	}

	var digest *Summary
	if l.summarizer != nil && !conv.Ghost {
		messages, err := l.GetMessages(ctx, id, closeSummaryWindow)
		switch {
		case err != nil:
			l.logger.Warn("close: loading messages failed", "conversation_id", id, "error", err)
		case len(messages) > 0:
			digest, err = l.summarizer.Summarize(ctx, id, messages)
			if err != nil {
				l.logger.Warn("summarizer failed", "conversation_id", id, "error", err)
				fields["closeReason"] = reason + "; summarizer_failed"
				digest = nil
			}
		}
	}
	if digest != nil {
		fields["summary"] = digest.Summary
		fields["flagExplicit"] = strconv.FormatBool(digest.Flags.Explicit)
		fields["flagForbidden"] = strconv.FormatBool(digest.Flags.Forbidden)
	}

	err = l.store.Multi(ctx, func(b store.Batch) error {
		b.HSet(convKey(id), fields)
		b.ZRem(activeIndex, id)
		b.ZAdd(closedIndex, msScore(now), id)
		if digest != nil {
			if len(digest.Tags) > 0 {
				b.SAdd(convSetKey(id, "tags"), digest.Tags...)
			}
			if len(digest.Keywords) > 0 {
				b.SAdd(convSetKey(id, "keywords"), digest.Keywords...)
			}
			if len(digest.Places) > 0 {
				b.SAdd(convSetKey(id, "places"), digest.Places...)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("close conversation %s: %w", id, err)
	}

	l.logger.Info("conversation closed", "conversation_id", id, "reason", reason)
	l.bus.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceLedger,
		Kind:      events.KindConversationClosed,
		Data:      map[string]any{"conversation_id": id, "reason": reason},
	})
	return nil
}

// CloseIfIdle closes every conversation idle past the threshold and
// returns the ids it closed. A failed close stays in the active index,
// so the next sweep retries it; an index entry whose record vanished
// is dropped from the index instead.
func (l *Ledger) CloseIfIdle(ctx context.Context, now time.Time) ([]string, error) {
	cutoff := msScore(now.Add(-l.idleAfter))
	candidates, err := l.store.ZRangeByScore(ctx, activeIndex, 0, cutoff)
	if err != nil {
		return nil, fmt.Errorf("scan active index: %w", err)
	}

	var closed []string
	for _, id := range candidates {
		err := l.CloseConversation(ctx, id, "idle")
		if errors.Is(err, ErrNotFound) {
			if remErr := l.store.ZRem(ctx, activeIndex, id); remErr != nil {
				l.logger.Warn("dropping stale index entry failed", "conversation_id", id, "error", remErr)
			}
			continue
		}
		if err != nil {
			l.logger.Warn("idle close failed", "conversation_id", id, "error", err)
			continue
		}
		closed = append(closed, id)
	}
	return closed, nil
}

// Package ledger owns every durable record of the agent: conversations
// and their messages, requests and turns, and per-tool/per-model call
// metrics. It is the single writer to the keyed store; everything else
// holds per-turn state only and goes through the Ledger for anything
// that outlives a turn.
//
// Key layout: conversations live in a conv:<id> hash plus per-field
// sets (tokens, models, tags, keywords, places) and a conv:<id>:messages
// list; the conversations:active and conversations:closed sorted sets
// index them by recency, and token:<token>:convs indexes them per
// caller token. Requests and turns are req:<id> / turn:<id> hashes, and
// metrics accumulate under metrics:tool:<name> and metrics:model:<name>.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/reeveworks/reeve-agent/internal/events"
	"github.com/reeveworks/reeve-agent/internal/store"
)

// Conversation status values.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// DefaultIdleAfter is how long a conversation may sit untouched before
// the idle sweep closes it and StartRequest stops reusing it.
const DefaultIdleAfter = 30 * time.Minute

var (
	// ErrNotFound is returned when a conversation, request, or turn id
	// does not exist.
	ErrNotFound = errors.New("ledger: not found")
	// ErrClosed is returned when an operation targets a conversation
	// that has already been closed.
	ErrClosed = errors.New("ledger: conversation closed")
)

// Conversation is the loaded view of one conversation record. Tokens
// holds caller credentials and never leaves the process through the
// API.
type Conversation struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	StartedAt     time.Time       `json:"startedAt"`
	LastTouchedAt time.Time       `json:"lastTouchedAt"`
	ClosedAt      time.Time       `json:"closedAt,omitzero"`
	CloseReason   string          `json:"closeReason,omitempty"`
	Summary       string          `json:"summary,omitempty"`
	Ghost         bool            `json:"ghost,omitempty"`
	TurnErrors    int             `json:"turnErrors,omitempty"`
	Models        []string        `json:"models,omitempty"`
	Tokens        []string        `json:"-"`
	Tags          []string        `json:"tags,omitempty"`
	Keywords      []string        `json:"keywords,omitempty"`
	Places        []string        `json:"places,omitempty"`
	Flags         Flags           `json:"flags,omitzero"`
	Messages      []MessageRecord `json:"messages,omitempty"`
}

// Ledger coordinates all persisted state through a keyed store.
type Ledger struct {
	store      store.Store
	summarizer Summarizer
	bus        *events.Bus
	logger     *slog.Logger
	idleAfter  time.Duration
	now        func() time.Time
}

// Options configures a Ledger. Zero values fall back to defaults; the
// summarizer and bus are optional.
type Options struct {
	IdleAfter  time.Duration
	Summarizer Summarizer
	Bus        *events.Bus
	Now        func() time.Time
}

// New creates a Ledger backed by st.
func New(st store.Store, logger *slog.Logger, opts Options) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.IdleAfter <= 0 {
		opts.IdleAfter = DefaultIdleAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ledger{
		store:      st,
		summarizer: opts.Summarizer,
		bus:        opts.Bus,
		logger:     logger.With("component", "ledger"),
		idleAfter:  opts.IdleAfter,
		now:        opts.Now,
	}
}

// StartOptions tunes StartRequest.
type StartOptions struct {
	// ConversationID targets an existing open conversation instead of
	// the token's most recent one.
	ConversationID string
	// ForceNew skips the open-conversation lookup and always opens a
	// fresh conversation. Ignored when ConversationID is set.
	ForceNew bool
	// ClientMeta is recorded on the request record.
	ClientMeta map[string]string
	// Ghost marks the conversation as ghosted: no recall indexing, no
	// close-time summary metadata. Ghosting sticks; later requests
	// cannot clear it.
	Ghost bool
}

// StartResult reports what StartRequest did.
type StartResult struct {
	ConversationID string
	RequestID      string
	Created        bool
	Ghost          bool
}

// StartRequest attaches an inbound request to the caller's open
// conversation, creating one when no open conversation was touched
// within the idle window. The request record, token and model tracking
// sets, and recency indexes update in one transaction. Two processes
// racing on the same token can each create a conversation; the store
// is not cross-process locked.
func (l *Ledger) StartRequest(ctx context.Context, token, model string, opts StartOptions) (*StartResult, error) {
	now := l.now()

	var conv *Conversation
	switch {
	case opts.ConversationID != "":
		c, err := l.loadConversation(ctx, opts.ConversationID, false)
		if err != nil {
			return nil, err
		}
		if c.Status != StatusOpen {
			return nil, fmt.Errorf("conversation %s: %w", c.ID, ErrClosed)
		}
		conv = c
	case opts.ForceNew:
		// conv stays nil; a fresh conversation is created below.
	default:
		c, err := l.findOpenConversation(ctx, token, now)
		if err != nil {
			return nil, err
		}
		conv = c
	}

	created := false
	if conv == nil {
		conv = &Conversation{ID: newID(), Status: StatusOpen, StartedAt: now, Ghost: opts.Ghost}
		created = true
	}

	ghost := conv.Ghost || opts.Ghost
	requestID := newID()

	err := l.store.Multi(ctx, func(b store.Batch) error {
		fields := map[string]string{
			"lastTouchedAt": formatTime(now),
			"ghost":         strconv.FormatBool(ghost),
		}
		if created {
			fields["status"] = StatusOpen
			fields["startedAt"] = formatTime(now)
		}
		b.HSet(convKey(conv.ID), fields)
		b.ZAdd(activeIndex, msScore(now), conv.ID)
		b.ZAdd(tokenIndex(token), msScore(now), conv.ID)
		b.SAdd(convSetKey(conv.ID, "tokens"), token)
		if model != "" {
			b.SAdd(convSetKey(conv.ID, "models"), model)
		}

		reqFields := map[string]string{
			"conversation": conv.ID,
			"token":        token,
			"model":        model,
			"startedAt":    formatTime(now),
		}
		for k, v := range opts.ClientMeta {
			reqFields["meta."+k] = v
		}
		b.HSet(requestKey(requestID), reqFields)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("start request: %w", err)
	}

	if created {
		l.logger.Info("conversation started", "conversation_id", conv.ID, "ghost", ghost)
		l.bus.Publish(events.Event{
			Timestamp: now,
			Source:    events.SourceLedger,
			Kind:      events.KindConversationOpen,
			Data:      map[string]any{"conversation_id": conv.ID, "token": token},
		})
	}

	return &StartResult{
		ConversationID: conv.ID,
		RequestID:      requestID,
		Created:        created,
		Ghost:          ghost,
	}, nil
}

// findOpenConversation returns the token's most recently touched open
// conversation within the idle window, or nil. The recency index is a
// hint only; status and lastTouchedAt are re-checked from the record.
func (l *Ledger) findOpenConversation(ctx context.Context, token string, now time.Time) (*Conversation, error) {
	candidates, err := l.store.ZRevRange(ctx, tokenIndex(token), 0, 9)
	if err != nil {
		return nil, fmt.Errorf("scan token index: %w", err)
	}
	for _, id := range candidates {
		conv, err := l.loadConversation(ctx, id, false)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if conv.Status != StatusOpen {
			continue
		}
		if now.Sub(conv.LastTouchedAt) > l.idleAfter {
			continue
		}
		return conv, nil
	}
	return nil, nil
}

// GetConversation loads one conversation with its tracking sets.
func (l *Ledger) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return l.loadConversation(ctx, id, true)
}

// ReopenConversation reactivates a closed conversation and associates
// token with it. A missing id returns nil without error. A ghosted
// conversation stays ghosted.
func (l *Ledger) ReopenConversation(ctx context.Context, id, token string) (*Conversation, error) {
	conv, err := l.loadConversation(ctx, id, false)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := l.now()
	err = l.store.Multi(ctx, func(b store.Batch) error {
		b.HSet(convKey(id), map[string]string{
			"status":        StatusOpen,
			"lastTouchedAt": formatTime(now),
		})
		b.ZRem(closedIndex, id)
		b.ZAdd(activeIndex, msScore(now), id)
		if token != "" {
			b.SAdd(convSetKey(id, "tokens"), token)
			b.ZAdd(tokenIndex(token), msScore(now), id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reopen conversation %s: %w", id, err)
	}

	conv.Status = StatusOpen
	conv.LastTouchedAt = now
	l.logger.Info("conversation reopened", "conversation_id", id)
	l.bus.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceLedger,
		Kind:      events.KindConversationOpen,
		Data:      map[string]any{"conversation_id": id, "token": token},
	})
	return conv, nil
}

func (l *Ledger) loadConversation(ctx context.Context, id string, withSets bool) (*Conversation, error) {
	fields, err := l.store.HGetAll(ctx, convKey(id))
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}

	conv := &Conversation{
		ID:            id,
		Status:        fields["status"],
		StartedAt:     parseTime(fields["startedAt"]),
		LastTouchedAt: parseTime(fields["lastTouchedAt"]),
		ClosedAt:      parseTime(fields["closedAt"]),
		CloseReason:   fields["closeReason"],
		Summary:       fields["summary"],
	}
	conv.Ghost, _ = strconv.ParseBool(fields["ghost"])
	conv.TurnErrors, _ = strconv.Atoi(fields["turnErrors"])
	conv.Flags.Explicit, _ = strconv.ParseBool(fields["flagExplicit"])
	conv.Flags.Forbidden, _ = strconv.ParseBool(fields["flagForbidden"])

	if withSets {
		for _, s := range []struct {
			what string
			dst  *[]string
		}{
			{"models", &conv.Models},
			{"tokens", &conv.Tokens},
			{"tags", &conv.Tags},
			{"keywords", &conv.Keywords},
			{"places", &conv.Places},
		} {
			members, err := l.store.SMembers(ctx, convSetKey(id, s.what))
			if err != nil {
				return nil, fmt.Errorf("load conversation %s %s: %w", id, s.what, err)
			}
			sort.Strings(members)
			*s.dst = members
		}
	}
	return conv, nil
}

const (
	activeIndex = "conversations:active"
	closedIndex = "conversations:closed"
)

func convKey(id string) string            { return "conv:" + id }
func convSetKey(id, what string) string   { return "conv:" + id + ":" + what }
func messagesKey(id string) string        { return "conv:" + id + ":messages" }
func tokenIndex(token string) string      { return "token:" + token + ":convs" }
func requestKey(id string) string         { return "req:" + id }
func turnKey(id string) string            { return "turn:" + id }
func toolMetricsKey(name string) string   { return "metrics:tool:" + name }
func modelMetricsKey(model string) string { return "metrics:model:" + model }

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func msScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

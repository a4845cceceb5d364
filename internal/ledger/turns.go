package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/reeveworks/reeve-agent/internal/store"
)

// Turn status values.
const (
	TurnOK    = "ok"
	TurnError = "error"
)

// TurnEnd carries the accounting for a finished turn.
type TurnEnd struct {
	TokensIn  int
	TokensOut int
	ToolCalls int
	Status    string
	ErrorType string
}

// EndRequest records the request's total latency.
func (l *Ledger) EndRequest(ctx context.Context, requestID string, latency time.Duration) error {
	err := l.store.HSet(ctx, requestKey(requestID), map[string]string{
		"latencyMs": strconv.FormatInt(latency.Milliseconds(), 10),
	})
	if err != nil {
		return fmt.Errorf("end request %s: %w", requestID, err)
	}
	return nil
}

// StartTurn opens a turn record under a request and returns its id.
func (l *Ledger) StartTurn(ctx context.Context, conversationID, requestID string) (string, error) {
	id := newID()
	err := l.store.HSet(ctx, turnKey(id), map[string]string{
		"conversation": conversationID,
		"request":      requestID,
		"startedAt":    formatTime(l.now()),
		"status":       "running",
	})
	if err != nil {
		return "", fmt.Errorf("start turn: %w", err)
	}
	return id, nil
}

// EndTurn finalizes a turn. An error turn also bumps the owning
// conversation's error counter in the same transaction.
func (l *Ledger) EndTurn(ctx context.Context, turnID string, end TurnEnd) error {
	if end.Status == "" {
		end.Status = TurnOK
	}

	turn, err := l.store.HGetAll(ctx, turnKey(turnID))
	if err != nil {
		return fmt.Errorf("load turn %s: %w", turnID, err)
	}
	if len(turn) == 0 {
		return fmt.Errorf("turn %s: %w", turnID, ErrNotFound)
	}

	fields := map[string]string{
		"endedAt":   formatTime(l.now()),
		"tokensIn":  strconv.Itoa(end.TokensIn),
		"tokensOut": strconv.Itoa(end.TokensOut),
		"toolCalls": strconv.Itoa(end.ToolCalls),
		"status":    end.Status,
	}
	if end.ErrorType != "" {
		fields["errorType"] = end.ErrorType
	}

	return l.store.Multi(ctx, func(b store.Batch) error {
		b.HSet(turnKey(turnID), fields)
		if end.Status == TurnError {
			if conv := turn["conversation"]; conv != "" {
				b.HIncrBy(convKey(conv), "turnErrors", 1)
			}
		}
		return nil
	})
}

// Turn is the loaded view of a turn record.
type Turn struct {
	ID           string
	Conversation string
	Request      string
	StartedAt    time.Time
	EndedAt      time.Time
	TokensIn     int
	TokensOut    int
	ToolCalls    int
	Status       string
	ErrorType    string
}

// GetTurn loads one turn record.
func (l *Ledger) GetTurn(ctx context.Context, turnID string) (*Turn, error) {
	fields, err := l.store.HGetAll(ctx, turnKey(turnID))
	if err != nil {
		return nil, fmt.Errorf("load turn %s: %w", turnID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("turn %s: %w", turnID, ErrNotFound)
	}
	t := &Turn{
		ID:           turnID,
		Conversation: fields["conversation"],
		Request:      fields["request"],
		StartedAt:    parseTime(fields["startedAt"]),
		EndedAt:      parseTime(fields["endedAt"]),
		Status:       fields["status"],
		ErrorType:    fields["errorType"],
	}
	t.TokensIn, _ = strconv.Atoi(fields["tokensIn"])
	t.TokensOut, _ = strconv.Atoi(fields["tokensOut"])
	t.ToolCalls, _ = strconv.Atoi(fields["toolCalls"])
	return t, nil
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// RecallQuery selects prior conversations. ID wins when set; otherwise
// candidates come from the token index (or both recency indexes when
// no token is given) and are filtered by time range, keywords, and
// places. Keyword and place filters match when any queried term is
// present. Ghosted conversations are never recalled.
type RecallQuery struct {
	ID           string
	Token        string
	After        time.Time
	Before       time.Time
	Keywords     []string
	Places       []string
	Limit        int
	WithMessages bool
}

// recallCandidateWindow bounds how far back each index scan reaches.
const recallCandidateWindow = 200

// RecallConversation returns matching conversations, most recently
// touched first. A missing ID returns an empty result without error.
func (l *Ledger) RecallConversation(ctx context.Context, q RecallQuery) ([]*Conversation, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	if q.ID != "" {
		conv, err := l.loadConversation(ctx, q.ID, true)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if q.WithMessages {
			if conv.Messages, err = l.GetMessages(ctx, conv.ID, 0); err != nil {
				return nil, err
			}
		}
		return []*Conversation{conv}, nil
	}

	ids, err := l.recallCandidates(ctx, q.Token)
	if err != nil {
		return nil, err
	}

	var matched []*Conversation
	for _, id := range ids {
		conv, err := l.loadConversation(ctx, id, true)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if conv.Ghost {
			continue
		}
		if !q.After.IsZero() && conv.LastTouchedAt.Before(q.After) {
			continue
		}
		if !q.Before.IsZero() && conv.StartedAt.After(q.Before) {
			continue
		}
		if len(q.Keywords) > 0 && !anyTermMatches(q.Keywords, conv.Keywords, conv.Tags) {
			continue
		}
		if len(q.Places) > 0 && !anyTermMatches(q.Places, conv.Places) {
			continue
		}
		matched = append(matched, conv)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].LastTouchedAt.After(matched[j].LastTouchedAt)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}

	if q.WithMessages {
		for _, conv := range matched {
			if conv.Messages, err = l.GetMessages(ctx, conv.ID, 0); err != nil {
				return nil, err
			}
		}
	}
	return matched, nil
}

func (l *Ledger) recallCandidates(ctx context.Context, token string) ([]string, error) {
	if token != "" {
		ids, err := l.store.ZRevRange(ctx, tokenIndex(token), 0, recallCandidateWindow-1)
		if err != nil {
			return nil, fmt.Errorf("scan token index: %w", err)
		}
		return ids, nil
	}

	seen := make(map[string]bool)
	var ids []string
	for _, index := range []string{closedIndex, activeIndex} {
		members, err := l.store.ZRevRange(ctx, index, 0, recallCandidateWindow-1)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", index, err)
		}
		for _, id := range members {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// anyTermMatches reports whether any queried term appears in any of
// the candidate sets, case-insensitively.
func anyTermMatches(terms []string, sets ...[]string) bool {
	have := make(map[string]bool)
	for _, set := range sets {
		for _, member := range set {
			have[strings.ToLower(member)] = true
		}
	}
	for _, term := range terms {
		if have[strings.ToLower(term)] {
			return true
		}
	}
	return false
}

// Package recall surfaces prior conversations related to a new user
// message. It runs as the first phase of a turn: candidates come from
// the ledger's recall query scoped to the caller's token, are scored by
// term overlap against their digest metadata, optionally reranked with
// embeddings, then chunked and emitted as recollection events ahead of
// the agent's own thinking. Recall never fails a turn; every problem
// here degrades to an empty phase.
package recall

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/reeveworks/reeve-agent/internal/embeddings"
	"github.com/reeveworks/reeve-agent/internal/events"
	"github.com/reeveworks/reeve-agent/internal/ledger"
)

// Recaller is the ledger subset the provider reads. Defined as an
// interface for testability.
type Recaller interface {
	RecallConversation(ctx context.Context, q ledger.RecallQuery) ([]*ledger.Conversation, error)
}

// Embedder is the embeddings subset used for reranking.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

const (
	// DefaultMaxConversations bounds how many prior conversations one
	// turn may surface.
	DefaultMaxConversations = 3
	// DefaultMaxChunks bounds recollection events per turn.
	DefaultMaxChunks = 6

	// candidateWindow is how many ledger candidates are scored.
	candidateWindow = 20
	// minScore is the overlap threshold below which a candidate is
	// considered unrelated.
	minScore = 0.3
	// chunkBudget is the approximate content size of one chunk.
	chunkBudget = 600
	// tailMessages caps how far back into a conversation chunks reach.
	tailMessages = 12
)

// Options configures a recall Provider. The embedder is optional; with
// one present, candidates are reranked by vector similarity.
type Options struct {
	Embedder         Embedder
	MaxConversations int
	MaxChunks        int
}

// Provider generates the recollection phase.
type Provider struct {
	ledger           Recaller
	embedder         Embedder
	logger           *slog.Logger
	maxConversations int
	maxChunks        int
}

// New creates a recall provider reading from lg.
func New(lg Recaller, logger *slog.Logger, opts Options) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxConversations <= 0 {
		opts.MaxConversations = DefaultMaxConversations
	}
	if opts.MaxChunks <= 0 {
		opts.MaxChunks = DefaultMaxChunks
	}
	return &Provider{
		ledger:           lg,
		embedder:         opts.Embedder,
		logger:           logger.With("component", "recall"),
		maxConversations: opts.MaxConversations,
		maxChunks:        opts.MaxChunks,
	}
}

// candidate pairs a conversation with its relevance score.
type candidate struct {
	conv  *ledger.Conversation
	score float64
}

// Recollect returns a channel of recollection events for the text of a
// new user message, closed when the phase is done. The conversation the
// turn runs in is excluded from results.
func (p *Provider) Recollect(ctx context.Context, conversationID, token, text string) <-chan events.Event {
	out := make(chan events.Event, 8)
	go func() {
		defer close(out)

		terms := queryTerms(text)
		if len(terms) == 0 {
			return
		}

		convs, err := p.ledger.RecallConversation(ctx, ledger.RecallQuery{
			Token:        token,
			Limit:        candidateWindow,
			WithMessages: true,
		})
		if err != nil {
			p.logger.Warn("recall query failed", "error", err)
			return
		}

		candidates := scoreCandidates(terms, convs, conversationID)
		if len(candidates) == 0 {
			return
		}
		if p.embedder != nil {
			p.rerank(ctx, text, candidates)
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].score > candidates[j].score
		})
		if len(candidates) > p.maxConversations {
			candidates = candidates[:p.maxConversations]
		}

		emitted := 0
		for _, cand := range candidates {
			chunks := chunkConversation(cand.conv)
			if len(chunks) == 0 {
				continue
			}
			recollectionID := newID()
			for i, ch := range chunks {
				if emitted >= p.maxChunks {
					return
				}
				ev := events.Recollection(events.SourceRecall, events.RecollectionPayload{
					RecollectionID:       recollectionID,
					SourceConversationID: cand.conv.ID,
					ChunkIndex:           i,
					Content:              ch.content,
					Score:                cand.score,
					MessageStartIndex:    ch.start,
					MessageEndIndex:      ch.end,
				})
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				emitted++
			}
		}
	}()
	return out
}

// scoreCandidates scores each conversation's digest terms against the
// query and keeps those above the relevance threshold. The current
// conversation never recalls itself.
func scoreCandidates(terms []string, convs []*ledger.Conversation, excludeID string) []candidate {
	var out []candidate
	for _, conv := range convs {
		if conv.ID == excludeID {
			continue
		}
		score := overlapScore(terms, digestTerms(conv))
		if score < minScore {
			continue
		}
		out = append(out, candidate{conv: conv, score: score})
	}
	return out
}

// rerank replaces overlap scores with vector similarity to the query.
// Embedding failures keep the overlap scores; rerank is an upgrade, not
// a dependency.
func (p *Provider) rerank(ctx context.Context, text string, candidates []candidate) {
	query, err := p.embedder.Embed(ctx, text)
	if err != nil {
		p.logger.Warn("embedding rerank unavailable", "error", err)
		return
	}
	for i := range candidates {
		vec, err := p.embedder.Embed(ctx, digestText(candidates[i].conv))
		if err != nil {
			p.logger.Warn("embedding rerank unavailable", "error", err)
			return
		}
		candidates[i].score = float64(embeddings.CosineSimilarity(query, vec))
	}
}

// digestTerms collects the searchable vocabulary of a conversation:
// curated tags/keywords/places plus the words of its summary.
func digestTerms(conv *ledger.Conversation) []string {
	var out []string
	for _, set := range [][]string{conv.Tags, conv.Keywords, conv.Places} {
		for _, term := range set {
			out = append(out, strings.ToLower(term))
		}
	}
	out = append(out, tokenize(conv.Summary)...)
	return out
}

// digestText is the embedding input for a candidate: the summary when
// one exists, otherwise the tail of the transcript.
func digestText(conv *ledger.Conversation) string {
	if conv.Summary != "" {
		return conv.Summary
	}
	var b strings.Builder
	for _, m := range conv.Messages {
		if m.Role == "system" || m.Content == "" {
			continue
		}
		b.WriteString(m.Content)
		b.WriteString("\n")
		if b.Len() > chunkBudget {
			break
		}
	}
	return b.String()
}

// overlapScore is the per-query-term best match against the target
// vocabulary, averaged over the query: exact matches score 1, substring
// matches 0.8.
func overlapScore(query, target []string) float64 {
	if len(query) == 0 || len(target) == 0 {
		return 0
	}
	var total float64
	for _, q := range query {
		best := 0.0
		for _, t := range target {
			switch {
			case t == q:
				best = 1.0
			case len(q) > 3 && (strings.Contains(t, q) || strings.Contains(q, t)):
				if best < 0.8 {
					best = 0.8
				}
			}
			if best == 1.0 {
				break
			}
		}
		total += best
	}
	return total / float64(len(query))
}

// chunk is one emitted excerpt with its message index range.
type chunk struct {
	content    string
	start, end int
}

// chunkConversation renders a conversation into recollection chunks:
// the digest summary first when present (covering the whole message
// range), then transcript excerpts from the tail, split at roughly
// chunkBudget characters.
func chunkConversation(conv *ledger.Conversation) []chunk {
	var chunks []chunk
	last := len(conv.Messages) - 1
	if last < 0 {
		last = 0
	}
	if conv.Summary != "" {
		chunks = append(chunks, chunk{content: conv.Summary, start: 0, end: last})
	}

	from := 0
	if len(conv.Messages) > tailMessages {
		from = len(conv.Messages) - tailMessages
	}

	var b strings.Builder
	start := -1
	end := -1
	flush := func() {
		if b.Len() == 0 {
			return
		}
		chunks = append(chunks, chunk{content: strings.TrimSuffix(b.String(), "\n"), start: start, end: end})
		b.Reset()
		start = -1
	}
	for i := from; i < len(conv.Messages); i++ {
		m := conv.Messages[i]
		if m.Role == "system" || m.Content == "" {
			continue
		}
		line := m.Role + ": " + m.Content + "\n"
		if b.Len() > 0 && b.Len()+len(line) > chunkBudget {
			flush()
		}
		if start == -1 {
			start = i
		}
		end = i
		b.WriteString(line)
	}
	flush()
	return chunks
}

// queryTerms extracts scoring terms from free text: lowercase words
// with punctuation stripped, minus stopwords and short tokens.
func queryTerms(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, term := range tokenize(text) {
		if stopwords[term] || seen[term] {
			continue
		}
		seen[term] = true
		out = append(out, term)
	}
	return out
}

// tokenize splits a string into lowercase tokens of letters and
// digits, dropping anything shorter than three characters.
func tokenize(s string) []string {
	s = strings.ToLower(s)
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}

// stopwords are query words too common to carry meaning.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "these": true, "those": true, "was": true, "were": true,
	"are": true, "been": true, "have": true, "has": true, "had": true,
	"what": true, "when": true, "where": true, "who": true, "how": true,
	"why": true, "can": true, "could": true, "would": true, "should": true,
	"will": true, "you": true, "your": true, "did": true, "does": true,
	"about": true, "tell": true, "know": true, "like": true, "want": true,
	"need": true, "get": true, "just": true, "please": true, "there": true,
	"here": true, "not": true, "yes": true,
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

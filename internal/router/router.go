// Package router picks a model for requests that did not name one.
// Selection weighs the query's estimated complexity, whether tools
// will likely be needed, and how much of each candidate's context
// window the turn would consume. Every decision lands in a bounded
// in-memory audit log.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Complexity categorizes query difficulty.
type Complexity int

const (
	ComplexitySimple   Complexity = iota // one-shot lookup or command
	ComplexityModerate                   // needs context or a tool round
	ComplexityComplex                    // reasoning, synthesis, writing
)

func (c Complexity) String() string {
	switch c {
	case ComplexitySimple:
		return "simple"
	case ComplexityModerate:
		return "moderate"
	case ComplexityComplex:
		return "complex"
	default:
		return "unknown"
	}
}

// Candidate is one selectable model and its capabilities.
type Candidate struct {
	Name          string
	SupportsTools bool
	ContextWindow int // max tokens; 0 means unbounded
	Speed         int // 1-10, 10 fastest
	Quality       int // 1-10, 10 best
	Local         bool
}

// Query is one routing request.
type Query struct {
	// Text is the user's message.
	Text string
	// ContextTokens estimates the prompt size, history included.
	ContextTokens int
	// WantsTools marks a query that will likely call tools.
	WantsTools bool
}

// Decision records why a model was selected.
type Decision struct {
	ID          string         `json:"id"`
	At          time.Time      `json:"at"`
	QueryLength int            `json:"queryLength"`
	Complexity  string         `json:"complexity"`
	Intent      string         `json:"intent"`
	WantsTools  bool           `json:"wantsTools"`
	Scores      map[string]int `json:"scores,omitempty"`
	Model       string         `json:"model"`
	Reasoning   string         `json:"reasoning"`
}

// Stats aggregates routing outcomes since startup.
type Stats struct {
	TotalRequests    int64            `json:"totalRequests"`
	ModelCounts      map[string]int64 `json:"modelCounts"`
	ComplexityCounts map[string]int64 `json:"complexityCounts"`
}

// Options configures a Router.
type Options struct {
	Candidates []Candidate
	// Fallback is returned when no candidate is eligible.
	Fallback string
	// LocalFirst gives local candidates a scoring edge.
	LocalFirst bool
	// AuditLimit bounds the in-memory decision log (default 1000).
	AuditLimit int
}

// Router selects models and remembers why.
type Router struct {
	logger *slog.Logger
	opts   Options

	mu       sync.RWMutex
	auditLog []Decision
	stats    Stats
}

// New creates a Router.
func New(logger *slog.Logger, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.AuditLimit <= 0 {
		opts.AuditLimit = 1000
	}
	return &Router{
		logger:   logger.With("component", "router"),
		opts:     opts,
		auditLog: make([]Decision, 0, opts.AuditLimit),
		stats: Stats{
			ModelCounts:      make(map[string]int64),
			ComplexityCounts: make(map[string]int64),
		},
	}
}

// PickModel routes from raw text, estimating the rest of the query.
// It satisfies the orchestrator's picker contract.
func (r *Router) PickModel(ctx context.Context, text string) string {
	model, _ := r.Route(ctx, Query{
		Text:          text,
		ContextTokens: estimateTokens(text),
		WantsTools:    likelyWantsTools(text),
	})
	return model
}

// Route selects a model for q and records the decision.
func (r *Router) Route(ctx context.Context, q Query) (string, *Decision) {
	complexity := analyzeComplexity(q.Text)
	decision := &Decision{
		ID:          newID(),
		At:          time.Now(),
		QueryLength: len(q.Text),
		Complexity:  complexity.String(),
		Intent:      detectIntent(q.Text),
		WantsTools:  q.WantsTools,
	}

	model := r.selectModel(q, complexity, decision)
	decision.Model = model
	r.record(*decision)

	r.logger.Debug("model routed",
		"decision_id", decision.ID,
		"model", model,
		"complexity", decision.Complexity,
		"intent", decision.Intent,
		"reasoning", decision.Reasoning)
	return model, decision
}

func (r *Router) selectModel(q Query, complexity Complexity, decision *Decision) string {
	var candidates []Candidate
	for _, c := range r.opts.Candidates {
		if q.WantsTools && !c.SupportsTools {
			continue
		}
		if q.ContextTokens > 0 && c.ContextWindow > 0 && q.ContextTokens > c.ContextWindow {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		decision.Reasoning = "no eligible candidate, using fallback"
		return r.opts.Fallback
	}

	scores := make(map[string]int, len(candidates))
	for _, c := range candidates {
		score := 0
		if complexity == ComplexitySimple && c.Speed >= 7 {
			score += 15
		}
		if complexity == ComplexityComplex && c.Quality >= 7 {
			score += 20
		}
		if q.WantsTools && c.Quality >= 6 {
			score += 10
		}
		// A turn consuming most of a weak model's window derails it.
		if c.ContextWindow > 0 {
			ratio := float64(q.ContextTokens) / float64(c.ContextWindow)
			if ratio > 0.3 && c.Quality < 7 {
				score -= 30
			}
			if ratio > 0.5 && c.Quality >= 7 {
				score += 10
			}
		}
		if r.opts.LocalFirst && c.Local {
			score += 10
		}
		scores[c.Name] = score
	}
	decision.Scores = scores

	best := candidates[0]
	for _, c := range candidates[1:] {
		if scores[c.Name] > scores[best.Name] {
			best = c
		}
	}
	decision.Reasoning = fmt.Sprintf("%s scored %d for a %s %s query",
		best.Name, scores[best.Name], complexity, decision.Intent)
	return best.Name
}

func (r *Router) record(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.auditLog) >= r.opts.AuditLimit {
		r.auditLog = r.auditLog[1:]
	}
	r.auditLog = append(r.auditLog, d)
	r.stats.TotalRequests++
	r.stats.ModelCounts[d.Model]++
	r.stats.ComplexityCounts[d.Complexity]++
}

// AuditLog returns the most recent decisions, oldest first.
func (r *Router) AuditLog(limit int) []Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}
	out := make([]Decision, limit)
	copy(out, r.auditLog[len(r.auditLog)-limit:])
	return out
}

// Stats returns routing totals since startup.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Stats{
		TotalRequests:    r.stats.TotalRequests,
		ModelCounts:      make(map[string]int64, len(r.stats.ModelCounts)),
		ComplexityCounts: make(map[string]int64, len(r.stats.ComplexityCounts)),
	}
	for k, v := range r.stats.ModelCounts {
		out.ModelCounts[k] = v
	}
	for k, v := range r.stats.ComplexityCounts {
		out.ComplexityCounts[k] = v
	}
	return out
}

func analyzeComplexity(text string) Complexity {
	t := strings.ToLower(text)
	for _, w := range []string{"explain", "why", "analyze", "compare", "summarize", "plan", "write", "draft", "recommend"} {
		if strings.Contains(t, w) {
			return ComplexityComplex
		}
	}
	for _, p := range []string{"what time", "weather", "hello", "hi ", "thanks", "thank you", "good morning", "good night"} {
		if strings.Contains(t, p) {
			return ComplexitySimple
		}
	}
	return ComplexityModerate
}

func detectIntent(text string) string {
	t := strings.ToLower(text)
	switch {
	case strings.Contains(t, "weather") || strings.Contains(t, "forecast") || strings.Contains(t, "temperature"):
		return "weather"
	case strings.Contains(t, "what time") || strings.Contains(t, "time is it") || strings.Contains(t, "date today"):
		return "time"
	case strings.Contains(t, "http://") || strings.Contains(t, "https://") || strings.Contains(t, "look up") || strings.Contains(t, "search"):
		return "lookup"
	case strings.Contains(t, "remind") || strings.Contains(t, "schedule") || strings.Contains(t, "in the background"):
		return "task"
	case strings.Contains(t, "remember") || strings.Contains(t, "last time") || strings.Contains(t, "we talked"):
		return "recall"
	default:
		return "general"
	}
}

func likelyWantsTools(text string) bool {
	switch detectIntent(text) {
	case "weather", "time", "lookup", "task":
		return true
	default:
		return false
	}
}

// estimateTokens approximates the prompt cost of raw text. Four bytes
// per token tracks close enough for window-fit checks.
func estimateTokens(text string) int {
	return len(text) / 4
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

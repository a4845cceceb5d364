package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/reeveworks/reeve-agent/internal/agent"
	"github.com/reeveworks/reeve-agent/internal/events"
	"github.com/reeveworks/reeve-agent/internal/ledger"
	"github.com/reeveworks/reeve-agent/internal/llm"
)

// turnMirror derives tool metrics from the event stream as it is
// forwarded. Latency comes from pairing each tool_call with its
// tool_call_complete timestamp; a failed execution is recognized by
// the harness's Error: result prefix. Metric write failures are
// logged and dropped, never surfaced into the turn.
type turnMirror struct {
	ledger    *ledger.Ledger
	logger    *slog.Logger
	turnID    string
	starts    map[string]time.Time
	toolCalls int
}

func newTurnMirror(lg *ledger.Ledger, logger *slog.Logger, turnID string) *turnMirror {
	return &turnMirror{
		ledger: lg,
		logger: logger,
		turnID: turnID,
		starts: make(map[string]time.Time),
	}
}

func (m *turnMirror) observe(ctx context.Context, ev events.Event) {
	switch ev.Kind {
	case events.KindToolCall:
		tc, ok := ev.Data["toolCall"].(events.ToolCallPayload)
		if !ok {
			return
		}
		m.starts[tc.ID] = ev.Timestamp
		m.toolCalls++
	case events.KindToolCallComplete:
		tc, ok := ev.Data["toolCall"].(events.ToolCallPayload)
		if !ok {
			return
		}
		result, _ := ev.Data["result"].(string)
		var latency time.Duration
		if startedAt, found := m.starts[tc.ID]; found {
			latency = ev.Timestamp.Sub(startedAt)
			delete(m.starts, tc.ID)
		}
		succeeded := !strings.HasPrefix(result, "Error: ")
		if err := m.ledger.RecordToolResult(ctx, tc.Function.Name, succeeded, latency, m.turnID); err != nil {
			m.logger.Warn("tool metrics write failed", "tool", tc.Function.Name, "error", err)
		}
	}
}

// meteredCaller wraps the harness's model caller so every call lands
// in the model metrics, rate-limited retries included. Bookkeeping
// failures are logged and dropped.
type meteredCaller struct {
	caller agent.Caller
	ledger *ledger.Ledger
	logger *slog.Logger
}

func (m *meteredCaller) ChatRetry(ctx context.Context, req llm.Request) (*llm.Result, []llm.RetryNote, error) {
	started := time.Now()
	result, notes, err := m.caller.ChatRetry(ctx, req)
	m.record(ctx, req.Model, result, notes, time.Since(started), err)
	return result, notes, err
}

func (m *meteredCaller) ChatStream(ctx context.Context, req llm.Request, callback llm.StreamCallback) (*llm.Result, error) {
	started := time.Now()
	result, err := m.caller.ChatStream(ctx, req, callback)
	m.record(ctx, req.Model, result, nil, time.Since(started), err)
	return result, err
}

func (m *meteredCaller) record(ctx context.Context, model string, result *llm.Result, notes []llm.RetryNote, latency time.Duration, callErr error) {
	for _, note := range notes {
		if note.Class != llm.ClassRateLimit {
			continue
		}
		if err := m.ledger.RecordRateLimit(ctx, model); err != nil {
			m.logger.Warn("rate limit metrics write failed", "model", model, "error", err)
		}
	}
	var usage *llm.Usage
	if result != nil {
		usage = result.Usage
	}
	if err := m.ledger.RecordOpenRouterResult(ctx, model, usage, latency, callErr == nil); err != nil {
		m.logger.Warn("model metrics write failed", "model", model, "error", err)
	}
}

package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/reeveworks/reeve-agent/internal/llm"
)

func TestRecordToolResult(t *testing.T) {
	l, _ := testLedger(t, Options{})
	ctx := context.Background()

	res := mustStart(t, l, "t1", "m1", StartOptions{})
	turnID, err := l.StartTurn(ctx, res.ConversationID, res.RequestID)
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}

	if err := l.RecordToolResult(ctx, "weather_now", true, 80*time.Millisecond, turnID); err != nil {
		t.Fatalf("RecordToolResult ok: %v", err)
	}
	if err := l.RecordToolResult(ctx, "weather_now", false, 120*time.Millisecond, turnID); err != nil {
		t.Fatalf("RecordToolResult fail: %v", err)
	}

	m, err := l.ToolMetrics(ctx, "weather_now")
	if err != nil {
		t.Fatalf("ToolMetrics: %v", err)
	}
	if m.OK != 1 || m.Failed != 1 {
		t.Errorf("ok = %d, fail = %d, want 1 and 1", m.OK, m.Failed)
	}
	if m.Calls() != 2 {
		t.Errorf("calls = %d, want 2", m.Calls())
	}

	turn, err := l.GetTurn(ctx, turnID)
	if err != nil {
		t.Fatalf("GetTurn: %v", err)
	}
	if turn.ErrorType != "tool_failure" {
		t.Errorf("errorType = %q, want tool_failure", turn.ErrorType)
	}
}

func TestRecordOpenRouterResult(t *testing.T) {
	l, _ := testLedger(t, Options{})
	ctx := context.Background()

	// A provider that reported no accounting leaves the counters alone.
	if err := l.RecordOpenRouterResult(ctx, "gpt-oss", nil, 200*time.Millisecond, true); err != nil {
		t.Fatalf("RecordOpenRouterResult nil usage: %v", err)
	}
	m, err := l.ModelMetrics(ctx, "gpt-oss")
	if err != nil {
		t.Fatalf("ModelMetrics: %v", err)
	}
	if m.OK != 1 || m.TokensIn != 0 || m.TokensOut != 0 {
		t.Errorf("metrics after nil usage = %+v", m)
	}

	usage := &llm.Usage{PromptTokens: 300, CompletionTokens: 50, CacheReadTokens: 128}
	if err := l.RecordOpenRouterResult(ctx, "gpt-oss", usage, 400*time.Millisecond, true); err != nil {
		t.Fatalf("RecordOpenRouterResult: %v", err)
	}
	m, err = l.ModelMetrics(ctx, "gpt-oss")
	if err != nil {
		t.Fatalf("ModelMetrics: %v", err)
	}
	if m.OK != 2 || m.TokensIn != 300 || m.TokensOut != 50 {
		t.Errorf("metrics = %+v", m)
	}
	if m.CacheRead != 128 || m.CacheWrite != 0 {
		t.Errorf("cache counters = read %d write %d", m.CacheRead, m.CacheWrite)
	}
}

func TestRecordRateLimit(t *testing.T) {
	l, _ := testLedger(t, Options{})
	ctx := context.Background()

	for range 3 {
		if err := l.RecordRateLimit(ctx, "gpt-oss"); err != nil {
			t.Fatalf("RecordRateLimit: %v", err)
		}
	}
	m, err := l.ModelMetrics(ctx, "gpt-oss")
	if err != nil {
		t.Fatalf("ModelMetrics: %v", err)
	}
	if m.RateLimited != 3 {
		t.Errorf("rateLimited = %d, want 3", m.RateLimited)
	}
	if m.Calls() != 0 {
		t.Errorf("rate limits counted as calls: %d", m.Calls())
	}
}

func TestMetricsLatencyStats(t *testing.T) {
	l, _ := testLedger(t, Options{})
	ctx := context.Background()

	if err := l.RecordToolResult(ctx, "clock_now", true, 100*time.Millisecond, ""); err != nil {
		t.Fatalf("RecordToolResult: %v", err)
	}
	if err := l.RecordToolResult(ctx, "clock_now", true, 300*time.Millisecond, ""); err != nil {
		t.Fatalf("RecordToolResult: %v", err)
	}

	m, err := l.ToolMetrics(ctx, "clock_now")
	if err != nil {
		t.Fatalf("ToolMetrics: %v", err)
	}
	if m.LatencyMean != 200*time.Millisecond {
		t.Errorf("mean = %v, want 200ms", m.LatencyMean)
	}
	if m.LatencyStdDev != 100*time.Millisecond {
		t.Errorf("stddev = %v, want 100ms", m.LatencyStdDev)
	}
}

func TestMetricsUnknownName(t *testing.T) {
	l, _ := testLedger(t, Options{})

	m, err := l.ToolMetrics(context.Background(), "never_called")
	if err != nil {
		t.Fatalf("ToolMetrics: %v", err)
	}
	if m.Calls() != 0 || m.LatencyMean != 0 {
		t.Errorf("metrics for unknown tool = %+v, want zeros", m)
	}
}

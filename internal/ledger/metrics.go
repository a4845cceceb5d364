package ledger

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/reeveworks/reeve-agent/internal/llm"
	"github.com/reeveworks/reeve-agent/internal/store"
)

// Metrics aggregates call outcomes for one tool or model. Latency
// statistics derive from running sums and sums of squares, so they
// cover every call ever recorded without storing samples.
type Metrics struct {
	OK            int64
	Failed        int64
	RateLimited   int64
	TokensIn      int64
	TokensOut     int64
	CacheRead     int64
	CacheWrite    int64
	LatencyMean   time.Duration
	LatencyStdDev time.Duration
}

// Calls returns the total number of recorded calls.
func (m *Metrics) Calls() int64 {
	return m.OK + m.Failed
}

// RecordToolResult records one tool execution outcome. A failure also
// tags the owning turn's errorType when turnID is given.
func (l *Ledger) RecordToolResult(ctx context.Context, tool string, ok bool, latency time.Duration, turnID string) error {
	key := toolMetricsKey(tool)
	ms := float64(latency) / float64(time.Millisecond)
	return l.store.Multi(ctx, func(b store.Batch) error {
		if ok {
			b.HIncrBy(key, "ok", 1)
		} else {
			b.HIncrBy(key, "fail", 1)
			if turnID != "" {
				b.HSet(turnKey(turnID), map[string]string{"errorType": "tool_failure"})
			}
		}
		b.HIncrByFloat(key, "latencySumMs", ms)
		b.HIncrByFloat(key, "latencySumSqMs", ms*ms)
		return nil
	})
}

// RecordOpenRouterResult records one model call outcome, token usage
// included. A nil usage records no token counts at all; absent cache
// figures are never written as zeros.
func (l *Ledger) RecordOpenRouterResult(ctx context.Context, model string, usage *llm.Usage, latency time.Duration, ok bool) error {
	key := modelMetricsKey(model)
	ms := float64(latency) / float64(time.Millisecond)
	return l.store.Multi(ctx, func(b store.Batch) error {
		if ok {
			b.HIncrBy(key, "ok", 1)
		} else {
			b.HIncrBy(key, "fail", 1)
		}
		b.HIncrByFloat(key, "latencySumMs", ms)
		b.HIncrByFloat(key, "latencySumSqMs", ms*ms)
		if usage != nil {
			b.HIncrBy(key, "tokensIn", int64(usage.PromptTokens))
			b.HIncrBy(key, "tokensOut", int64(usage.CompletionTokens))
			if usage.CacheReadTokens > 0 {
				b.HIncrBy(key, "cacheRead", int64(usage.CacheReadTokens))
			}
			if usage.CacheWriteTokens > 0 {
				b.HIncrBy(key, "cacheWrite", int64(usage.CacheWriteTokens))
			}
		}
		return nil
	})
}

// RecordRateLimit counts a rate-limited attempt against a model. It is
// recorded whether or not the retry eventually succeeded.
func (l *Ledger) RecordRateLimit(ctx context.Context, model string) error {
	_, err := l.store.HIncrBy(ctx, modelMetricsKey(model), "rateLimited", 1)
	if err != nil {
		return fmt.Errorf("record rate limit for %s: %w", model, err)
	}
	return nil
}

// ToolMetrics reads the accumulated metrics for one tool.
func (l *Ledger) ToolMetrics(ctx context.Context, tool string) (*Metrics, error) {
	return l.readMetrics(ctx, toolMetricsKey(tool))
}

// ModelMetrics reads the accumulated metrics for one model.
func (l *Ledger) ModelMetrics(ctx context.Context, model string) (*Metrics, error) {
	return l.readMetrics(ctx, modelMetricsKey(model))
}

func (l *Ledger) readMetrics(ctx context.Context, key string) (*Metrics, error) {
	fields, err := l.store.HGetAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load metrics %s: %w", key, err)
	}

	geti := func(f string) int64 {
		n, _ := strconv.ParseInt(fields[f], 10, 64)
		return n
	}
	getf := func(f string) float64 {
		v, _ := strconv.ParseFloat(fields[f], 64)
		return v
	}

	m := &Metrics{
		OK:          geti("ok"),
		Failed:      geti("fail"),
		RateLimited: geti("rateLimited"),
		TokensIn:    geti("tokensIn"),
		TokensOut:   geti("tokensOut"),
		CacheRead:   geti("cacheRead"),
		CacheWrite:  geti("cacheWrite"),
	}

	if n := m.Calls(); n > 0 {
		mean := getf("latencySumMs") / float64(n)
		m.LatencyMean = time.Duration(mean * float64(time.Millisecond))
		variance := getf("latencySumSqMs")/float64(n) - mean*mean
		if variance > 0 {
			m.LatencyStdDev = time.Duration(math.Sqrt(variance) * float64(time.Millisecond))
		}
	}
	return m, nil
}

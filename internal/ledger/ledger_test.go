package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/reeveworks/reeve-agent/internal/llm"
	"github.com/reeveworks/reeve-agent/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type stubSummarizer struct {
	digest *Summary
	err    error
	calls  int
}

func (s *stubSummarizer) Summarize(ctx context.Context, conversationID string, messages []MessageRecord) (*Summary, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.digest, nil
}

func testLedger(t *testing.T, opts Options) (*Ledger, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)}
	opts.Now = clock.Now
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	return New(st, testLogger(), opts), clock
}

func mustStart(t *testing.T, l *Ledger, token, model string, opts StartOptions) *StartResult {
	t.Helper()
	res, err := l.StartRequest(context.Background(), token, model, opts)
	if err != nil {
		t.Fatalf("StartRequest(%s): %v", token, err)
	}
	return res
}

func TestStartRequestReusesOpenConversation(t *testing.T) {
	l, clock := testLedger(t, Options{})

	first := mustStart(t, l, "t1", "m1", StartOptions{})
	if !first.Created {
		t.Error("first request did not create a conversation")
	}

	clock.Advance(time.Minute)
	second := mustStart(t, l, "t1", "m1", StartOptions{})
	if second.Created {
		t.Error("second request created a new conversation inside the idle window")
	}
	if second.ConversationID != first.ConversationID {
		t.Errorf("conversation = %q, want reuse of %q", second.ConversationID, first.ConversationID)
	}
	if second.RequestID == first.RequestID {
		t.Error("request ids must differ per call")
	}
}

func TestStartRequestNewConversationAfterIdle(t *testing.T) {
	l, clock := testLedger(t, Options{IdleAfter: 10 * time.Minute})

	first := mustStart(t, l, "t1", "m1", StartOptions{})
	clock.Advance(11 * time.Minute)
	second := mustStart(t, l, "t1", "m1", StartOptions{})

	if !second.Created {
		t.Error("expected a fresh conversation after the idle window")
	}
	if second.ConversationID == first.ConversationID {
		t.Error("idle conversation was reused")
	}
}

func TestStartRequestDistinctTokens(t *testing.T) {
	l, _ := testLedger(t, Options{})

	a := mustStart(t, l, "t1", "m1", StartOptions{})
	b := mustStart(t, l, "t2", "m1", StartOptions{})
	if a.ConversationID == b.ConversationID {
		t.Error("different tokens share a conversation")
	}
}

func TestStartRequestForceNew(t *testing.T) {
	l, _ := testLedger(t, Options{})

	first := mustStart(t, l, "t1", "m1", StartOptions{})
	second := mustStart(t, l, "t1", "m1", StartOptions{ForceNew: true})

	if !second.Created {
		t.Error("ForceNew did not create a conversation")
	}
	if second.ConversationID == first.ConversationID {
		t.Error("ForceNew attached to the open conversation")
	}
}

func TestStartRequestExplicitConversation(t *testing.T) {
	l, _ := testLedger(t, Options{})
	ctx := context.Background()

	first := mustStart(t, l, "t1", "m1", StartOptions{})
	second := mustStart(t, l, "t2", "m1", StartOptions{ConversationID: first.ConversationID})
	if second.ConversationID != first.ConversationID {
		t.Errorf("conversation = %q, want targeted %q", second.ConversationID, first.ConversationID)
	}

	conv, err := l.GetConversation(ctx, first.ConversationID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if len(conv.Tokens) != 2 {
		t.Errorf("tokens = %v, want both callers tracked", conv.Tokens)
	}

	if err := l.CloseConversation(ctx, first.ConversationID, "done"); err != nil {
		t.Fatalf("CloseConversation: %v", err)
	}
	_, err = l.StartRequest(ctx, "t1", "m1", StartOptions{ConversationID: first.ConversationID})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed for a closed target", err)
	}

	_, err = l.StartRequest(ctx, "t1", "m1", StartOptions{ConversationID: "no-such-conversation"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound for a missing target", err)
	}
}

func TestAppendAndGetMessages(t *testing.T) {
	l, _ := testLedger(t, Options{})
	ctx := context.Background()

	res := mustStart(t, l, "t1", "m1", StartOptions{})
	msgs := []MessageRecord{
		{Role: "user", Content: "what is the weather", TokensIn: 5},
		{Role: "assistant", ToolCalls: []llm.ToolCall{{
			ID:        "call_weather_now_0",
			Name:      "weather_now",
			Arguments: `{"lat":48.2,"lon":16.37}`,
		}}},
		{Role: "tool", Content: "overcast, 18°C", ToolCallID: "call_weather_now_0"},
		{Role: "assistant", Content: "It is overcast at 18 degrees.", TokensOut: 12},
	}
	if err := l.AppendMessages(ctx, res.ConversationID, msgs); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	got, err := l.GetMessages(ctx, res.ConversationID, 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(got) != len(msgs) {
		t.Fatalf("got %d messages, want %d", len(got), len(msgs))
	}
	for i := range msgs {
		if got[i].Role != msgs[i].Role {
			t.Errorf("message[%d].Role = %q, want %q", i, got[i].Role, msgs[i].Role)
		}
	}
	if got[1].Content != "" || len(got[1].ToolCalls) != 1 {
		t.Errorf("structured message mangled: %+v", got[1])
	}
	if got[1].ToolCalls[0].Arguments != `{"lat":48.2,"lon":16.37}` {
		t.Errorf("arguments = %q", got[1].ToolCalls[0].Arguments)
	}
	if got[2].ToolCallID != "call_weather_now_0" {
		t.Errorf("tool result lost its call id: %+v", got[2])
	}
	if got[3].Content != "It is overcast at 18 degrees." {
		t.Errorf("content = %q", got[3].Content)
	}

	count, err := l.MessageCount(ctx, res.ConversationID)
	if err != nil {
		t.Fatalf("MessageCount: %v", err)
	}
	if count != 4 {
		t.Errorf("count = %d, want 4", count)
	}

	tail, err := l.GetMessages(ctx, res.ConversationID, 2)
	if err != nil {
		t.Fatalf("GetMessages tail: %v", err)
	}
	if len(tail) != 2 || tail[0].Role != "tool" {
		t.Errorf("tail = %+v, want the last two messages", tail)
	}
}

func TestAppendMessagesClosedConversation(t *testing.T) {
	l, _ := testLedger(t, Options{})
	ctx := context.Background()

	res := mustStart(t, l, "t1", "m1", StartOptions{})
	if err := l.CloseConversation(ctx, res.ConversationID, "done"); err != nil {
		t.Fatalf("CloseConversation: %v", err)
	}
	err := l.AppendMessages(ctx, res.ConversationID, []MessageRecord{{Role: "user", Content: "hi"}})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
}

func TestCloseConversation(t *testing.T) {
	summarizer := &stubSummarizer{digest: &Summary{
		Summary:  "talked about rain in Vienna",
		Tags:     []string{"weather"},
		Keywords: []string{"rain", "umbrella"},
		Places:   []string{"vienna"},
		Flags:    Flags{Explicit: false, Forbidden: false},
	}}
	l, _ := testLedger(t, Options{Summarizer: summarizer})
	ctx := context.Background()

	res := mustStart(t, l, "t1", "m1", StartOptions{})
	if err := l.AppendMessages(ctx, res.ConversationID, []MessageRecord{{Role: "user", Content: "will it rain"}}); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	if err := l.CloseConversation(ctx, res.ConversationID, "manual"); err != nil {
		t.Fatalf("CloseConversation: %v", err)
	}

	conv, err := l.GetConversation(ctx, res.ConversationID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.Status != StatusClosed {
		t.Errorf("status = %q, want closed", conv.Status)
	}
	if conv.CloseReason != "manual" {
		t.Errorf("closeReason = %q, want manual", conv.CloseReason)
	}
	if conv.Summary != "talked about rain in Vienna" {
		t.Errorf("summary = %q", conv.Summary)
	}
	if len(conv.Tags) != 1 || conv.Tags[0] != "weather" {
		t.Errorf("tags = %v", conv.Tags)
	}
	if len(conv.Keywords) != 2 {
		t.Errorf("keywords = %v", conv.Keywords)
	}
	if conv.ClosedAt.IsZero() {
		t.Error("closedAt not set")
	}

	// Idempotent: a second close must not re-run the summarizer.
	if err := l.CloseConversation(ctx, res.ConversationID, "again"); err != nil {
		t.Fatalf("second CloseConversation: %v", err)
	}
	if summarizer.calls != 1 {
		t.Errorf("summarizer ran %d times, want 1", summarizer.calls)
	}
	conv, _ = l.GetConversation(ctx, res.ConversationID)
	if conv.CloseReason != "manual" {
		t.Errorf("second close rewrote the reason: %q", conv.CloseReason)
	}
}

func TestCloseSummarizerFailure(t *testing.T) {
	summarizer := &stubSummarizer{err: errors.New("model unavailable")}
	l, _ := testLedger(t, Options{Summarizer: summarizer})
	ctx := context.Background()

	res := mustStart(t, l, "t1", "m1", StartOptions{})
	if err := l.AppendMessages(ctx, res.ConversationID, []MessageRecord{{Role: "user", Content: "hello"}}); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	if err := l.CloseConversation(ctx, res.ConversationID, "idle"); err != nil {
		t.Fatalf("CloseConversation must absorb summarizer failure, got %v", err)
	}
	conv, err := l.GetConversation(ctx, res.ConversationID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.Status != StatusClosed {
		t.Errorf("status = %q, want closed", conv.Status)
	}
	if conv.CloseReason != "idle; summarizer_failed" {
		t.Errorf("closeReason = %q", conv.CloseReason)
	}
	if conv.Summary != "" {
		t.Errorf("summary = %q, want empty after failure", conv.Summary)
	}
}

func TestGhostSkipsSummarizer(t *testing.T) {
	summarizer := &stubSummarizer{digest: &Summary{Summary: "secret"}}
	l, _ := testLedger(t, Options{Summarizer: summarizer})
	ctx := context.Background()

	res := mustStart(t, l, "t1", "m1", StartOptions{Ghost: true})
	if !res.Ghost {
		t.Fatal("ghost flag not reported")
	}
	if err := l.AppendMessages(ctx, res.ConversationID, []MessageRecord{{Role: "user", Content: "between us"}}); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	if err := l.CloseConversation(ctx, res.ConversationID, "done"); err != nil {
		t.Fatalf("CloseConversation: %v", err)
	}

	if summarizer.calls != 0 {
		t.Errorf("summarizer ran %d times for a ghost conversation", summarizer.calls)
	}
	conv, _ := l.GetConversation(ctx, res.ConversationID)
	if conv.Summary != "" || len(conv.Tags) != 0 {
		t.Errorf("ghost conversation got summary metadata: %+v", conv)
	}
}

func TestGhostSticks(t *testing.T) {
	l, _ := testLedger(t, Options{})

	first := mustStart(t, l, "t1", "m1", StartOptions{Ghost: true})
	second := mustStart(t, l, "t1", "m1", StartOptions{Ghost: false})
	if second.ConversationID != first.ConversationID {
		t.Fatal("expected reuse")
	}
	if !second.Ghost {
		t.Error("a later request cleared the ghost flag")
	}
}

func TestCloseIfIdle(t *testing.T) {
	summarizer := &stubSummarizer{digest: &Summary{Summary: "short chat"}}
	l, clock := testLedger(t, Options{IdleAfter: 10 * time.Millisecond, Summarizer: summarizer})
	ctx := context.Background()

	res := mustStart(t, l, "t1", "m1", StartOptions{})
	if err := l.AppendMessages(ctx, res.ConversationID, []MessageRecord{{Role: "user", Content: "hi"}}); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	closed, err := l.CloseIfIdle(ctx, clock.Now().Add(20*time.Millisecond))
	if err != nil {
		t.Fatalf("CloseIfIdle: %v", err)
	}
	if len(closed) != 1 || closed[0] != res.ConversationID {
		t.Fatalf("closed = %v, want [%s]", closed, res.ConversationID)
	}

	conv, err := l.GetConversation(ctx, res.ConversationID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.Status != StatusClosed {
		t.Errorf("status = %q, want closed", conv.Status)
	}
	if conv.CloseReason != "idle" {
		t.Errorf("closeReason = %q, want idle", conv.CloseReason)
	}
	if conv.Summary != "short chat" {
		t.Errorf("summary = %q", conv.Summary)
	}

	// Second sweep finds nothing.
	closed, err = l.CloseIfIdle(ctx, clock.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("second CloseIfIdle: %v", err)
	}
	if len(closed) != 0 {
		t.Errorf("second sweep closed %v, want nothing", closed)
	}
	if summarizer.calls != 1 {
		t.Errorf("summarizer ran %d times, want 1", summarizer.calls)
	}
}

func TestCloseIfIdleSparesActive(t *testing.T) {
	l, clock := testLedger(t, Options{IdleAfter: 10 * time.Minute})
	ctx := context.Background()

	idle := mustStart(t, l, "t1", "m1", StartOptions{})
	clock.Advance(11 * time.Minute)
	fresh := mustStart(t, l, "t2", "m1", StartOptions{})

	closed, err := l.CloseIfIdle(ctx, clock.Now())
	if err != nil {
		t.Fatalf("CloseIfIdle: %v", err)
	}
	if len(closed) != 1 || closed[0] != idle.ConversationID {
		t.Fatalf("closed = %v, want only the idle conversation", closed)
	}
	conv, _ := l.GetConversation(ctx, fresh.ConversationID)
	if conv.Status != StatusOpen {
		t.Errorf("fresh conversation closed by the sweep")
	}
}

func TestReopenConversation(t *testing.T) {
	l, _ := testLedger(t, Options{})
	ctx := context.Background()

	res := mustStart(t, l, "t1", "m1", StartOptions{})
	if err := l.CloseConversation(ctx, res.ConversationID, "done"); err != nil {
		t.Fatalf("CloseConversation: %v", err)
	}

	conv, err := l.ReopenConversation(ctx, res.ConversationID, "t2")
	if err != nil {
		t.Fatalf("ReopenConversation: %v", err)
	}
	if conv == nil || conv.Status != StatusOpen {
		t.Fatalf("conv = %+v, want reopened", conv)
	}

	loaded, err := l.GetConversation(ctx, res.ConversationID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if loaded.Status != StatusOpen {
		t.Errorf("status = %q, want open", loaded.Status)
	}
	if len(loaded.Tokens) != 2 {
		t.Errorf("tokens = %v, want reopening token added", loaded.Tokens)
	}

	// The reopening token now reuses it.
	next := mustStart(t, l, "t2", "m1", StartOptions{})
	if next.ConversationID != res.ConversationID || next.Created {
		t.Errorf("reopened conversation not reused: %+v", next)
	}

	missing, err := l.ReopenConversation(ctx, "no-such", "t1")
	if err != nil || missing != nil {
		t.Errorf("got (%v, %v), want (nil, nil) for missing id", missing, err)
	}
}

func TestTurnLifecycle(t *testing.T) {
	l, _ := testLedger(t, Options{})
	ctx := context.Background()

	res := mustStart(t, l, "t1", "m1", StartOptions{})
	turnID, err := l.StartTurn(ctx, res.ConversationID, res.RequestID)
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}

	err = l.EndTurn(ctx, turnID, TurnEnd{TokensIn: 120, TokensOut: 40, ToolCalls: 2})
	if err != nil {
		t.Fatalf("EndTurn: %v", err)
	}
	turn, err := l.GetTurn(ctx, turnID)
	if err != nil {
		t.Fatalf("GetTurn: %v", err)
	}
	if turn.Status != TurnOK {
		t.Errorf("status = %q, want ok by default", turn.Status)
	}
	if turn.TokensIn != 120 || turn.TokensOut != 40 || turn.ToolCalls != 2 {
		t.Errorf("accounting = %+v", turn)
	}
	if turn.Conversation != res.ConversationID {
		t.Errorf("conversation = %q", turn.Conversation)
	}

	// An error turn bumps the conversation's error counter.
	errTurn, err := l.StartTurn(ctx, res.ConversationID, res.RequestID)
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if err := l.EndTurn(ctx, errTurn, TurnEnd{Status: TurnError, ErrorType: "timeout"}); err != nil {
		t.Fatalf("EndTurn: %v", err)
	}
	conv, _ := l.GetConversation(ctx, res.ConversationID)
	if conv.TurnErrors != 1 {
		t.Errorf("turnErrors = %d, want 1", conv.TurnErrors)
	}

	if err := l.EndTurn(ctx, "no-such-turn", TurnEnd{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestEndRequestLatency(t *testing.T) {
	l, _ := testLedger(t, Options{})

	res := mustStart(t, l, "t1", "m1", StartOptions{})
	if err := l.EndRequest(context.Background(), res.RequestID, 1500*time.Millisecond); err != nil {
		t.Fatalf("EndRequest: %v", err)
	}
}

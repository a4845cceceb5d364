package summarizer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/reeveworks/reeve-agent/internal/ledger"
	"github.com/reeveworks/reeve-agent/internal/llm"
	"github.com/reeveworks/reeve-agent/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// cannedLLM returns a fixed response body for every chat call.
type cannedLLM struct {
	body  string
	calls atomic.Int64
}

func (m *cannedLLM) Chat(_ context.Context, _ llm.Request) (*llm.Result, error) {
	m.calls.Add(1)
	return &llm.Result{Message: llm.Message{Role: "assistant", Content: m.body}}, nil
}

func (m *cannedLLM) ChatStream(ctx context.Context, req llm.Request, _ llm.StreamCallback) (*llm.Result, error) {
	return m.Chat(ctx, req)
}

func (m *cannedLLM) Ping(_ context.Context) error { return nil }

// failingLLM always returns an error.
type failingLLM struct{}

func (m *failingLLM) Chat(_ context.Context, _ llm.Request) (*llm.Result, error) {
	return nil, fmt.Errorf("llm unavailable")
}

func (m *failingLLM) ChatStream(ctx context.Context, req llm.Request, _ llm.StreamCallback) (*llm.Result, error) {
	return m.Chat(ctx, req)
}

func (m *failingLLM) Ping(_ context.Context) error { return nil }

const digestJSON = `{
  "summary": "Talked about Vienna weather and planned a walk.",
  "tags": ["weather", "plans"],
  "keywords": ["rain", "walk"],
  "places": ["vienna"],
  "explicit": false,
  "forbidden": false
}`

func sampleMessages() []ledger.MessageRecord {
	at := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	return []ledger.MessageRecord{
		{Role: "user", Content: "what's the weather in vienna?", At: at},
		{Role: "assistant", Content: "Light rain, 18 degrees.", At: at.Add(time.Second)},
	}
}

func TestDigestSummarize(t *testing.T) {
	client := &cannedLLM{body: digestJSON}
	d := NewDigest(client, "test-model", testLogger(), 0)

	digest, err := d.Summarize(context.Background(), "conv-1", sampleMessages())
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if !strings.Contains(digest.Summary, "Vienna weather") {
		t.Errorf("summary = %q", digest.Summary)
	}
	if len(digest.Tags) != 2 || digest.Tags[0] != "weather" {
		t.Errorf("tags = %v", digest.Tags)
	}
	if len(digest.Keywords) != 2 || len(digest.Places) != 1 {
		t.Errorf("keywords = %v, places = %v", digest.Keywords, digest.Places)
	}
	if digest.Flags.Explicit || digest.Flags.Forbidden {
		t.Errorf("flags = %+v", digest.Flags)
	}
	if client.calls.Load() != 1 {
		t.Errorf("llm calls = %d, want 1", client.calls.Load())
	}
}

func TestDigestStripsCodeFences(t *testing.T) {
	client := &cannedLLM{body: "```json\n" + digestJSON + "\n```"}
	d := NewDigest(client, "test-model", testLogger(), 0)

	digest, err := d.Summarize(context.Background(), "conv-1", sampleMessages())
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if len(digest.Tags) != 2 {
		t.Errorf("tags = %v, want parsed JSON despite fences", digest.Tags)
	}
}

func TestDigestRawTextFallback(t *testing.T) {
	client := &cannedLLM{body: "We talked about the weather in Vienna."}
	d := NewDigest(client, "test-model", testLogger(), 0)

	digest, err := d.Summarize(context.Background(), "conv-1", sampleMessages())
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if digest.Summary != "We talked about the weather in Vienna." {
		t.Errorf("summary = %q, want raw text", digest.Summary)
	}
	if len(digest.Tags) != 0 {
		t.Errorf("tags = %v, want none from unparseable response", digest.Tags)
	}
}

func TestDigestFlagsParsed(t *testing.T) {
	client := &cannedLLM{body: `{"summary":"s","explicit":true,"forbidden":true}`}
	d := NewDigest(client, "test-model", testLogger(), 0)

	digest, err := d.Summarize(context.Background(), "conv-1", sampleMessages())
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if !digest.Flags.Explicit || !digest.Flags.Forbidden {
		t.Errorf("flags = %+v, want both set", digest.Flags)
	}
}

func TestDigestNoMessages(t *testing.T) {
	d := NewDigest(&cannedLLM{body: digestJSON}, "test-model", testLogger(), 0)

	if _, err := d.Summarize(context.Background(), "conv-1", nil); err == nil {
		t.Error("Summarize with no messages succeeded")
	}

	onlySystem := []ledger.MessageRecord{{Role: "system", Content: "persona text"}}
	if _, err := d.Summarize(context.Background(), "conv-1", onlySystem); err == nil {
		t.Error("Summarize with only system messages succeeded")
	}
}

func TestDigestLLMFailure(t *testing.T) {
	d := NewDigest(&failingLLM{}, "test-model", testLogger(), 0)

	if _, err := d.Summarize(context.Background(), "conv-1", sampleMessages()); err == nil {
		t.Error("Summarize with failing llm succeeded")
	}
}

func TestBuildTranscript(t *testing.T) {
	at := time.Date(2026, 8, 23, 14, 30, 0, 0, time.UTC)
	messages := []ledger.MessageRecord{
		{Role: "system", Content: "persona", At: at},
		{Role: "user", Content: "hello", At: at},
		{Role: "assistant", Content: "hi there", At: at.Add(time.Minute)},
		{Role: "tool", Content: "", At: at.Add(time.Minute)},
	}

	transcript := buildTranscript(messages)
	if strings.Contains(transcript, "persona") {
		t.Error("transcript contains system message")
	}
	if !strings.Contains(transcript, "[14:30] user: hello") {
		t.Errorf("transcript = %q", transcript)
	}
	if !strings.Contains(transcript, "[14:31] assistant: hi there") {
		t.Errorf("transcript = %q", transcript)
	}
}

func TestBuildTranscriptTruncates(t *testing.T) {
	long := strings.Repeat("x", 3000)
	at := time.Now()
	messages := []ledger.MessageRecord{
		{Role: "user", Content: long, At: at},
		{Role: "assistant", Content: long, At: at},
		{Role: "user", Content: long, At: at},
		{Role: "assistant", Content: "never reached", At: at},
	}

	transcript := buildTranscript(messages)
	if !strings.Contains(transcript, "(truncated)") {
		t.Error("long transcript not marked truncated")
	}
	if strings.Contains(transcript, "never reached") {
		t.Error("transcript kept messages past the cap")
	}
}

type sweepClock struct {
	now time.Time
}

func (c *sweepClock) Now() time.Time {
	return c.now
}

func TestWorkerSweepClosesIdleConversations(t *testing.T) {
	clock := &sweepClock{now: time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)}
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })

	digest := NewDigest(&cannedLLM{body: digestJSON}, "test-model", testLogger(), 0)
	lg := ledger.New(st, testLogger(), ledger.Options{
		IdleAfter:  10 * time.Millisecond,
		Summarizer: digest,
		Now:        clock.Now,
	})

	ctx := context.Background()
	started, err := lg.StartRequest(ctx, "t1", "m1", ledger.StartOptions{})
	if err != nil {
		t.Fatalf("StartRequest: %v", err)
	}
	err = lg.AppendMessages(ctx, started.ConversationID, []ledger.MessageRecord{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
	})
	if err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	clock.now = clock.now.Add(time.Minute)

	w := NewWorker(lg, testLogger(), WorkerOptions{Interval: 10 * time.Millisecond, Now: clock.Now})
	w.Start(ctx)
	defer w.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conv, err := lg.GetConversation(ctx, started.ConversationID)
		if err != nil {
			t.Fatalf("GetConversation: %v", err)
		}
		if conv.Status == ledger.StatusClosed {
			if conv.CloseReason != "idle" {
				t.Errorf("closeReason = %q, want idle", conv.CloseReason)
			}
			if !strings.Contains(conv.Summary, "Vienna weather") {
				t.Errorf("summary = %q, want digest applied", conv.Summary)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("conversation never closed")
}

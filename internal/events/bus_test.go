package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event arrived")
		return Event{}
	}
}

func TestNilBusIsNoOp(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceAgent, Kind: KindLLMCall}) // must not panic
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount on nil bus = %d, want 0", got)
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBus()
	first := b.Subscribe(4)
	second := b.Subscribe(4)
	defer b.Unsubscribe(first)
	defer b.Unsubscribe(second)

	b.Publish(ErrorText(SourceAgent, "model unreachable"))

	for name, ch := range map[string]<-chan Event{"first": first, "second": second} {
		got := recv(t, ch)
		if got.Source != SourceAgent || got.Kind != KindError {
			t.Errorf("%s subscriber: got %s/%s, want %s/%s",
				name, got.Source, got.Kind, SourceAgent, KindError)
		}
		if msg := got.Data["error"]; msg != "model unreachable" {
			t.Errorf("%s subscriber: error = %v, want %q", name, msg, "model unreachable")
		}
	}
}

func TestFullSubscriberMissesEvents(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Delta(SourceAgent, "m1", "kept", ""))
	b.Publish(Delta(SourceAgent, "m1", "dropped", ""))

	if got := recv(t, ch).Data["delta"]; got != "kept" {
		t.Errorf("delta = %v, want %q", got, "kept")
	}
	select {
	case ev := <-ch:
		t.Errorf("overflow event was delivered: %v", ev)
	default:
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(4)

	b.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Error("channel still open after Unsubscribe")
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}

	// Second call is a no-op; publishing to nobody must not panic.
	b.Unsubscribe(ch)
	b.Publish(Event{Source: SourceTask, Kind: KindTaskStatus})
}

func TestSubscriberCount(t *testing.T) {
	b := NewBus()
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("empty bus count = %d, want 0", got)
	}

	one := b.Subscribe(2)
	two := b.Subscribe(2)
	if got := b.SubscriberCount(); got != 2 {
		t.Errorf("count after two subscribes = %d, want 2", got)
	}

	b.Unsubscribe(one)
	b.Unsubscribe(two)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("count after unsubscribing both = %d, want 0", got)
	}
}

func TestConcurrentPublishers(t *testing.T) {
	b := NewBus()
	// Buffer holds every event the publishers produce, so nothing drops
	// and the final count is exact.
	ch := b.Subscribe(256)

	var wg sync.WaitGroup
	for p := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 25 {
				b.Publish(Event{
					Timestamp: time.Now(),
					Source:    SourceAgent,
					Kind:      KindLLMCall,
					Data:      map[string]any{"publisher": p, "call": i},
				})
			}
		}()
	}
	wg.Wait()
	b.Unsubscribe(ch)

	received := 0
	for range ch {
		received++
	}
	if received != 200 {
		t.Errorf("received %d events, want 200", received)
	}
}

// The event payload keys are a wire contract; consumers parse them by
// name. Guard the exact JSON shapes.
func TestToolCallWireShape(t *testing.T) {
	ev := ToolCall(SourceAgent, ToolCallPayload{
		ID: "call_weather_now_0",
		Function: FunctionCall{
			Name:      "weather_now",
			Arguments: `{"lat":52.37,"lon":4.89}`,
		},
	})

	raw, err := json.Marshal(ev.Data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded struct {
		ToolCall struct {
			ID       string `json:"id"`
			Function struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function"`
		} `json:"toolCall"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ToolCall.ID != "call_weather_now_0" {
		t.Errorf("toolCall.id = %q, want %q", decoded.ToolCall.ID, "call_weather_now_0")
	}
	if decoded.ToolCall.Function.Name != "weather_now" {
		t.Errorf("toolCall.function.name = %q, want %q", decoded.ToolCall.Function.Name, "weather_now")
	}
	if decoded.ToolCall.Function.Arguments == "" {
		t.Error("toolCall.function.arguments missing")
	}
}

func TestDeltaOmitsEmptyFinishReason(t *testing.T) {
	ev := Delta(SourceAgent, "m1", "hello", "")
	if _, present := ev.Data["finishReason"]; present {
		t.Error("finishReason should be omitted while streaming")
	}

	final := Delta(SourceAgent, "m1", "", "stop")
	if got := final.Data["finishReason"]; got != "stop" {
		t.Errorf("finishReason = %v, want %q", got, "stop")
	}
}

func TestRecollectionPayloadKeys(t *testing.T) {
	ev := Recollection(SourceRecall, RecollectionPayload{
		RecollectionID:       "rec1",
		SourceConversationID: "conv9",
		ChunkIndex:           2,
		Content:              "we discussed the garden",
		Score:                0.81,
		MessageStartIndex:    4,
		MessageEndIndex:      7,
	})

	for _, key := range []string{
		"recollectionId", "sourceConversationId", "chunkIndex",
		"content", "score", "messageStartIndex", "messageEndIndex",
	} {
		if _, ok := ev.Data[key]; !ok {
			t.Errorf("recollection payload missing key %q", key)
		}
	}
}

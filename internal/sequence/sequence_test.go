package sequence

import (
	"testing"
	"time"

	"github.com/reeveworks/reeve-agent/internal/events"
)

func ev(kind string) events.Event {
	return events.Event{Timestamp: time.Now(), Source: "test", Kind: kind}
}

func recv(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("stream closed early")
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return events.Event{}
}

func expectClosed(t *testing.T, ch <-chan events.Event) {
	t.Helper()
	select {
	case e, ok := <-ch:
		if ok {
			t.Fatalf("got unexpected event %q, want closed stream", e.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream close")
	}
}

func TestPhaseOrder(t *testing.T) {
	s := New()

	first := make(chan events.Event, 2)
	second := make(chan events.Event, 2)
	s.Chain(first)
	s.Chain(second)
	s.Done()

	// The later phase produces before the earlier one finishes.
	second <- ev("b1")
	second <- ev("b2")
	close(second)
	first <- ev("a1")
	first <- ev("a2")
	close(first)

	want := []string{"a1", "a2", "b1", "b2"}
	for i, kind := range want {
		if got := recv(t, s.Out()); got.Kind != kind {
			t.Fatalf("event[%d] = %q, want %q", i, got.Kind, kind)
		}
	}
	expectClosed(t, s.Out())
}

func TestWaitsForUnchainedPhase(t *testing.T) {
	s := New()

	first := make(chan events.Event, 1)
	first <- ev("a1")
	close(first)
	s.Chain(first)

	if got := recv(t, s.Out()); got.Kind != "a1" {
		t.Fatalf("got %q, want a1", got.Kind)
	}

	// Nothing chained yet: the stream must stay open and silent.
	select {
	case e, ok := <-s.Out():
		t.Fatalf("got event %q (open=%v), want none", e.Kind, ok)
	case <-time.After(50 * time.Millisecond):
	}

	second := make(chan events.Event, 1)
	second <- ev("b1")
	close(second)
	s.Chain(second)
	s.Done()

	if got := recv(t, s.Out()); got.Kind != "b1" {
		t.Fatalf("got %q, want b1", got.Kind)
	}
	expectClosed(t, s.Out())
}

func TestDoneWithoutPhases(t *testing.T) {
	s := New()
	s.Done()
	expectClosed(t, s.Out())
}

func TestLossless(t *testing.T) {
	s := New()

	phase := make(chan events.Event)
	s.Chain(phase)
	s.Done()

	const n = 500
	go func() {
		for range n {
			phase <- ev("x")
		}
		close(phase)
	}()

	got := 0
	for range s.Out() {
		got++
	}
	if got != n {
		t.Errorf("received %d events, want %d", got, n)
	}
}

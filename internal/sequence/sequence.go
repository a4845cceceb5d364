// Package sequence merges concurrent event producers into one ordered
// stream. A turn runs its phases (recollection, harness) in parallel,
// but listeners must see their events strictly in phase order.
package sequence

import "github.com/reeveworks/reeve-agent/internal/events"

// Sequencer yields events from chained phases in chaining order. The
// pump advances to the next phase only after the current one's channel
// closes, and waits for Chain rather than erroring when it runs ahead
// of the producer.
type Sequencer struct {
	phases chan (<-chan events.Event)
	out    chan events.Event
}

// New creates a Sequencer and starts its pump. The output buffer
// absorbs bursts; producers block once it fills, so no event is ever
// dropped.
func New() *Sequencer {
	s := &Sequencer{
		phases: make(chan (<-chan events.Event), 16),
		out:    make(chan events.Event, 64),
	}
	go s.pump()
	return s
}

// Chain appends a phase. Its events surface after every previously
// chained phase has drained. Chain must not be called after Done.
func (s *Sequencer) Chain(ch <-chan events.Event) {
	s.phases <- ch
}

// Done marks that no further phases will be chained.
func (s *Sequencer) Done() {
	close(s.phases)
}

// Out returns the ordered stream. It closes once Done was called and
// the final phase has drained.
func (s *Sequencer) Out() <-chan events.Event {
	return s.out
}

func (s *Sequencer) pump() {
	defer close(s.out)
	for phase := range s.phases {
		for ev := range phase {
			s.out <- ev
		}
	}
}

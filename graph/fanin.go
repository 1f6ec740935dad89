package graph

import (
	"fmt"
	"slices"
	"sync"
)

// FanInState aggregates the messages arriving on one fan-in edge.
//
// With WhenAll the state holds a buffer and the set of sources not yet heard
// from in the current round. Each message is buffered and its source marked
// seen; the first time every source has been seen the whole buffer is
// released in arrival order and the round starts over. A source that sends
// twice in a round is buffered twice.
//
// With WhenAny every message is released on arrival.
//
// FanInState is safe for concurrent Process calls.
type FanInState struct {
	mu      sync.Mutex
	trigger FanInTrigger
	sources []string
	known   map[string]struct{}
	unseen  map[string]struct{}
	buffer  []*Envelope
}

// NewFanInState creates the state for a fan-in edge over sources.
func NewFanInState(sources []string, trigger FanInTrigger) *FanInState {
	s := &FanInState{
		trigger: trigger,
		sources: append([]string(nil), sources...),
		known:   make(map[string]struct{}, len(sources)),
	}
	for _, src := range sources {
		s.known[src] = struct{}{}
	}
	s.reset()
	return s
}

func (s *FanInState) reset() {
	s.unseen = make(map[string]struct{}, len(s.sources))
	for _, src := range s.sources {
		s.unseen[src] = struct{}{}
	}
	s.buffer = nil
}

// Process records a message from source. It returns the released envelopes,
// or nil while the edge is still waiting.
func (s *FanInState) Process(source string, env *Envelope) ([]*Envelope, error) {
	if _, ok := s.known[source]; !ok {
		return nil, fmt.Errorf("source %q is not an input of this fan-in edge", source)
	}

	if s.trigger == WhenAny {
		return []*Envelope{env}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = append(s.buffer, env)
	delete(s.unseen, source)
	if len(s.unseen) > 0 {
		return nil, nil
	}

	released := s.buffer
	s.reset()
	return released, nil
}

// Pending returns the number of buffered messages.
func (s *FanInState) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.buffer)
}

// Unseen returns the sources not yet heard from this round, in source order.
func (s *FanInState) Unseen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.unseenLocked()
}

func (s *FanInState) unseenLocked() []string {
	out := make([]string, 0, len(s.unseen))
	for _, src := range s.sources {
		if _, ok := s.unseen[src]; ok {
			out = append(out, src)
		}
	}
	return out
}

// FanInSnapshot is the exported form of a FanInState.
type FanInSnapshot struct {
	Trigger  FanInTrigger       `json:"trigger"`
	Unseen   []string           `json:"unseen"`
	Buffered []EnvelopeSnapshot `json:"buffered,omitempty"`
}

// MessageType tags snapshots inside PortableValues.
func (FanInSnapshot) MessageType() TypeID { return "superstep.FanInSnapshot" }

// Export captures the current round.
func (s *FanInState) Export() FanInSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := FanInSnapshot{
		Trigger: s.trigger,
		Unseen:  s.unseenLocked(),
	}
	for _, env := range s.buffer {
		snap.Buffered = append(snap.Buffered, env.Snapshot())
	}
	return snap
}

// Import replaces the current round with snap.
func (s *FanInState) Import(snap FanInSnapshot) error {
	if snap.Trigger != s.trigger {
		return fmt.Errorf("fan-in trigger mismatch: have %s, snapshot %s", s.trigger, snap.Trigger)
	}

	unseen := make(map[string]struct{}, len(snap.Unseen))
	for _, src := range snap.Unseen {
		if !slices.Contains(s.sources, src) {
			return fmt.Errorf("fan-in snapshot names unknown source %q", src)
		}
		unseen[src] = struct{}{}
	}
	buffer := make([]*Envelope, 0, len(snap.Buffered))
	for _, es := range snap.Buffered {
		env, err := envelopeFromSnapshot(es)
		if err != nil {
			return err
		}
		buffer = append(buffer, env)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.trigger == WhenAll && len(snap.Unseen) == 0 && len(buffer) == 0 {
		s.reset()
		return nil
	}
	s.unseen = unseen
	s.buffer = buffer
	return nil
}

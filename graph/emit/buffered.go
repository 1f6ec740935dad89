package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory.
//
// Events are organized by runID and kept in emission order, which for the
// superstep runtime is the order they were queued within each step.
//
// Features:
//   - Thread-safe concurrent access
//   - Query by runID with optional filtering
//   - Filter by executor, event kind, step range
//   - Clear events by runID or all events
//
// Warning: This emitter stores all events in memory. For long-running
// workflows, call Clear once a run's history is no longer needed.
//
// Example usage:
//
//	history := emit.NewBufferedEmitter()
//	result, err := graph.Run(ctx, wf, input, graph.WithEmitter(history))
//
//	failures := history.GetHistoryWithFilter(result.RunID, emit.HistoryFilter{
//		Msg: emit.EventExecutorFailed,
//	})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // runID -> events
}

// HistoryFilter specifies criteria for filtering execution history.
//
// All filter fields are optional. When multiple fields are set, they are
// combined with AND logic (all conditions must match).
//
// Example usage:
//
//	minStep, maxStep := 5, 10
//	filter := emit.HistoryFilter{
//		ExecutorID: "validator",
//		MinStep:    &minStep,
//		MaxStep:    &maxStep,
//	}
//	events := emitter.GetHistoryWithFilter("run-001", filter)
type HistoryFilter struct {
	ExecutorID string // Filter by executor ID (empty = no filter)
	Msg        string // Filter by event kind (empty = no filter)
	MinStep    *int   // Minimum step number (nil = no filter)
	MaxStep    *int   // Maximum step number (nil = no filter)
}

// NewBufferedEmitter creates a new BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event in the buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// GetHistory retrieves all events for a specific runID.
//
// Returns a copy of the events in the order they were emitted, or an empty
// slice if no events exist for the given runID.
func (b *BufferedEmitter) GetHistory(runID string) []Event {
	return b.GetHistoryWithFilter(runID, HistoryFilter{})
}

// GetHistoryWithFilter retrieves filtered events for a specific runID.
//
// Returns events in the order they were emitted. Returns an empty slice if
// no events match the filter.
func (b *BufferedEmitter) GetHistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]Event, 0, len(b.events[runID]))
	for _, event := range b.events[runID] {
		if filter.matches(event) {
			result = append(result, event)
		}
	}
	return result
}

func (f HistoryFilter) matches(event Event) bool {
	if f.ExecutorID != "" && event.ExecutorID != f.ExecutorID {
		return false
	}
	if f.Msg != "" && event.Msg != f.Msg {
		return false
	}
	if f.MinStep != nil && event.Step < *f.MinStep {
		return false
	}
	if f.MaxStep != nil && event.Step > *f.MaxStep {
		return false
	}
	return true
}

// Runs returns the run IDs with stored events.
func (b *BufferedEmitter) Runs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	runs := make([]string, 0, len(b.events))
	for id := range b.events {
		runs = append(runs, id)
	}
	return runs
}

// Clear removes stored events.
//
// If runID is non-empty, clears only events for that specific run.
// If runID is empty, clears all stored events across all runs.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if runID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, runID)
}

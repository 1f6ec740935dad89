package store

import (
	"context"
	"errors"
	"sync"
)

// MemStore is an in-memory implementation of Store[C].
//
// It stores checkpoints in process memory using maps.
// Designed for:
//   - Testing and development
//   - Single-process workflows
//   - Short-lived workflows where persistence isn't required
//
// MemStore is thread-safe and supports concurrent access.
//
// Limitations:
//   - Data is lost when process terminates
//   - Not suitable for distributed systems
//   - Memory usage grows with the number of committed checkpoints
//
// Type parameter C is the checkpoint type to persist.
type MemStore[C Snapshot] struct {
	mu          sync.RWMutex
	checkpoints map[CheckpointInfo]C
	order       map[string][]CheckpointInfo // runID -> commit order
}

// NewMemStore creates a new in-memory store.
//
// Example:
//
//	cps := store.NewMemStore[*graph.Checkpoint]()
//	runner, err := graph.NewLocalRunner(wf, graph.WithCheckpointStore(cps))
func NewMemStore[C Snapshot]() *MemStore[C] {
	return &MemStore[C]{
		checkpoints: make(map[CheckpointInfo]C),
		order:       make(map[string][]CheckpointInfo),
	}
}

// CommitCheckpoint stores checkpoint under its Info. Re-committing an
// existing ID replaces the stored value without changing its position in the
// run's history.
func (m *MemStore[C]) CommitCheckpoint(ctx context.Context, checkpoint C) (CheckpointInfo, error) {
	if err := ctx.Err(); err != nil {
		return CheckpointInfo{}, err
	}

	info := checkpoint.Info()
	if info.RunID == "" || info.CheckpointID == "" {
		return CheckpointInfo{}, errors.New("checkpoint info requires run and checkpoint IDs")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.checkpoints[info]; !exists {
		m.order[info.RunID] = append(m.order[info.RunID], info)
	}
	m.checkpoints[info] = checkpoint
	return info, nil
}

// LookupCheckpoint returns the checkpoint committed under info.
func (m *MemStore[C]) LookupCheckpoint(ctx context.Context, info CheckpointInfo) (C, error) {
	var zero C
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, ok := m.checkpoints[info]
	if !ok {
		return zero, ErrNotFound
	}
	return cp, nil
}

// ListCheckpoints returns a copy of the run's history in commit order.
func (m *MemStore[C]) ListCheckpoints(ctx context.Context, runID string) ([]CheckpointInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.order[runID]
	out := make([]CheckpointInfo, len(history))
	copy(out, history)
	return out, nil
}

// LatestCheckpoint returns the last checkpoint committed for runID.
func (m *MemStore[C]) LatestCheckpoint(ctx context.Context, runID string) (C, error) {
	var zero C
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.order[runID]
	if len(history) == 0 {
		return zero, ErrNotFound
	}
	return m.checkpoints[history[len(history)-1]], nil
}

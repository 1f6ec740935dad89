// Package store provides persistence for workflow checkpoints.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested run ID or checkpoint ID does not exist.
var ErrNotFound = errors.New("not found")

// CheckpointInfo identifies a committed checkpoint.
type CheckpointInfo struct {
	RunID        string `json:"run_id"`
	CheckpointID string `json:"checkpoint_id"`
}

// Snapshot is implemented by checkpoint values a Store can hold.
type Snapshot interface {
	// Info returns the identity under which the snapshot is committed.
	Info() CheckpointInfo
}

// Store persists checkpoints of workflow runs.
//
// Implementations can use:
//   - In-memory storage (for testing, see memory.go)
//   - Relational databases (MySQL, PostgreSQL)
//   - Key-value stores (Redis, DynamoDB)
//   - Object storage (S3, GCS)
//
// Committed checkpoints are immutable: a store may hand the same value back
// from every lookup, and callers must not modify it.
//
// Type parameter C is the checkpoint type to persist.
type Store[C Snapshot] interface {
	// CommitCheckpoint persists a checkpoint and returns its identity.
	// Committing a checkpoint whose ID already exists replaces it.
	CommitCheckpoint(ctx context.Context, checkpoint C) (CheckpointInfo, error)

	// LookupCheckpoint retrieves a committed checkpoint.
	//
	// Returns ErrNotFound if the run or checkpoint does not exist.
	LookupCheckpoint(ctx context.Context, info CheckpointInfo) (C, error)

	// ListCheckpoints returns the checkpoints of a run in commit order.
	// An unknown run yields an empty list.
	ListCheckpoints(ctx context.Context, runID string) ([]CheckpointInfo, error)

	// LatestCheckpoint returns the most recently committed checkpoint of a run.
	//
	// Returns ErrNotFound if the run has no checkpoints.
	LatestCheckpoint(ctx context.Context, runID string) (C, error)
}

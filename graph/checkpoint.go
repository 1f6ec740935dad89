package graph

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/superstep/graph/emit"
	"github.com/dshills/superstep/graph/store"
)

// Checkpoint is a complete snapshot of a run at a superstep barrier.
//
// It holds everything needed to continue the run: the runner bookkeeping,
// every state scope and every fan-in edge's buffered round. A checkpoint
// also records the fingerprint of the workflow it came from and is only
// restorable into a workflow with an equal fingerprint.
//
// Checkpoints are never modified after they are committed.
type Checkpoint struct {
	ID         string                               `json:"id"`
	RunID      string                               `json:"run_id"`
	StepNumber int                                  `json:"step_number"`
	Timestamp  time.Time                            `json:"timestamp"`
	Parent     *store.CheckpointInfo                `json:"parent,omitempty"`
	Workflow   GraphFingerprint                     `json:"workflow"`
	Runner     RunnerStateData                      `json:"runner"`
	States     map[ScopeID]map[string]PortableValue `json:"states,omitempty"`
	Edges      map[EdgeID]PortableValue             `json:"edges,omitempty"`
	Outputs    []any                                `json:"outputs,omitempty"`
}

// Info implements store.Snapshot.
func (c *Checkpoint) Info() store.CheckpointInfo {
	return store.CheckpointInfo{RunID: c.RunID, CheckpointID: c.ID}
}

// Checkpoint commits a checkpoint of the run at the current barrier.
//
// CheckpointAware executors get their OnCheckpoint hook first; state they
// queue there is committed into the checkpoint. Checkpoint must not be
// called from inside a handler.
func (r *LocalRunner) Checkpoint(ctx context.Context) (store.CheckpointInfo, error) {
	r.stepMu.Lock()
	defer r.stepMu.Unlock()

	info, err := r.commitCheckpoint(ctx)
	if err != nil {
		return store.CheckpointInfo{}, err
	}
	r.flushEvents()
	return info, nil
}

func (r *LocalRunner) commitCheckpoint(ctx context.Context) (store.CheckpointInfo, error) {
	if r.cfg.store == nil {
		return store.CheckpointInfo{}, ErrNoCheckpointStore
	}

	if err := r.runCheckpointHooks(ctx, false); err != nil {
		return store.CheckpointInfo{}, err
	}

	cp := &Checkpoint{
		ID:         uuid.NewString(),
		RunID:      r.runID,
		StepNumber: r.step,
		Timestamp:  time.Now().UTC(),
		Parent:     r.lastCheckpoint,
		Workflow:   r.wf.Fingerprint(),
		Runner:     r.rc.exportState(),
		States:     r.states.export(),
		Edges:      r.edges.ExportState(),
		Outputs:    cloneValues(r.Outputs()),
	}

	info, err := r.cfg.store.CommitCheckpoint(ctx, cp)
	if err != nil {
		return store.CheckpointInfo{}, fmt.Errorf("commit checkpoint: %w", err)
	}
	r.mu.Lock()
	r.lastCheckpoint = &info
	r.mu.Unlock()

	r.cfg.metrics.IncrementCheckpoints(r.wf.metricsName())
	r.rc.addEvent(emit.Event{
		Step: r.step,
		Msg:  emit.EventCheckpointCommitted,
		Meta: map[string]interface{}{"checkpoint_id": info.CheckpointID},
	})
	r.logger.Debug("checkpoint committed",
		zap.Int("step", r.step),
		zap.String("checkpoint_id", info.CheckpointID))
	return info, nil
}

// runCheckpointHooks calls OnCheckpoint (or OnRestore) on every instantiated
// CheckpointAware executor in ID order and commits what they queued.
func (r *LocalRunner) runCheckpointHooks(ctx context.Context, restore bool) error {
	var (
		errs  []error
		wctxs []*invocationContext
	)
	for _, id := range r.rc.instantiated() {
		inst, err := r.rc.EnsureExecutor(ctx, id)
		if err != nil {
			return err
		}
		aware, ok := inst.executor.(CheckpointAware)
		if !ok {
			continue
		}

		wctx := newInvocationContext(r, id, r.step)
		if restore {
			err = aware.OnRestore(ctx, wctx)
		} else {
			err = aware.OnCheckpoint(ctx, wctx)
		}
		if err != nil {
			errs = append(errs, &ExecutorError{ExecutorID: id, Message: "checkpoint hook failed", Cause: err})
			continue
		}
		wctxs = append(wctxs, wctx)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	for _, wctx := range wctxs {
		wctx.publish()
	}
	return r.states.commit()
}

// RestoreCheckpoint replaces the run's state with a committed checkpoint.
//
// The checkpoint's fingerprint is validated against the workflow before
// anything is imported; on mismatch ErrCheckpointMismatch is returned and
// the run is left untouched. On success the run continues from the
// checkpoint's barrier: queued messages are delivered by the next superstep
// and outstanding requests can be answered with SendResponse.
func (r *LocalRunner) RestoreCheckpoint(ctx context.Context, info store.CheckpointInfo) error {
	r.stepMu.Lock()
	defer r.stepMu.Unlock()

	if r.cfg.store == nil {
		return ErrNoCheckpointStore
	}

	cp, err := r.cfg.store.LookupCheckpoint(ctx, info)
	if err != nil {
		return fmt.Errorf("lookup checkpoint %s: %w", info.CheckpointID, err)
	}

	if want := r.wf.Fingerprint(); !cp.Workflow.Equal(want) {
		return &EngineError{
			Message: fmt.Sprintf("checkpoint %s: %s", cp.ID, strings.Join(cp.Workflow.Diff(want), "; ")),
			Code:    "CHECKPOINT_MISMATCH",
			Cause:   ErrCheckpointMismatch,
		}
	}

	logger := r.baseLogger.With(zap.String("run_id", cp.RunID))
	rc := newRunnerContext(r.wf, cp.RunID, r.cfg.defaultTimeout, logger)
	if err := rc.importState(ctx, cp.Runner); err != nil {
		return fmt.Errorf("restore runner state: %w", err)
	}
	edges := newEdgeMap(r.wf)
	if err := edges.ImportState(cp.Edges); err != nil {
		return fmt.Errorf("restore edge state: %w", err)
	}
	states := newStateManager()
	states.importStates(cp.States)

	r.mu.Lock()
	r.runID = cp.RunID
	r.rc = rc
	r.edges = edges
	r.states = states
	r.step = cp.StepNumber
	r.failure = nil
	r.outputs = cloneValues(cp.Outputs)
	r.lastCheckpoint = &info
	r.logger = logger
	r.started = true
	r.haltRequested.Store(false)
	r.mu.Unlock()

	if err := r.runCheckpointHooks(ctx, true); err != nil {
		r.mu.Lock()
		r.failure = err
		r.status = StatusFailed
		r.mu.Unlock()
		return fmt.Errorf("restore hooks: %w", err)
	}
	r.settleStatus()
	logger.Info("checkpoint restored",
		zap.String("checkpoint_id", cp.ID),
		zap.Int("step", cp.StepNumber))
	return nil
}

// Resume creates a runner for wf and restores it from the checkpoint at
// info. WithCheckpointStore must name the store holding the checkpoint.
func Resume(ctx context.Context, wf *Workflow, info store.CheckpointInfo, opts ...Option) (*LocalRunner, error) {
	r, err := NewLocalRunner(wf, append(slices.Clip(opts), WithRunID(info.RunID))...)
	if err != nil {
		return nil, err
	}
	if err := r.RestoreCheckpoint(ctx, info); err != nil {
		return nil, err
	}
	return r, nil
}

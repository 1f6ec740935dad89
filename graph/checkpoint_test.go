package graph

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"sync"
	"testing"

	"github.com/dshills/superstep/graph/emit"
	"github.com/dshills/superstep/graph/store"
)

func prefixer(id, prefix string) *FuncExecutor {
	return NewFuncExecutor(id, func(b *RouteBuilder) {
		HandleAndSend(b, func(_ context.Context, s string, wctx WorkflowContext) (string, error) {
			if err := wctx.QueueStateUpdate("seen", s, ""); err != nil {
				return "", err
			}
			return prefix + s, nil
		})
	})
}

// joinWorkflow fans out from split to left and, one hop later through relay,
// to slow. Both feed a WhenAll fan-in into join, so after step 3 the fan-in
// holds left's message while slow's is still queued. left, relay and slow
// each record what they saw in state.
func joinWorkflow(t *testing.T) *Workflow {
	t.Helper()
	b := NewBuilder(BindExecutor(forward[string]("split")))
	mustAdd(t, b.AddExecutor(BindExecutor(prefixer("left", "left:"))))
	mustAdd(t, b.AddExecutor(BindExecutor(prefixer("relay", ""))))
	mustAdd(t, b.AddExecutor(BindExecutor(prefixer("slow", "slow:"))))
	mustAdd(t, b.AddExecutor(BindExecutor(sink[string]("join"))))
	mustAdd(t, b.AddFanOutEdge("split", []string{"left", "relay"}, nil))
	mustAdd(t, b.AddEdge("relay", "slow", nil))
	mustAdd(t, b.AddFanInEdge([]string{"left", "slow"}, "join", WhenAll))
	mustAdd(t, b.WithOutputFrom("join"))
	return mustBuild(t, b)
}

func TestCheckpoint_RoundTrip(t *testing.T) {
	ctx := context.Background()

	reference, err := Run(ctx, joinWorkflow(t), "go", WithSequentialDelivery(true))
	if err != nil {
		t.Fatalf("reference run failed: %v", err)
	}
	if !slices.Equal(reference.Outputs, []any{"left:go", "slow:go"}) {
		t.Fatalf("unexpected reference outputs %v", reference.Outputs)
	}

	cps := store.NewMemStore[*Checkpoint]()
	r, err := Stream(ctx, joinWorkflow(t), "go", WithCheckpointStore(cps), WithSequentialDelivery(true))
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := r.RunSuperStep(ctx); err != nil {
			t.Fatalf("step %d failed: %v", i+1, err)
		}
	}

	infos, err := cps.ListCheckpoints(ctx, r.RunID())
	if err != nil || len(infos) != 3 {
		t.Fatalf("expected a checkpoint per superstep, got %v %v", infos, err)
	}
	last := r.LastCheckpoint()
	if last == nil || *last != infos[2] {
		t.Fatalf("expected last checkpoint %v, got %v", infos[2], last)
	}
	cp, err := cps.LookupCheckpoint(ctx, *last)
	if err != nil {
		t.Fatalf("LookupCheckpoint failed: %v", err)
	}
	if cp.StepNumber != 3 || cp.Parent == nil || *cp.Parent != infos[1] {
		t.Errorf("expected step 3 with parent %v, got step %d parent %v", infos[1], cp.StepNumber, cp.Parent)
	}
	if len(cp.Edges) != 1 {
		t.Errorf("expected the fan-in edge's buffered round in the checkpoint, got %v", cp.Edges)
	}

	resumed, err := Resume(ctx, joinWorkflow(t), *last, WithCheckpointStore(cps), WithSequentialDelivery(true))
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if resumed.RunID() != r.RunID() || resumed.Supersteps() != 3 {
		t.Errorf("expected run %s at step 3, got %s at %d", r.RunID(), resumed.RunID(), resumed.Supersteps())
	}
	wantStates := r.states.export()
	if len(wantStates) != 3 {
		t.Fatalf("expected state in 3 executors, got %v", wantStates)
	}
	if got := resumed.states.export(); !reflect.DeepEqual(got, wantStates) {
		t.Errorf("restored scopes %v differ from %v", got, wantStates)
	}
	wantEdges := r.edges.ExportState()
	if got := resumed.edges.ExportState(); !reflect.DeepEqual(got, wantEdges) {
		t.Errorf("restored fan-in state %v differs from %v", got, wantEdges)
	}
	for id, pv := range wantEdges {
		snap, ok := As[FanInSnapshot](pv)
		if !ok || len(snap.Buffered) != 1 || snap.Buffered[0].Message != "left:go" {
			t.Errorf("expected edge %s to hold left's message, got %+v", id, pv)
		}
	}

	if err := resumed.RunUntilHalt(ctx); err != nil {
		t.Fatalf("resumed run failed: %v", err)
	}
	if err := r.RunUntilHalt(ctx); err != nil {
		t.Fatalf("original run failed: %v", err)
	}
	if !slices.Equal(resumed.Outputs(), reference.Outputs) {
		t.Errorf("resumed outputs %v differ from reference %v", resumed.Outputs(), reference.Outputs)
	}
	if !slices.Equal(r.Outputs(), reference.Outputs) {
		t.Errorf("original outputs %v differ from reference %v", r.Outputs(), reference.Outputs)
	}
	if resumed.Supersteps() != reference.Supersteps {
		t.Errorf("expected %d supersteps, got %d", reference.Supersteps, resumed.Supersteps())
	}
}

func TestCheckpoint_Mismatch(t *testing.T) {
	ctx := context.Background()
	cps := store.NewMemStore[*Checkpoint]()

	r, err := Stream(ctx, joinWorkflow(t), "go", WithCheckpointStore(cps))
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if _, err := r.RunSuperStep(ctx); err != nil {
		t.Fatalf("RunSuperStep failed: %v", err)
	}
	info := *r.LastCheckpoint()

	b := NewBuilder(BindExecutor(forward[string]("split")))
	mustAdd(t, b.AddExecutor(BindExecutor(sink[string]("left"))))
	mustAdd(t, b.AddEdge("split", "left", nil))
	other := mustBuild(t, b)

	if _, err := Resume(ctx, other, info, WithCheckpointStore(cps)); !errors.Is(err, ErrCheckpointMismatch) {
		t.Fatalf("expected ErrCheckpointMismatch from Resume, got %v", err)
	}

	target, err := Stream(ctx, other, "own input", WithCheckpointStore(cps), WithRunID("other-run"))
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	err = target.RestoreCheckpoint(ctx, info)
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Code != "CHECKPOINT_MISMATCH" {
		t.Fatalf("expected CHECKPOINT_MISMATCH, got %v", err)
	}
	if target.RunID() != "other-run" || target.Supersteps() != 0 || target.context().QueuedMessages() != 1 {
		t.Error("expected the target run untouched after a rejected restore")
	}

	if _, err := Resume(ctx, joinWorkflow(t), store.CheckpointInfo{RunID: info.RunID, CheckpointID: "missing"}, WithCheckpointStore(cps)); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected store.ErrNotFound for unknown checkpoint, got %v", err)
	}
}

func TestCheckpoint_Diff(t *testing.T) {
	a := joinWorkflow(t).Fingerprint()
	if !a.Equal(joinWorkflow(t).Fingerprint()) {
		t.Fatal("expected identical workflows to have equal fingerprints")
	}

	b := NewBuilder(BindExecutor(forward[string]("split")))
	mustAdd(t, b.AddExecutor(BindExecutor(sink[string]("left"))))
	mustAdd(t, b.AddEdge("split", "left", When(func(string) bool { return true })))
	other := mustBuild(t, b).Fingerprint()

	if a.Equal(other) || a.Key() == other.Key() {
		t.Fatal("expected different fingerprints")
	}
	diffs := a.Diff(other)
	if len(diffs) < 2 {
		t.Errorf("expected executors and edges to differ, got %v", diffs)
	}
}

// tally counts messages in a private field and persists it through the
// checkpoint hooks.
type tally struct {
	id       string
	count    int
	restored bool
}

func (t *tally) ID() string { return t.id }

func (t *tally) ConfigureRoutes(b *RouteBuilder) {
	Handle(b, func(ctx context.Context, _ string, wctx WorkflowContext) error {
		t.count++
		return wctx.YieldOutput(ctx, t.count)
	})
}

func (t *tally) OnCheckpoint(_ context.Context, wctx WorkflowContext) error {
	return wctx.QueueStateUpdate("count", t.count, "private")
}

func (t *tally) OnRestore(_ context.Context, wctx WorkflowContext) error {
	t.count, _ = ReadState[int](wctx, "count", "private")
	t.restored = true
	return nil
}

func TestCheckpoint_Hooks(t *testing.T) {
	ctx := context.Background()
	var instances []*tally
	wf := mustBuild(t, NewBuilder(Register("tally", "Tally", func(_ context.Context, id string) (Executor, error) {
		inst := &tally{id: id}
		instances = append(instances, inst)
		return inst, nil
	})))

	cps := store.NewMemStore[*Checkpoint]()
	r, err := Stream(ctx, wf, "a", WithCheckpointStore(cps), WithSequentialDelivery(true))
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	mustAdd(t, r.EnqueueInput(ctx, "b"))
	if _, err := r.RunSuperStep(ctx); err != nil {
		t.Fatalf("RunSuperStep failed: %v", err)
	}

	resumed, err := Resume(ctx, wf, *r.LastCheckpoint(), WithCheckpointStore(cps), WithSequentialDelivery(true))
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if len(instances) != 2 || !instances[1].restored || instances[1].count != 2 {
		t.Fatalf("expected a fresh restored instance with count 2, got %+v", instances)
	}

	mustAdd(t, resumed.EnqueueInput(ctx, "c"))
	if err := resumed.RunUntilHalt(ctx); err != nil {
		t.Fatalf("RunUntilHalt failed: %v", err)
	}
	if !slices.Equal(resumed.Outputs(), []any{1, 2, 3}) {
		t.Errorf("expected outputs [1 2 3], got %v", resumed.Outputs())
	}
}

func TestCheckpoint_Manual(t *testing.T) {
	ctx := context.Background()
	wf := pingWorkflow(t, -1)

	noStore, _ := newTestRunner(t, wf)
	if _, err := noStore.Checkpoint(ctx); !errors.Is(err, ErrNoCheckpointStore) {
		t.Errorf("expected ErrNoCheckpointStore, got %v", err)
	}
	if err := noStore.RestoreCheckpoint(ctx, store.CheckpointInfo{}); !errors.Is(err, ErrNoCheckpointStore) {
		t.Errorf("expected ErrNoCheckpointStore on restore, got %v", err)
	}

	cps := store.NewMemStore[*Checkpoint]()
	r, history := newTestRunner(t, wf, WithCheckpointStore(cps))
	mustAdd(t, r.EnqueueInput(ctx, 0))

	info, err := r.Checkpoint(ctx)
	if err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	committed := eventsOf(history.GetHistory(r.RunID()), emit.EventCheckpointCommitted)
	if len(committed) != 1 || committed[0].Meta["checkpoint_id"] != info.CheckpointID {
		t.Errorf("expected checkpoint_committed for %s, got %+v", info.CheckpointID, committed)
	}

	cp, err := cps.LookupCheckpoint(ctx, info)
	if err != nil {
		t.Fatalf("LookupCheckpoint failed: %v", err)
	}
	if cp.StepNumber != 0 || len(cp.Runner.QueuedMessages) != 1 {
		t.Errorf("expected the queued input at step 0, got step %d messages %v", cp.StepNumber, cp.Runner.QueuedMessages)
	}
}

func TestCheckpoint_RestoreAfterFailure(t *testing.T) {
	ctx := context.Background()
	b := NewBuilder(BindExecutor(NewFuncExecutor("w", func(b *RouteBuilder) {
		HandleAndSend(b, func(_ context.Context, s string, wctx WorkflowContext) (string, error) {
			return s, wctx.QueueStateUpdate("shared", s, "")
		})
	})))
	mustAdd(t, b.AddExecutor(BindExecutor(sink[string]("out"))))
	mustAdd(t, b.AddFanOutEdge("w", []string{"out"}, func(msg any, _ int) []int {
		if msg == "bad" {
			return []int{7}
		}
		return []int{0}
	}))
	wf := mustBuild(t, b)

	cps := store.NewMemStore[*Checkpoint]()
	r, _ := newTestRunner(t, wf, WithCheckpointStore(cps))
	mustAdd(t, r.EnqueueInput(ctx, "first"))
	if err := r.RunUntilHalt(ctx); err != nil {
		t.Fatalf("RunUntilHalt failed: %v", err)
	}
	good := *r.LastCheckpoint()

	mustAdd(t, r.EnqueueInput(ctx, "bad"))
	if err := r.RunUntilHalt(ctx); !errors.Is(err, ErrEdgeResolution) {
		t.Fatalf("expected edge resolution failure, got %v", err)
	}
	if r.Status() != StatusFailed {
		t.Fatalf("expected failed run, got %s", r.Status())
	}

	if err := r.RestoreCheckpoint(ctx, good); err != nil {
		t.Fatalf("RestoreCheckpoint failed: %v", err)
	}
	if r.Status() != StatusIdle || r.Err() != nil {
		t.Errorf("expected restored run to be idle, got %s %v", r.Status(), r.Err())
	}
	if v, _ := r.states.scope(ScopeID{ExecutorID: "w"}).Get("shared"); v != "first" {
		t.Errorf("expected shared=first after restore, got %v", v)
	}
	mustAdd(t, r.EnqueueInput(ctx, "again"))
	if _, err := r.RunSuperStep(ctx); err != nil {
		t.Errorf("expected run to continue after restore, got %v", err)
	}
}

// mutator writes xs=[1] on its first message and then changes the committed
// slice in place before writing it back.
func mutatorWorkflow(t *testing.T) *Workflow {
	t.Helper()
	b := NewBuilder(BindExecutor(NewFuncExecutor("m", func(b *RouteBuilder) {
		Handle(b, func(ctx context.Context, n int, wctx WorkflowContext) error {
			xs, ok := ReadState[[]int](wctx, "xs", "")
			if !ok {
				xs = []int{1}
			} else {
				xs[0] = 99
			}
			if err := wctx.QueueStateUpdate("xs", xs, ""); err != nil {
				return err
			}
			if err := wctx.YieldOutput(ctx, xs); err != nil {
				return err
			}
			if n < 2 {
				return wctx.SendMessage(ctx, n+1)
			}
			return nil
		})
	})))
	mustAdd(t, b.AddEdge("m", "m", nil))
	return mustBuild(t, b)
}

func TestCheckpoint_IsolatedFromLiveState(t *testing.T) {
	ctx := context.Background()
	cps := store.NewMemStore[*Checkpoint]()

	r, err := Stream(ctx, mutatorWorkflow(t), 1, WithCheckpointStore(cps))
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if err := r.RunUntilHalt(ctx); err != nil {
		t.Fatalf("RunUntilHalt failed: %v", err)
	}
	infos, err := cps.ListCheckpoints(ctx, r.RunID())
	if err != nil || len(infos) != 2 {
		t.Fatalf("expected 2 checkpoints, got %v %v", infos, err)
	}

	first, err := cps.LookupCheckpoint(ctx, infos[0])
	if err != nil {
		t.Fatalf("LookupCheckpoint failed: %v", err)
	}
	xs, ok := As[[]int](first.States[ScopeID{ExecutorID: "m"}]["xs"])
	if !ok || !slices.Equal(xs, []int{1}) {
		t.Errorf("expected first checkpoint xs=[1], got %v", xs)
	}
	if len(first.Outputs) != 1 {
		t.Fatalf("expected one output in the first checkpoint, got %v", first.Outputs)
	}
	if out, _ := first.Outputs[0].([]int); !slices.Equal(out, []int{1}) {
		t.Errorf("expected first checkpoint output [1], got %v", first.Outputs)
	}

	for i := 0; i < 2; i++ {
		resumed, err := Resume(ctx, mutatorWorkflow(t), infos[0], WithCheckpointStore(cps))
		if err != nil {
			t.Fatalf("restore %d: Resume failed: %v", i, err)
		}
		got, _ := ReadScopeState[[]int](resumed.states.scope(ScopeID{ExecutorID: "m"}), "xs")
		if !slices.Equal(got, []int{1}) {
			t.Fatalf("restore %d: expected xs=[1], got %v", i, got)
		}
		if err := resumed.RunUntilHalt(ctx); err != nil {
			t.Fatalf("restore %d: RunUntilHalt failed: %v", i, err)
		}
	}
}

func TestCheckpoint_LastCheckpointConcurrentRead(t *testing.T) {
	ctx := context.Background()
	r, err := Stream(ctx, pingWorkflow(t, 20), 0, WithCheckpointStore(store.NewMemStore[*Checkpoint]()))
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				_ = r.LastCheckpoint()
			}
		}
	}()

	err = r.RunUntilHalt(ctx)
	close(done)
	wg.Wait()
	if err != nil {
		t.Fatalf("RunUntilHalt failed: %v", err)
	}
	if r.LastCheckpoint() == nil {
		t.Error("expected a checkpoint after the run")
	}
}

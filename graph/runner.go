package graph

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/superstep/graph/emit"
	"github.com/dshills/superstep/graph/store"
)

// RunStatus describes where a run is between supersteps.
type RunStatus int

const (
	// StatusIdle means no superstep is running. Messages may be queued.
	StatusIdle RunStatus = iota

	// StatusStepInProgress means a superstep is delivering messages.
	StatusStepInProgress

	// StatusAwaitingResponse means nothing is queued and at least one
	// external request is waiting for SendResponse.
	StatusAwaitingResponse

	// StatusHalted means an executor requested a halt in the last superstep.
	StatusHalted

	// StatusFailed means a superstep failed fatally. The run accepts no
	// further supersteps until it is restored from a checkpoint.
	StatusFailed
)

func (s RunStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusStepInProgress:
		return "step_in_progress"
	case StatusAwaitingResponse:
		return "awaiting_response"
	case StatusHalted:
		return "halted"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("RunStatus(%d)", int(s))
	}
}

// RunResult summarises a run driven by Run.
type RunResult struct {
	RunID           string
	Status          RunStatus
	Events          []emit.Event
	Outputs         []any
	PendingRequests []ExternalRequest
	Supersteps      int
	LastCheckpoint  *store.CheckpointInfo
}

// LocalRunner executes one run of a workflow in the current process.
//
// A run proceeds in supersteps. Each superstep takes every message queued by
// the previous one, delivers them along the workflow's edges, waits for
// every handler to return and then publishes the step's effects at once:
// state updates are committed, a checkpoint is optionally taken and queued
// events are raised to subscribers. Messages sent during a superstep are
// only delivered in the next one.
//
// LocalRunner methods are safe for concurrent use; supersteps themselves are
// serialised.
type LocalRunner struct {
	wf         *Workflow
	cfg        *runConfig
	baseLogger *zap.Logger
	logger     *zap.Logger

	// stepMu serialises supersteps, checkpoints and restores.
	stepMu sync.Mutex

	mu             sync.Mutex
	runID          string
	rc             *RunnerContext
	states         *stateManager
	edges          *EdgeMap
	step           int
	status         RunStatus
	failure        error
	started        bool
	outputs        []any
	subscribers    emit.MultiEmitter
	lastCheckpoint *store.CheckpointInfo

	haltRequested atomic.Bool
}

// NewLocalRunner creates a runner for a fresh run of wf.
func NewLocalRunner(wf *Workflow, opts ...Option) (*LocalRunner, error) {
	if wf == nil {
		return nil, &EngineError{Message: "workflow cannot be nil", Code: "INVALID_WORKFLOW"}
	}

	cfg, err := newRunConfig(opts)
	if err != nil {
		return nil, &EngineError{Message: "invalid option", Code: "INVALID_OPTION", Cause: err}
	}

	runID := cfg.runID
	if runID == "" {
		runID = uuid.NewString()
	}

	base := cfg.logger.With(zap.String("component", "runner"))
	r := &LocalRunner{
		wf:          wf,
		cfg:         cfg,
		baseLogger:  base,
		logger:      base.With(zap.String("run_id", runID)),
		runID:       runID,
		subscribers: emit.Multi(cfg.emitters...),
	}
	r.rc = newRunnerContext(wf, runID, cfg.defaultTimeout, r.logger)
	r.states = newStateManager()
	r.edges = newEdgeMap(wf)
	return r, nil
}

// Stream starts a run of wf with input and returns the runner without
// executing any superstep. The start executor is instantiated immediately.
//
// Example:
//
//	runner, err := graph.Stream(ctx, wf, "hello")
//	for {
//	    ran, err := runner.RunSuperStep(ctx)
//	    if err != nil || !ran {
//	        break
//	    }
//	}
func Stream(ctx context.Context, wf *Workflow, input any, opts ...Option) (*LocalRunner, error) {
	r, err := NewLocalRunner(wf, opts...)
	if err != nil {
		return nil, err
	}
	if err := r.EnqueueInput(ctx, input); err != nil {
		return nil, err
	}
	return r, nil
}

// Run executes a run of wf with input until it halts, needs an external
// response or has nothing left to do, collecting every event.
//
// The returned result is non-nil whenever the run started, including when
// an error is returned.
func Run(ctx context.Context, wf *Workflow, input any, opts ...Option) (*RunResult, error) {
	history := emit.NewBufferedEmitter()
	r, err := Stream(ctx, wf, input, append(slices.Clip(opts), WithEmitter(history))...)
	if err != nil {
		return nil, err
	}
	err = r.RunUntilHalt(ctx)
	return r.result(history), err
}

func (r *LocalRunner) result(history *emit.BufferedEmitter) *RunResult {
	res := &RunResult{
		RunID:           r.RunID(),
		Status:          r.Status(),
		Outputs:         r.Outputs(),
		PendingRequests: r.PendingRequests(),
		Supersteps:      r.Supersteps(),
		LastCheckpoint:  r.LastCheckpoint(),
	}
	if history != nil {
		res.Events = history.GetHistory(res.RunID)
	}
	return res
}

// RunID returns the run identifier.
func (r *LocalRunner) RunID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runID
}

// Workflow returns the workflow being run.
func (r *LocalRunner) Workflow() *Workflow { return r.wf }

// Status returns the current run status.
func (r *LocalRunner) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Err returns the fatal error that failed the run, if any.
func (r *LocalRunner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure
}

// Supersteps returns the number of supersteps executed.
func (r *LocalRunner) Supersteps() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.step
}

// Outputs returns the outputs yielded so far in yield order.
func (r *LocalRunner) Outputs() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.outputs)
}

// PendingRequests returns the outstanding external requests.
func (r *LocalRunner) PendingRequests() []ExternalRequest {
	return r.context().PendingRequests()
}

// LastCheckpoint returns the most recently committed or restored checkpoint.
func (r *LocalRunner) LastCheckpoint() *store.CheckpointInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastCheckpoint == nil {
		return nil
	}
	info := *r.lastCheckpoint
	return &info
}

// Subscribe adds an emitter for events raised after this call.
func (r *LocalRunner) Subscribe(e emit.Emitter) {
	if e == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, e)
}

func (r *LocalRunner) context() *RunnerContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rc
}

func (r *LocalRunner) recordOutput(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs = append(r.outputs, v)
}

func (r *LocalRunner) setStatus(s RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = s
}

// settleStatus derives the between-steps status.
func (r *LocalRunner) settleStatus() {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.failure != nil:
		r.status = StatusFailed
	case r.haltRequested.Load():
		r.status = StatusHalted
	case r.rc.NextStepHasActions():
		r.status = StatusIdle
	case r.rc.HasUnservicedRequests():
		r.status = StatusAwaitingResponse
	default:
		r.status = StatusIdle
	}
}

// EnqueueInput queues fresh external input for the start executor.
//
// Returns ErrTypeMismatch when the start executor has no handler for the
// input's declared type.
func (r *LocalRunner) EnqueueInput(ctx context.Context, input any, opts ...EnvelopeOption) error {
	if err := r.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrRunFailed, err)
	}

	rc := r.context()
	inst, err := rc.EnsureExecutor(ctx, r.wf.start)
	if err != nil {
		return err
	}
	env, err := NewEnvelope(r.wf.types, input, ExternalSource, opts...)
	if err != nil {
		return err
	}
	if !inst.router.CanHandle(env.Type()) {
		return fmt.Errorf("%w: start executor %s cannot handle %s", ErrTypeMismatch, r.wf.start, env.Type())
	}

	r.mu.Lock()
	first := !r.started
	r.started = true
	r.mu.Unlock()

	if first {
		rc.addEvent(emit.Event{
			Msg: emit.EventWorkflowStarted,
			Meta: map[string]interface{}{
				"workflow":       r.wf.name,
				"start_executor": r.wf.start,
			},
		})
	}
	rc.AddExternalMessage(env)
	r.settleStatus()
	return nil
}

// SendResponse answers a pending external request. The response is
// delivered to its port in the next superstep.
//
// Returns ErrUnknownRequest when the request is not pending and
// ErrTypeMismatch when the data is not assignable to the port's response
// type.
func (r *LocalRunner) SendResponse(ctx context.Context, resp ExternalResponse) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrRunFailed, err)
	}

	rc := r.context()
	req, ok := rc.request(resp.RequestID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, resp.RequestID)
	}
	if resp.PortID == "" {
		resp.PortID = req.PortID
	}
	if resp.PortID != req.PortID {
		return fmt.Errorf("%w: request %s belongs to port %s, not %s", ErrUnknownRequest, resp.RequestID, req.PortID, resp.PortID)
	}
	if resp.Data == nil {
		return ErrNilMessage
	}
	port, ok := r.wf.ports[req.PortID]
	if !ok {
		return fmt.Errorf("%w: port %s", ErrExecutorNotFound, req.PortID)
	}
	if actual := TypeOf(resp.Data); !r.wf.types.IsAssignable(actual, port.Response) {
		return fmt.Errorf("%w: response %s is not assignable to %s", ErrTypeMismatch, actual, port.Response)
	}

	env, err := NewEnvelope(r.wf.types, resp, ExternalSource, WithTarget(port.ID))
	if err != nil {
		return err
	}
	rc.AddExternalMessage(env)
	r.settleStatus()
	return nil
}

// RunUntilHalt executes supersteps until the run halts, becomes quiescent or
// fails.
func (r *LocalRunner) RunUntilHalt(ctx context.Context) error {
	for {
		if max := r.cfg.maxSupersteps; max > 0 && r.Supersteps() >= max && r.context().NextStepHasActions() {
			return fmt.Errorf("%w: %d", ErrMaxSuperstepsExceeded, max)
		}

		ran, err := r.RunSuperStep(ctx)
		if err != nil {
			return err
		}
		if !ran || r.Status() == StatusHalted {
			return nil
		}
	}
}

// RunSuperStep executes one superstep. It reports false without error when
// nothing was queued.
//
// Handler failures are reported as events and never returned. Edge
// resolution failures and state write conflicts fail the run: the step's
// state updates are discarded, its events plus a workflow_error event are
// raised, and the error is returned.
func (r *LocalRunner) RunSuperStep(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.stepMu.Lock()
	defer r.stepMu.Unlock()

	if err := r.Err(); err != nil {
		return false, fmt.Errorf("%w: %w", ErrRunFailed, err)
	}

	step := r.rc.Advance()
	if step.Empty() {
		r.flushEvents()
		r.settleStatus()
		return false, nil
	}

	r.mu.Lock()
	r.step++
	stepNo := r.step
	r.status = StatusStepInProgress
	r.mu.Unlock()
	r.haltRequested.Store(false)

	if err := r.runStep(ctx, stepNo, step); err != nil {
		return false, err
	}
	return true, nil
}

func (r *LocalRunner) runStep(ctx context.Context, stepNo int, step *StepContext) error {
	logger := r.logger.With(zap.Int("step", stepNo))
	ctx, span := r.cfg.tracer.Start(ctx, "superstep", trace.WithAttributes(
		attribute.String("superstep.run_id", r.runID),
		attribute.Int("superstep.step", stepNo),
		attribute.Int("superstep.messages", step.Len()),
	))
	defer span.End()

	start := time.Now()
	r.rc.addEvent(emit.Event{
		Step: stepNo,
		Msg:  emit.EventSuperstepStarted,
		Meta: map[string]interface{}{"messages": step.Len()},
	})
	logger.Debug("superstep started", zap.Int("messages", step.Len()))

	err := r.deliver(ctx, stepNo, step)
	if err == nil {
		err = r.states.commit()
	} else {
		r.states.discard()
	}

	meta := map[string]interface{}{"messages": step.Len()}
	if err == nil && r.cfg.store != nil {
		var info store.CheckpointInfo
		info, err = r.commitCheckpoint(ctx)
		meta["checkpoint_id"] = info.CheckpointID
	}

	elapsed := time.Since(start)
	if err != nil {
		r.fail(span, logger, stepNo, err, elapsed)
		return err
	}

	meta["duration_ms"] = elapsed.Milliseconds()
	r.rc.addEvent(emit.Event{Step: stepNo, Msg: emit.EventSuperstepCompleted, Meta: meta})
	r.flushEvents()
	r.settleStatus()

	r.cfg.metrics.RecordSuperstep(r.wf.metricsName(), elapsed, false)
	r.cfg.metrics.UpdateQueue(r.rc.QueuedMessages(), len(r.rc.PendingRequests()))
	logger.Debug("superstep completed",
		zap.Duration("duration", elapsed),
		zap.Stringer("status", r.Status()))
	return nil
}

func (r *LocalRunner) fail(span trace.Span, logger *zap.Logger, stepNo int, err error, elapsed time.Duration) {
	r.mu.Lock()
	r.failure = err
	r.status = StatusFailed
	r.mu.Unlock()

	r.rc.addEvent(emit.Event{
		Step: stepNo,
		Msg:  emit.EventWorkflowError,
		Meta: map[string]interface{}{
			"error":       err.Error(),
			"duration_ms": elapsed.Milliseconds(),
		},
	})
	r.flushEvents()

	r.cfg.metrics.RecordSuperstep(r.wf.metricsName(), elapsed, true)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	logger.Error("superstep failed", zap.Error(err))
}

// flushEvents raises every queued event to every subscriber in queue order.
func (r *LocalRunner) flushEvents() {
	events := r.rc.drainEvents()
	if len(events) == 0 {
		return
	}

	r.mu.Lock()
	subscribers := slices.Clone(r.subscribers)
	r.mu.Unlock()

	for _, e := range events {
		subscribers.Emit(e)
	}
}

// delivery is one edge run for one message.
type delivery struct {
	env    *Envelope
	runner edgeRunner
}

// deliver runs every edge for every message of the step and waits for all
// of them. The first edge failure is returned once all deliveries finished.
func (r *LocalRunner) deliver(ctx context.Context, stepNo int, step *StepContext) error {
	var work []delivery
	for _, sender := range step.Senders() {
		for _, env := range step.Messages(sender) {
			runners, err := r.runnersFor(env)
			if err != nil {
				return err
			}
			for _, er := range runners {
				work = append(work, delivery{env: env, runner: er})
			}
		}
	}

	if r.cfg.sequential {
		for _, d := range work {
			if err := r.chase(ctx, stepNo, d); err != nil {
				return err
			}
		}
		return nil
	}

	var g errgroup.Group
	for _, d := range work {
		g.Go(func() error {
			return r.chase(ctx, stepNo, d)
		})
	}
	return g.Wait()
}

// runnersFor selects the edges a message travels. External responses
// complete their request and travel to their port; other external messages
// travel to the start executor.
func (r *LocalRunner) runnersFor(env *Envelope) ([]edgeRunner, error) {
	if !env.IsExternal() {
		return r.edges.EdgesFrom(env.SourceID()), nil
	}

	resp, ok := env.Message().(ExternalResponse)
	if !ok {
		return []edgeRunner{r.edges.InputRunner()}, nil
	}
	if !r.rc.CompleteRequest(resp.RequestID) {
		return nil, fmt.Errorf("%w: response for %s delivered but request is not pending", ErrUnknownRequest, resp.RequestID)
	}
	pr, ok := r.edges.PortRunner(resp.PortID)
	if !ok {
		return nil, fmt.Errorf("%w: port %s", ErrExecutorNotFound, resp.PortID)
	}
	return []edgeRunner{pr}, nil
}

func (r *LocalRunner) chase(ctx context.Context, stepNo int, d delivery) error {
	mapping, status, err := d.runner.Chase(ctx, d.env, r.rc)
	r.cfg.metrics.RecordDelivery(r.wf.metricsName(), status)
	if err != nil {
		r.logger.Error("edge resolution failed",
			zap.Int("step", stepNo),
			zap.String("edge_id", string(d.runner.EdgeID())),
			zap.Error(err))
		return err
	}

	r.logger.Debug("edge chased",
		zap.Int("step", stepNo),
		zap.String("edge_id", string(d.runner.EdgeID())),
		zap.String("source", d.env.SourceID()),
		zap.Stringer("status", status))
	if status != Delivered {
		return nil
	}

	for _, target := range mapping.Targets {
		inst, err := r.rc.EnsureExecutor(ctx, target)
		if err != nil {
			return &EdgeError{EdgeID: d.runner.EdgeID(), Source: d.env.SourceID(), Cause: err}
		}
		for _, env := range mapping.Envelopes {
			r.invoke(ctx, stepNo, inst, env)
		}
	}
	return nil
}

// invoke runs one handler and records its outcome. It never fails the step.
func (r *LocalRunner) invoke(ctx context.Context, stepNo int, inst *executorInstance, env *Envelope) {
	opts := []trace.SpanStartOption{trace.WithAttributes(
		attribute.String("superstep.executor_id", inst.id),
		attribute.String("superstep.message_type", string(env.Type())),
		attribute.Int("superstep.step", stepNo),
	)}
	if sc := env.TraceContext(); sc.IsValid() {
		opts = append(opts, trace.WithLinks(trace.Link{SpanContext: sc}))
	}
	ctx, span := r.cfg.tracer.Start(ctx, "executor "+inst.id, opts...)
	defer span.End()

	r.rc.addEvent(emit.Event{
		Step:       stepNo,
		ExecutorID: inst.id,
		Msg:        emit.EventExecutorInvoked,
		Meta: map[string]interface{}{
			"message_type": string(env.Type()),
			"source":       env.SourceID(),
		},
	})

	inst.invokeMu.Lock()
	start := time.Now()
	result := r.attempt(ctx, stepNo, inst, env)
	elapsed := time.Since(start)
	inst.invokeMu.Unlock()

	if result == nil {
		r.logger.Debug("no handler for message",
			zap.String("executor_id", inst.id),
			zap.String("message_type", string(env.Type())))
		return
	}

	meta := map[string]interface{}{
		"message_type": string(env.Type()),
		"duration_ms":  elapsed.Milliseconds(),
	}
	if result.Raised {
		meta["error"] = result.Err.Error()
		r.rc.addEvent(emit.Event{Step: stepNo, ExecutorID: inst.id, Msg: emit.EventExecutorFailed, Meta: meta})
		r.cfg.metrics.IncrementHandlerFailures(r.wf.metricsName(), inst.id)
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
		r.logger.Warn("handler failed",
			zap.Int("step", stepNo),
			zap.String("executor_id", inst.id),
			zap.Error(result.Err))
		return
	}
	r.rc.addEvent(emit.Event{Step: stepNo, ExecutorID: inst.id, Msg: emit.EventExecutorCompleted, Meta: meta})
}

// attempt routes env through inst, retrying per the executor's RetryPolicy,
// and publishes the effects of the final attempt.
func (r *LocalRunner) attempt(ctx context.Context, stepNo int, inst *executorInstance, env *Envelope) *CallResult {
	for attempt := 1; ; attempt++ {
		wctx := newInvocationContext(r, inst.id, stepNo)
		result := routeWithTimeout(ctx, inst, env, wctx)
		if result == nil || !result.Raised || !inst.retry.shouldRetry(attempt, result.Err) {
			wctx.publish()
			return result
		}

		delay := computeBackoff(attempt-1, inst.retry.BaseDelay, inst.retry.MaxDelay, nil)
		r.rc.addEvent(emit.Event{
			Step:       stepNo,
			ExecutorID: inst.id,
			Msg:        emit.EventExecutorRetrying,
			Meta: map[string]interface{}{
				"attempt":  attempt,
				"error":    result.Err.Error(),
				"delay_ms": delay.Milliseconds(),
			},
		})
		r.logger.Debug("retrying handler",
			zap.Int("step", stepNo),
			zap.String("executor_id", inst.id),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(result.Err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			wctx.publish()
			return result
		case <-timer.C:
		}
	}
}

package graph

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dshills/superstep/graph/emit"
)

// executorInstance is an instantiated executor with its router.
type executorInstance struct {
	id       string
	executor Executor
	router   *MessageRouter
	timeout  time.Duration
	retry    *RetryPolicy

	// invokeMu serialises the executor's invocations within a superstep
	// so each one publishes before the next starts.
	invokeMu sync.Mutex
}

// RunnerContext is the bookkeeping of one run: instantiated executors, the
// message queue for the next superstep, outstanding external requests and
// events waiting to be raised.
//
// Each LocalRunner owns one RunnerContext; nothing in it is shared between
// runs.
type RunnerContext struct {
	wf             *Workflow
	runID          string
	defaultTimeout time.Duration
	logger         *zap.Logger

	execMu    sync.RWMutex
	executors map[string]*executorInstance
	group     singleflight.Group

	mu       sync.Mutex
	queue    []*Envelope
	requests map[string]ExternalRequest
	events   []emit.Event
}

func newRunnerContext(wf *Workflow, runID string, defaultTimeout time.Duration, logger *zap.Logger) *RunnerContext {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunnerContext{
		wf:             wf,
		runID:          runID,
		defaultTimeout: defaultTimeout,
		logger:         logger,
		executors:      make(map[string]*executorInstance),
		requests:       make(map[string]ExternalRequest),
	}
}

// EnsureExecutor returns the run's instance of id, creating it from its
// registration on first access. Concurrent first callers share one
// construction.
func (rc *RunnerContext) EnsureExecutor(ctx context.Context, id string) (*executorInstance, error) {
	rc.execMu.RLock()
	inst, ok := rc.executors[id]
	rc.execMu.RUnlock()
	if ok {
		return inst, nil
	}

	v, err, _ := rc.group.Do(id, func() (any, error) {
		rc.execMu.RLock()
		inst, ok := rc.executors[id]
		rc.execMu.RUnlock()
		if ok {
			return inst, nil
		}

		inst, err := rc.instantiate(ctx, id)
		if err != nil {
			return nil, err
		}

		rc.execMu.Lock()
		rc.executors[id] = inst
		rc.execMu.Unlock()

		rc.logger.Debug("executor instantiated", zap.String("executor_id", id))
		return inst, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*executorInstance), nil
}

func (rc *RunnerContext) instantiate(ctx context.Context, id string) (*executorInstance, error) {
	reg, ok := rc.wf.registrations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutorNotFound, id)
	}

	executor, err := reg.Factory(ctx, id)
	if err != nil {
		return nil, &EngineError{
			Message: fmt.Sprintf("executor %s: factory failed", id),
			Code:    "EXECUTOR_FACTORY",
			Cause:   err,
		}
	}
	if executor == nil {
		return nil, &EngineError{Message: fmt.Sprintf("executor %s: factory returned nil", id), Code: "EXECUTOR_FACTORY"}
	}
	if executor.ID() != id {
		return nil, &EngineError{
			Message: fmt.Sprintf("factory for %s returned executor %s", id, executor.ID()),
			Code:    "EXECUTOR_FACTORY",
		}
	}

	retry := getRetryPolicy(executor)
	if retry != nil {
		if err := retry.Validate(); err != nil {
			return nil, &EngineError{Message: fmt.Sprintf("executor %s: retry policy", id), Code: "INVALID_POLICY", Cause: err}
		}
	}

	b := newRouteBuilder()
	executor.ConfigureRoutes(b)
	router, err := NewMessageRouter(id, b, rc.wf.types)
	if err != nil {
		return nil, err
	}

	return &executorInstance{
		id:       id,
		executor: executor,
		router:   router,
		timeout:  getHandlerTimeout(executor, rc.defaultTimeout),
		retry:    retry,
	}, nil
}

// instantiated returns the IDs of every instantiated executor, sorted.
func (rc *RunnerContext) instantiated() []string {
	rc.execMu.RLock()
	defer rc.execMu.RUnlock()

	return slices.Sorted(maps.Keys(rc.executors))
}

// AddExternalMessage queues an envelope from outside the run.
func (rc *RunnerContext) AddExternalMessage(env *Envelope) {
	rc.sendMessage(env)
}

// sendMessage queues an envelope for the next superstep.
func (rc *RunnerContext) sendMessage(env *Envelope) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.queue = append(rc.queue, env)
}

// NextStepHasActions reports whether any message is queued.
func (rc *RunnerContext) NextStepHasActions() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	return len(rc.queue) > 0
}

// QueuedMessages returns the number of queued messages.
func (rc *RunnerContext) QueuedMessages() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	return len(rc.queue)
}

// Advance takes every queued message and groups it by sender for delivery.
// Messages queued while the returned step runs belong to the next one.
func (rc *RunnerContext) Advance() *StepContext {
	rc.mu.Lock()
	queue := rc.queue
	rc.queue = nil
	rc.mu.Unlock()

	return newStepContext(queue)
}

// postRequest registers an outstanding external request.
func (rc *RunnerContext) postRequest(req ExternalRequest) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.requests[req.RequestID] = req
}

// request returns an outstanding request.
func (rc *RunnerContext) request(id string) (ExternalRequest, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	req, ok := rc.requests[id]
	return req, ok
}

// CompleteRequest removes an outstanding request. It reports false when the
// request was not pending.
func (rc *RunnerContext) CompleteRequest(id string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if _, ok := rc.requests[id]; !ok {
		return false
	}
	delete(rc.requests, id)
	return true
}

// HasUnservicedRequests reports whether any external request is pending.
func (rc *RunnerContext) HasUnservicedRequests() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	return len(rc.requests) > 0
}

// PendingRequests returns the outstanding requests sorted by request ID.
func (rc *RunnerContext) PendingRequests() []ExternalRequest {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	out := make([]ExternalRequest, 0, len(rc.requests))
	for _, id := range slices.Sorted(maps.Keys(rc.requests)) {
		out = append(out, rc.requests[id])
	}
	return out
}

// addEvent queues an event for the end of the superstep.
func (rc *RunnerContext) addEvent(e emit.Event) {
	if e.RunID == "" {
		e.RunID = rc.runID
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.events = append(rc.events, e)
}

// QueuedEvents returns a copy of the events not yet raised.
func (rc *RunnerContext) QueuedEvents() []emit.Event {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	return slices.Clone(rc.events)
}

// drainEvents removes and returns the queued events in queue order.
func (rc *RunnerContext) drainEvents() []emit.Event {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	events := rc.events
	rc.events = nil
	return events
}

// RunnerStateData is the exported bookkeeping of a RunnerContext.
type RunnerStateData struct {
	InstantiatedExecutors []string           `json:"instantiated_executors"`
	QueuedMessages        []EnvelopeSnapshot `json:"queued_messages,omitempty"`
	OutstandingRequests   []ExternalRequest  `json:"outstanding_requests,omitempty"`
}

func (rc *RunnerContext) exportState() RunnerStateData {
	data := RunnerStateData{InstantiatedExecutors: rc.instantiated()}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	for _, env := range rc.queue {
		data.QueuedMessages = append(data.QueuedMessages, env.Snapshot())
	}
	for _, id := range slices.Sorted(maps.Keys(rc.requests)) {
		req := rc.requests[id]
		req.Data = cloneValue(req.Data)
		data.OutstandingRequests = append(data.OutstandingRequests, req)
	}
	return data
}

// importState loads exported bookkeeping into an empty context and
// re-instantiates the recorded executors.
func (rc *RunnerContext) importState(ctx context.Context, data RunnerStateData) error {
	queue := make([]*Envelope, 0, len(data.QueuedMessages))
	for _, s := range data.QueuedMessages {
		env, err := envelopeFromSnapshot(s)
		if err != nil {
			return err
		}
		queue = append(queue, env)
	}
	for _, id := range data.InstantiatedExecutors {
		if _, err := rc.EnsureExecutor(ctx, id); err != nil {
			return err
		}
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.queue = queue
	rc.requests = make(map[string]ExternalRequest, len(data.OutstandingRequests))
	for _, req := range data.OutstandingRequests {
		req.Data = cloneValue(req.Data)
		rc.requests[req.RequestID] = req
	}
	return nil
}

// StepContext is the set of messages delivered in one superstep, grouped by
// sender. Senders appear in the order they first issued a message; each
// sender's messages keep their issue order.
type StepContext struct {
	senders  []string
	messages map[string][]*Envelope
	total    int
}

func newStepContext(queue []*Envelope) *StepContext {
	sc := &StepContext{messages: make(map[string][]*Envelope)}
	for _, env := range queue {
		src := env.SourceID()
		if _, seen := sc.messages[src]; !seen {
			sc.senders = append(sc.senders, src)
		}
		sc.messages[src] = append(sc.messages[src], env)
	}
	sc.total = len(queue)
	return sc
}

// Empty reports whether the step has no messages.
func (sc *StepContext) Empty() bool { return sc.total == 0 }

// Len returns the number of messages in the step.
func (sc *StepContext) Len() int { return sc.total }

// Senders returns the senders in first-issue order. The external source is
// reported as "".
func (sc *StepContext) Senders() []string { return slices.Clone(sc.senders) }

// Messages returns the messages of one sender in issue order.
func (sc *StepContext) Messages(sender string) []*Envelope {
	return slices.Clone(sc.messages[sender])
}

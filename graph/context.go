package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/superstep/graph/emit"
)

// WorkflowContext is the handle a handler uses to act on the run.
//
// Every effect is deferred to the superstep barrier: sent messages are
// delivered in the next superstep, queued state updates become visible to
// other executors in the next superstep and events are raised once the
// current superstep completes. A handler sees its own queued updates
// immediately, and those of earlier invocations of the same executor in the
// current superstep.
//
// State is addressed by scope name within the calling executor; the empty
// name is the executor's default scope.
type WorkflowContext interface {
	// ExecutorID returns the executor being invoked.
	ExecutorID() string

	// RunID returns the run identifier.
	RunID() string

	// Step returns the current superstep number.
	Step() int

	// SendMessage queues msg from this executor for the next superstep.
	SendMessage(ctx context.Context, msg any, opts ...EnvelopeOption) error

	// YieldOutput publishes a workflow output.
	YieldOutput(ctx context.Context, value any) error

	// AddEvent queues a custom event. An empty kind defaults to
	// emit.EventExecutorEvent.
	AddEvent(ctx context.Context, kind string, meta map[string]any)

	// RequestHalt asks the run to stop after this superstep.
	RequestHalt()

	// ReadStateValue returns the value under key in scope.
	ReadStateValue(key, scope string) (any, bool)

	// ReadStateKeys returns the sorted keys of scope.
	ReadStateKeys(scope string) []string

	// QueueStateUpdate stores value under key in scope at the barrier.
	QueueStateUpdate(key string, value any, scope string) error

	// QueueStateDelete removes key from scope at the barrier.
	QueueStateDelete(key, scope string) error

	// QueueClearScope removes every key of scope at the barrier.
	QueueClearScope(scope string) error
}

// ReadState returns the value under key in scope as T. A missing key and a
// value of another type both report false.
//
// Example:
//
//	count, _ := graph.ReadState[int](wctx, "count", "")
//	_ = wctx.QueueStateUpdate("count", count+1, "")
func ReadState[T any](wctx WorkflowContext, key, scope string) (T, bool) {
	var zero T
	v, ok := wctx.ReadStateValue(key, scope)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// invocationContext is the WorkflowContext of one handler attempt.
//
// Effects are collected on the context and handed to the run by publish
// once the attempt is final. A retried attempt is dropped with its context.
type invocationContext struct {
	runner     *LocalRunner
	executorID string
	step       int

	mu       sync.Mutex
	buffer   *stateBuffer
	sent     []*Envelope
	events   []emit.Event
	outputs  []any
	requests []ExternalRequest
	halt     bool
}

func newInvocationContext(r *LocalRunner, executorID string, step int) *invocationContext {
	return &invocationContext{
		runner:     r,
		executorID: executorID,
		step:       step,
		buffer:     newStateBuffer(executorID),
	}
}

func (c *invocationContext) ExecutorID() string { return c.executorID }

func (c *invocationContext) RunID() string { return c.runner.rc.runID }

func (c *invocationContext) Step() int { return c.step }

func (c *invocationContext) SendMessage(ctx context.Context, msg any, opts ...EnvelopeOption) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		opts = append([]EnvelopeOption{WithTraceContext(sc)}, opts...)
	}
	env, err := NewEnvelope(c.runner.wf.types, msg, c.executorID, opts...)
	if err != nil {
		return fmt.Errorf("executor %s: send: %w", c.executorID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sent = append(c.sent, env)
	return nil
}

func (c *invocationContext) YieldOutput(ctx context.Context, value any) error {
	if value == nil {
		return ErrNilMessage
	}
	if err := c.runner.wf.canYield(c.executorID, value); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.outputs = append(c.outputs, value)
	c.events = append(c.events, c.event(emit.EventOutputYielded, map[string]interface{}{
		"output":      value,
		"output_type": string(TypeOf(value)),
	}))
	return nil
}

func (c *invocationContext) AddEvent(ctx context.Context, kind string, meta map[string]any) {
	if kind == "" {
		kind = emit.EventExecutorEvent
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, c.event(kind, meta))
}

func (c *invocationContext) RequestHalt() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.halt {
		return
	}
	c.halt = true
	c.events = append(c.events, c.event(emit.EventHaltRequested, nil))
}

func (c *invocationContext) event(kind string, meta map[string]interface{}) emit.Event {
	return emit.Event{
		Step:       c.step,
		ExecutorID: c.executorID,
		Msg:        kind,
		Meta:       meta,
	}
}

func (c *invocationContext) ReadStateValue(key, scope string) (any, bool) {
	c.mu.Lock()
	v, present, decided := c.buffer.lookup(scope, key)
	c.mu.Unlock()
	if decided {
		return v, present
	}
	if v, present, decided := c.runner.states.lookupStaged(c.executorID, scope, key); decided {
		return v, present
	}
	return c.runner.states.scope(ScopeID{ExecutorID: c.executorID, Name: scope}).Get(key)
}

func (c *invocationContext) ReadStateKeys(scope string) []string {
	keys := c.runner.states.stagedKeys(c.executorID, scope)

	c.mu.Lock()
	c.buffer.overlayKeys(scope, keys)
	c.mu.Unlock()

	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *invocationContext) QueueStateUpdate(key string, value any, scope string) error {
	if key == "" {
		return fmt.Errorf("executor %s: state key cannot be empty", c.executorID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buffer.queue(scope, SetState(key, value))
	return nil
}

func (c *invocationContext) QueueStateDelete(key, scope string) error {
	if key == "" {
		return fmt.Errorf("executor %s: state key cannot be empty", c.executorID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buffer.queue(scope, DeleteState(key))
	return nil
}

func (c *invocationContext) QueueClearScope(scope string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buffer.clear(scope)
	return nil
}

// postRequest registers an external request raised by a port executor.
func (c *invocationContext) postRequest(req ExternalRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests = append(c.requests, req)
	c.events = append(c.events, c.event(emit.EventRequestInfo, map[string]interface{}{
		"request_id": req.RequestID,
		"port_id":    req.PortID,
		"data":       req.Data,
	}))
}

// publish hands the attempt's effects to the run: staged state to the state
// manager, messages to the next step's queue, and outputs, requests and
// events in the order they happened.
func (c *invocationContext) publish() {
	c.mu.Lock()
	buffer := c.buffer
	sent, events, outputs, requests, halt := c.sent, c.events, c.outputs, c.requests, c.halt
	c.buffer = newStateBuffer(c.executorID)
	c.sent, c.events, c.outputs, c.requests, c.halt = nil, nil, nil, nil, false
	c.mu.Unlock()

	r := c.runner
	r.states.stage(buffer)
	for _, env := range sent {
		r.rc.sendMessage(env)
	}
	for _, req := range requests {
		r.rc.postRequest(req)
	}
	for _, v := range outputs {
		r.recordOutput(v)
	}
	if halt {
		r.haltRequested.Store(true)
	}
	for _, e := range events {
		r.rc.addEvent(e)
	}
}

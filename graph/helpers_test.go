package graph

import (
	"context"
	"sync"
	"testing"

	"github.com/dshills/superstep/graph/emit"
)

// stubContext is a WorkflowContext for exercising routers and handlers
// outside a run.
type stubContext struct {
	mu   sync.Mutex
	id   string
	sent []any
}

func (c *stubContext) ExecutorID() string { return c.id }
func (c *stubContext) RunID() string { return "stub" }
func (c *stubContext) Step() int { return 0 }

func (c *stubContext) SendMessage(_ context.Context, msg any, _ ...EnvelopeOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *stubContext) YieldOutput(context.Context, any) error { return nil }
func (c *stubContext) AddEvent(context.Context, string, map[string]any) {}
func (c *stubContext) RequestHalt() {}
func (c *stubContext) ReadStateValue(string, string) (any, bool) { return nil, false }
func (c *stubContext) ReadStateKeys(string) []string { return nil }
func (c *stubContext) QueueStateUpdate(string, any, string) error { return nil }
func (c *stubContext) QueueStateDelete(string, string) error { return nil }
func (c *stubContext) QueueClearScope(string) error { return nil }

func (c *stubContext) messages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.sent...)
}

func mustEnvelope(t *testing.T, types *TypeRegistry, msg any, source string, opts ...EnvelopeOption) *Envelope {
	t.Helper()
	env, err := NewEnvelope(types, msg, source, opts...)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	return env
}

func mustBuild(t *testing.T, b *Builder) *Workflow {
	t.Helper()
	wf, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return wf
}

func mustAdd(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("builder call failed: %v", err)
	}
}

// forward builds an executor that sends every T it receives on unchanged.
func forward[T any](id string) *FuncExecutor {
	return NewFuncExecutor(id, func(b *RouteBuilder) {
		HandleAndSend(b, func(_ context.Context, msg T, _ WorkflowContext) (T, error) {
			return msg, nil
		})
	})
}

// sink builds an executor that yields every T it receives as an output.
func sink[T any](id string) *FuncExecutor {
	return NewFuncExecutor(id, func(b *RouteBuilder) {
		Handle(b, func(ctx context.Context, msg T, wctx WorkflowContext) error {
			return wctx.YieldOutput(ctx, msg)
		})
	})
}

func newTestRunner(t *testing.T, wf *Workflow, opts ...Option) (*LocalRunner, *emit.BufferedEmitter) {
	t.Helper()
	history := emit.NewBufferedEmitter()
	r, err := NewLocalRunner(wf, append(opts, WithEmitter(history), WithSequentialDelivery(true))...)
	if err != nil {
		t.Fatalf("NewLocalRunner failed: %v", err)
	}
	return r, history
}

func eventKinds(events []emit.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Msg
	}
	return out
}

func eventsOf(events []emit.Event, kind string) []emit.Event {
	var out []emit.Event
	for _, e := range events {
		if e.Msg == kind {
			out = append(out, e)
		}
	}
	return out
}
func eventOf(kind string) emit.Event { return emit.Event{Msg: kind} }

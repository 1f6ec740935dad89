package graph

import (
	"context"
	"fmt"
)

// Executor is a unit of work in a workflow.
//
// An executor declares the message types it accepts in ConfigureRoutes. The
// runtime builds a MessageRouter from those routes the first time the
// executor is instantiated in a run and dispatches every delivered message
// through it. Executors may hold their own fields; the runtime never invokes
// handlers of the same instance concurrently for different supersteps, but
// handlers for several messages in one superstep may run concurrently.
type Executor interface {
	// ID returns the executor's identity within the workflow.
	ID() string

	// ConfigureRoutes registers the executor's handlers.
	ConfigureRoutes(b *RouteBuilder)
}

// CheckpointAware is implemented by executors that keep private state
// outside their state scopes.
//
// OnCheckpoint runs before a checkpoint is captured and may queue state
// updates that become part of it. OnRestore runs after the executor is
// re-instantiated from a checkpoint and may read its scopes back.
type CheckpointAware interface {
	OnCheckpoint(ctx context.Context, wctx WorkflowContext) error
	OnRestore(ctx context.Context, wctx WorkflowContext) error
}

// ExecutorFactory creates an executor instance for a run.
type ExecutorFactory func(ctx context.Context, id string) (Executor, error)

// ExecutorRegistration binds an executor ID to the factory that creates it.
//
// Type names the kind of executor and is part of the workflow fingerprint,
// so a checkpoint cannot be restored into a workflow that swapped the
// implementation behind an ID.
type ExecutorRegistration struct {
	ID      string
	Type    string
	Factory ExecutorFactory
}

// Register creates a registration from a factory.
//
// Example:
//
//	reg := graph.Register("counter", "Counter", func(ctx context.Context, id string) (graph.Executor, error) {
//	    return &Counter{id: id}, nil
//	})
func Register(id, typ string, factory ExecutorFactory) ExecutorRegistration {
	return ExecutorRegistration{ID: id, Type: typ, Factory: factory}
}

// BindExecutor creates a registration that always returns e. The instance
// is shared by every run of the workflow, so it must be safe for that.
func BindExecutor(e Executor) ExecutorRegistration {
	return ExecutorRegistration{
		ID:   e.ID(),
		Type: fmt.Sprintf("%T", e),
		Factory: func(context.Context, string) (Executor, error) {
			return e, nil
		},
	}
}

func (reg ExecutorRegistration) validate() error {
	if reg.ID == "" {
		return &EngineError{Message: "executor ID must not be empty", Code: "INVALID_WORKFLOW"}
	}
	if reg.Factory == nil {
		return &EngineError{Message: fmt.Sprintf("executor %s has no factory", reg.ID), Code: "INVALID_WORKFLOW"}
	}
	return nil
}

// FuncExecutor is an Executor assembled from a route configuration func.
//
// Example:
//
//	upper := graph.NewFuncExecutor("upper", func(b *graph.RouteBuilder) {
//	    graph.HandleAndSend(b, func(ctx context.Context, s string, wctx graph.WorkflowContext) (string, error) {
//	        return strings.ToUpper(s), nil
//	    })
//	})
type FuncExecutor struct {
	id        string
	configure func(b *RouteBuilder)
	policy    ExecutorPolicy
}

// NewFuncExecutor creates a FuncExecutor.
func NewFuncExecutor(id string, configure func(b *RouteBuilder)) *FuncExecutor {
	return &FuncExecutor{id: id, configure: configure}
}

// WithPolicy sets the executor's policy and returns the executor.
func (f *FuncExecutor) WithPolicy(p ExecutorPolicy) *FuncExecutor {
	f.policy = p
	return f
}

// ID returns the executor ID.
func (f *FuncExecutor) ID() string { return f.id }

// ConfigureRoutes runs the configure func.
func (f *FuncExecutor) ConfigureRoutes(b *RouteBuilder) {
	if f.configure != nil {
		f.configure(b)
	}
}

// Policy returns the executor's policy.
func (f *FuncExecutor) Policy() ExecutorPolicy { return f.policy }

package graph

import (
	"context"
	"fmt"
	"sync"
)

// Handler processes one message delivered to an executor.
//
// The returned value is recorded in the CallResult. It is only forwarded
// downstream when the handler was registered with HandleAndSend. A returned
// error is captured and reported; it never aborts the superstep.
type Handler func(ctx context.Context, msg any, wctx WorkflowContext) (any, error)

// RouteBuilder collects the handlers of one executor.
//
// Executors receive a RouteBuilder in ConfigureRoutes:
//
//	func (e *Counter) ConfigureRoutes(b *graph.RouteBuilder) {
//	    graph.Handle(b, func(ctx context.Context, n int, wctx graph.WorkflowContext) error {
//	        e.total += n
//	        return nil
//	    })
//	}
type RouteBuilder struct {
	order    []TypeID
	handlers map[TypeID]Handler
	catchAll Handler
	errs     []error
}

func newRouteBuilder() *RouteBuilder {
	return &RouteBuilder{handlers: make(map[TypeID]Handler)}
}

// AddHandler registers h for messages declared as t or any subtype of t.
func (b *RouteBuilder) AddHandler(t TypeID, h Handler) *RouteBuilder {
	switch {
	case t == "":
		b.errs = append(b.errs, fmt.Errorf("handler type must not be empty"))
	case h == nil:
		b.errs = append(b.errs, fmt.Errorf("handler for %s must not be nil", t))
	default:
		if _, dup := b.handlers[t]; dup {
			b.errs = append(b.errs, fmt.Errorf("duplicate handler for %s", t))
			return b
		}
		b.order = append(b.order, t)
		b.handlers[t] = h
	}
	return b
}

// AddCatchAll registers h for messages no typed handler accepts.
func (b *RouteBuilder) AddCatchAll(h Handler) *RouteBuilder {
	if b.catchAll != nil {
		b.errs = append(b.errs, fmt.Errorf("duplicate catch-all handler"))
		return b
	}
	b.catchAll = h
	return b
}

// Handle registers a typed handler for TypeFor[T].
//
// A message routed here whose payload cannot be converted to T (declared as
// a subtype tag without a matching Go type) fails with ErrTypeMismatch.
func Handle[T any](b *RouteBuilder, fn func(ctx context.Context, msg T, wctx WorkflowContext) error) *RouteBuilder {
	return b.AddHandler(TypeFor[T](), func(ctx context.Context, msg any, wctx WorkflowContext) (any, error) {
		typed, ok := msg.(T)
		if !ok {
			return nil, fmt.Errorf("%w: cannot use %T as %s", ErrTypeMismatch, msg, TypeFor[T]())
		}
		return nil, fn(ctx, typed, wctx)
	})
}

// HandleAndSend registers a typed handler whose result is sent on as a
// message from the executor.
func HandleAndSend[T, R any](b *RouteBuilder, fn func(ctx context.Context, msg T, wctx WorkflowContext) (R, error)) *RouteBuilder {
	return b.AddHandler(TypeFor[T](), func(ctx context.Context, msg any, wctx WorkflowContext) (any, error) {
		typed, ok := msg.(T)
		if !ok {
			return nil, fmt.Errorf("%w: cannot use %T as %s", ErrTypeMismatch, msg, TypeFor[T]())
		}
		out, err := fn(ctx, typed, wctx)
		if err != nil {
			return nil, err
		}
		if any(out) != nil {
			if err := wctx.SendMessage(ctx, out); err != nil {
				return out, err
			}
		}
		return out, nil
	})
}

// CallResult is the captured outcome of one handler invocation.
type CallResult struct {
	// Result is the value returned by the handler.
	Result any

	// Err is the captured failure, always an *ExecutorError.
	Err error

	// Raised reports whether the handler failed or panicked.
	Raised bool
}

// routeMatch is a memoised assignability scan result. A zero match means no
// handler accepts the type.
type routeMatch struct {
	handler Handler
	ok      bool
}

// MessageRouter dispatches messages to an executor's handlers by type tag.
//
// Exact tags are looked up directly. Any other tag is resolved once by
// scanning the registered handler types in registration order, taking the
// first one the tag is assignable to. A handler for AnyType never wins the
// scan: like the catch-all it only receives what no other handler accepts,
// and it is tried before the catch-all.
// The outcome, including "no match", is cached per tag. The cache is safe
// for concurrent first use: racing callers compute the same outcome, so
// whichever store wins is equivalent.
type MessageRouter struct {
	executorID string
	types      *TypeRegistry
	order      []TypeID
	handlers   map[TypeID]Handler
	catchAll   Handler
	dynamic    sync.Map // TypeID -> routeMatch
}

// NewMessageRouter builds a router from a configured RouteBuilder.
func NewMessageRouter(executorID string, b *RouteBuilder, types *TypeRegistry) (*MessageRouter, error) {
	if len(b.errs) > 0 {
		return nil, &EngineError{
			Message: fmt.Sprintf("executor %s: invalid routes", executorID),
			Code:    "INVALID_ROUTES",
			Cause:   b.errs[0],
		}
	}
	return &MessageRouter{
		executorID: executorID,
		types:      types,
		order:      append([]TypeID(nil), b.order...),
		handlers:   b.handlers,
		catchAll:   b.catchAll,
	}, nil
}

// IncomingTypes returns the registered handler types in registration order.
func (r *MessageRouter) IncomingTypes() []TypeID {
	return append([]TypeID(nil), r.order...)
}

// CanHandle reports whether a message declared as t would be routed.
func (r *MessageRouter) CanHandle(t TypeID) bool {
	_, ok := r.lookup(t)
	return ok
}

func (r *MessageRouter) lookup(t TypeID) (Handler, bool) {
	if h, ok := r.handlers[t]; ok {
		return h, true
	}
	if v, ok := r.dynamic.Load(t); ok {
		m := v.(routeMatch)
		return m.handler, m.ok
	}

	var m routeMatch
	for _, candidate := range r.order {
		if candidate == AnyType {
			continue
		}
		if r.types.IsAssignable(t, candidate) {
			m = routeMatch{handler: r.handlers[candidate], ok: true}
			break
		}
	}
	if h, ok := r.handlers[AnyType]; ok && !m.ok {
		m = routeMatch{handler: h, ok: true}
	}
	if !m.ok && r.catchAll != nil {
		m = routeMatch{handler: r.catchAll, ok: true}
	}

	v, _ := r.dynamic.LoadOrStore(t, m)
	m = v.(routeMatch)
	return m.handler, m.ok
}

// Route invokes the handler for env. It returns nil when no handler accepts
// the envelope's declared type.
//
// Handler errors and panics are captured in the result and never propagate.
func (r *MessageRouter) Route(ctx context.Context, env *Envelope, wctx WorkflowContext) (result *CallResult) {
	h, ok := r.lookup(env.Type())
	if !ok {
		return nil
	}

	result = &CallResult{}
	defer func() {
		if p := recover(); p != nil {
			result.Result = nil
			result.Raised = true
			result.Err = &ExecutorError{
				ExecutorID: r.executorID,
				Message:    fmt.Sprintf("handler for %s panicked: %v", env.Type(), p),
				Cause:      ErrHandlerPanic,
			}
		}
	}()

	out, err := h(ctx, env.Message(), wctx)
	result.Result = out
	if err != nil {
		result.Raised = true
		result.Err = &ExecutorError{
			ExecutorID: r.executorID,
			Message:    fmt.Sprintf("handler for %s failed: %v", env.Type(), err),
			Cause:      err,
		}
	}
	return result
}

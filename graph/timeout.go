package graph

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// getHandlerTimeout resolves the deadline applied to one handler invocation.
//
// Precedence:
//  1. ExecutorPolicy.Timeout, when the executor declares a policy
//  2. defaultTimeout from WithDefaultHandlerTimeout
//  3. zero, meaning no deadline beyond the caller's context
func getHandlerTimeout(executor Executor, defaultTimeout time.Duration) time.Duration {
	if p, ok := executor.(PolicyProvider); ok {
		if t := p.Policy().Timeout; t > 0 {
			return t
		}
	}

	if defaultTimeout > 0 {
		return defaultTimeout
	}

	return 0
}

// routeWithTimeout dispatches env through the instance's router under its
// resolved deadline.
//
// Timeouts are cooperative: the handler sees a cancelled context and is
// expected to return. A handler that returns without error after its own
// deadline expired is still reported as failed with code HANDLER_TIMEOUT.
func routeWithTimeout(ctx context.Context, inst *executorInstance, env *Envelope, wctx WorkflowContext) *CallResult {
	if inst.timeout == 0 {
		return inst.router.Route(ctx, env, wctx)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, inst.timeout)
	defer cancel()

	result := inst.router.Route(timeoutCtx, env, wctx)
	if result == nil {
		return nil
	}

	if ctx.Err() == nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && !result.Raised {
		result.Raised = true
		result.Err = &ExecutorError{
			ExecutorID: inst.id,
			Message:    fmt.Sprintf("handler for %s exceeded timeout of %v", env.Type(), inst.timeout),
			Cause: &EngineError{
				Message: fmt.Sprintf("executor %s exceeded timeout of %v", inst.id, inst.timeout),
				Code:    "HANDLER_TIMEOUT",
				Cause:   context.DeadlineExceeded,
			},
		}
	}
	return result
}

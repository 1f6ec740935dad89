package graph

import (
	"context"
	"fmt"
	"slices"
)

// executorResolver instantiates executors on demand. RunnerContext is the
// production implementation.
type executorResolver interface {
	EnsureExecutor(ctx context.Context, id string) (*executorInstance, error)
}

// edgeRunner decides, for one envelope, which sinks of its edge receive it.
//
// Errors are edge-resolution failures and are fatal for the superstep. Every
// other outcome is reported as a DeliveryStatus.
type edgeRunner interface {
	EdgeID() EdgeID
	Chase(ctx context.Context, env *Envelope, resolver executorResolver) (*DeliveryMapping, DeliveryStatus, error)
}

func edgeFailure(id EdgeID, env *Envelope, err error) (*DeliveryMapping, DeliveryStatus, error) {
	return nil, DeliveryException, &EdgeError{EdgeID: id, Source: env.SourceID(), Cause: err}
}

// guard runs fn and converts a panic into an error.
func guard(fn func()) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	fn()
	return nil
}

// directRunner delivers along a single-sink edge. It also backs the input
// runner, which carries fresh external input to the start executor, and the
// port runners, which carry responses to their ports.
type directRunner struct {
	id        EdgeID
	sink      string
	condition Condition
}

func (r *directRunner) EdgeID() EdgeID { return r.id }

func (r *directRunner) Chase(ctx context.Context, env *Envelope, resolver executorResolver) (*DeliveryMapping, DeliveryStatus, error) {
	if t := env.TargetID(); t != "" && t != r.sink {
		return nil, DroppedTargetMismatch, nil
	}

	if r.condition != nil {
		pass := false
		if err := guard(func() { pass = r.condition(env.Message()) }); err != nil {
			return edgeFailure(r.id, env, fmt.Errorf("condition: %w", err))
		}
		if !pass {
			return nil, DroppedConditionFalse, nil
		}
	}

	inst, err := resolver.EnsureExecutor(ctx, r.sink)
	if err != nil {
		return edgeFailure(r.id, env, err)
	}
	if !inst.router.CanHandle(env.Type()) {
		return nil, DroppedTypeMismatch, nil
	}
	return &DeliveryMapping{Envelopes: []*Envelope{env}, Targets: []string{r.sink}}, Delivered, nil
}

// fanOutRunner delivers one envelope to several sinks.
type fanOutRunner struct {
	id       EdgeID
	sinks    []string
	assigner Assigner
}

func (r *fanOutRunner) EdgeID() EdgeID { return r.id }

func (r *fanOutRunner) Chase(ctx context.Context, env *Envelope, resolver executorResolver) (*DeliveryMapping, DeliveryStatus, error) {
	candidates := r.sinks
	if r.assigner != nil {
		var picked []int
		if err := guard(func() { picked = r.assigner(env.Message(), len(r.sinks)) }); err != nil {
			return edgeFailure(r.id, env, fmt.Errorf("assigner: %w", err))
		}
		candidates = make([]string, 0, len(picked))
		for _, i := range picked {
			if i < 0 || i >= len(r.sinks) {
				return edgeFailure(r.id, env, fmt.Errorf("assigner returned index %d for %d sinks", i, len(r.sinks)))
			}
			if !slices.Contains(candidates, r.sinks[i]) {
				candidates = append(candidates, r.sinks[i])
			}
		}
	}

	if t := env.TargetID(); t != "" {
		if slices.Contains(candidates, t) {
			candidates = []string{t}
		} else {
			candidates = nil
		}
	}
	if len(candidates) == 0 {
		return nil, DroppedTargetMismatch, nil
	}

	targets := make([]string, 0, len(candidates))
	for _, sink := range candidates {
		inst, err := resolver.EnsureExecutor(ctx, sink)
		if err != nil {
			return edgeFailure(r.id, env, err)
		}
		if inst.router.CanHandle(env.Type()) {
			targets = append(targets, sink)
		}
	}
	if len(targets) == 0 {
		return nil, DroppedTypeMismatch, nil
	}
	return &DeliveryMapping{Envelopes: []*Envelope{env}, Targets: targets}, Delivered, nil
}

// fanInRunner feeds a FanInState and delivers whatever it releases.
type fanInRunner struct {
	id    EdgeID
	sink  string
	state *FanInState
}

func (r *fanInRunner) EdgeID() EdgeID { return r.id }

func (r *fanInRunner) Chase(ctx context.Context, env *Envelope, resolver executorResolver) (*DeliveryMapping, DeliveryStatus, error) {
	if t := env.TargetID(); t != "" && t != r.sink {
		return nil, DroppedTargetMismatch, nil
	}

	released, err := r.state.Process(env.SourceID(), env)
	if err != nil {
		return edgeFailure(r.id, env, err)
	}
	if released == nil {
		return nil, Buffered, nil
	}

	inst, err := resolver.EnsureExecutor(ctx, r.sink)
	if err != nil {
		return edgeFailure(r.id, env, err)
	}
	accepted := make([]*Envelope, 0, len(released))
	for _, e := range released {
		if inst.router.CanHandle(e.Type()) {
			accepted = append(accepted, e)
		}
	}
	if len(accepted) == 0 {
		return nil, DroppedTypeMismatch, nil
	}
	return &DeliveryMapping{Envelopes: accepted, Targets: []string{r.sink}}, Delivered, nil
}

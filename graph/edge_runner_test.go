package graph

import (
	"context"
	"errors"
	"slices"
	"testing"
)

// routingWorkflow has a source "src" and sinks accepting strings (s1, s2)
// or ints (n1).
func routingWorkflow(t *testing.T) *Workflow {
	t.Helper()
	b := NewBuilder(BindExecutor(forward[string]("src")))
	mustAdd(t, b.AddExecutor(BindExecutor(sink[string]("s1"))))
	mustAdd(t, b.AddExecutor(BindExecutor(sink[string]("s2"))))
	mustAdd(t, b.AddExecutor(BindExecutor(sink[int]("n1"))))
	mustAdd(t, b.AddEdge("src", "s1", nil))
	return mustBuild(t, b)
}

func TestDirectRunner(t *testing.T) {
	ctx := context.Background()
	rc := newRunnerContext(routingWorkflow(t), "run", 0, nil)

	tests := []struct {
		name   string
		runner *directRunner
		env    *Envelope
		want   DeliveryStatus
	}{
		{
			name:   "delivered",
			runner: &directRunner{id: "e", sink: "s1"},
			env:    mustEnvelope(t, nil, "hi", "src"),
			want:   Delivered,
		},
		{
			name:   "target mismatch",
			runner: &directRunner{id: "e", sink: "s1"},
			env:    mustEnvelope(t, nil, "hi", "src", WithTarget("s2")),
			want:   DroppedTargetMismatch,
		},
		{
			name:   "condition false",
			runner: &directRunner{id: "e", sink: "s1", condition: When(func(s string) bool { return s == "yes" })},
			env:    mustEnvelope(t, nil, "no", "src"),
			want:   DroppedConditionFalse,
		},
		{
			name:   "condition true",
			runner: &directRunner{id: "e", sink: "s1", condition: When(func(s string) bool { return s == "yes" })},
			env:    mustEnvelope(t, nil, "yes", "src"),
			want:   Delivered,
		},
		{
			name:   "type mismatch",
			runner: &directRunner{id: "e", sink: "n1"},
			env:    mustEnvelope(t, nil, "hi", "src"),
			want:   DroppedTypeMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapping, status, err := tt.runner.Chase(ctx, tt.env, rc)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if status != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, status)
			}
			if status == Delivered && !slices.Equal(mapping.Targets, []string{tt.runner.sink}) {
				t.Errorf("unexpected targets %v", mapping.Targets)
			}
		})
	}
}

func TestDirectRunner_Exceptions(t *testing.T) {
	ctx := context.Background()
	rc := newRunnerContext(routingWorkflow(t), "run", 0, nil)
	env := mustEnvelope(t, nil, "hi", "src")

	t.Run("unknown sink", func(t *testing.T) {
		_, status, err := (&directRunner{id: "e", sink: "ghost"}).Chase(ctx, env, rc)
		if status != DeliveryException || !errors.Is(err, ErrEdgeResolution) || !errors.Is(err, ErrExecutorNotFound) {
			t.Fatalf("expected edge resolution error, got %s %v", status, err)
		}
	})

	t.Run("panicking condition", func(t *testing.T) {
		r := &directRunner{id: "e", sink: "s1", condition: func(any) bool { panic("bad condition") }}
		_, status, err := r.Chase(ctx, env, rc)
		var edgeErr *EdgeError
		if status != DeliveryException || !errors.As(err, &edgeErr) || edgeErr.EdgeID != "e" {
			t.Fatalf("expected EdgeError for e, got %s %v", status, err)
		}
	})
}

func TestFanOutRunner(t *testing.T) {
	ctx := context.Background()

	t.Run("all sinks that can handle", func(t *testing.T) {
		rc := newRunnerContext(routingWorkflow(t), "run", 0, nil)
		r := &fanOutRunner{id: "e", sinks: []string{"s1", "n1", "s2"}}
		mapping, status, err := r.Chase(ctx, mustEnvelope(t, nil, "hi", "src"), rc)
		if err != nil || status != Delivered {
			t.Fatalf("expected delivered, got %s %v", status, err)
		}
		if !slices.Equal(mapping.Targets, []string{"s1", "s2"}) {
			t.Errorf("expected [s1 s2], got %v", mapping.Targets)
		}
	})

	t.Run("assigner picks and deduplicates", func(t *testing.T) {
		rc := newRunnerContext(routingWorkflow(t), "run", 0, nil)
		r := &fanOutRunner{id: "e", sinks: []string{"s1", "s2"}, assigner: func(any, int) []int { return []int{1, 1} }}
		mapping, status, err := r.Chase(ctx, mustEnvelope(t, nil, "hi", "src"), rc)
		if err != nil || status != Delivered || !slices.Equal(mapping.Targets, []string{"s2"}) {
			t.Fatalf("expected delivery to s2, got %s %v %v", status, err, mapping)
		}
	})

	t.Run("target filtering skips instantiation", func(t *testing.T) {
		rc := newRunnerContext(routingWorkflow(t), "run", 0, nil)
		r := &fanOutRunner{id: "e", sinks: []string{"s1", "s2"}}
		_, status, err := r.Chase(ctx, mustEnvelope(t, nil, "hi", "src", WithTarget("elsewhere")), rc)
		if err != nil || status != DroppedTargetMismatch {
			t.Fatalf("expected target mismatch, got %s %v", status, err)
		}
		if got := rc.instantiated(); len(got) != 0 {
			t.Errorf("expected no executor instantiated, got %v", got)
		}
	})

	t.Run("explicit target among sinks", func(t *testing.T) {
		rc := newRunnerContext(routingWorkflow(t), "run", 0, nil)
		r := &fanOutRunner{id: "e", sinks: []string{"s1", "s2"}}
		mapping, status, _ := r.Chase(ctx, mustEnvelope(t, nil, "hi", "src", WithTarget("s2")), rc)
		if status != Delivered || !slices.Equal(mapping.Targets, []string{"s2"}) {
			t.Fatalf("expected delivery to s2 only, got %s %v", status, mapping)
		}
		if got := rc.instantiated(); !slices.Equal(got, []string{"s2"}) {
			t.Errorf("expected only s2 instantiated, got %v", got)
		}
	})

	t.Run("empty assignment", func(t *testing.T) {
		rc := newRunnerContext(routingWorkflow(t), "run", 0, nil)
		r := &fanOutRunner{id: "e", sinks: []string{"s1"}, assigner: func(any, int) []int { return nil }}
		_, status, err := r.Chase(ctx, mustEnvelope(t, nil, "hi", "src"), rc)
		if err != nil || status != DroppedTargetMismatch {
			t.Fatalf("expected target mismatch, got %s %v", status, err)
		}
	})

	t.Run("no sink can handle", func(t *testing.T) {
		rc := newRunnerContext(routingWorkflow(t), "run", 0, nil)
		r := &fanOutRunner{id: "e", sinks: []string{"n1"}}
		_, status, err := r.Chase(ctx, mustEnvelope(t, nil, "hi", "src"), rc)
		if err != nil || status != DroppedTypeMismatch {
			t.Fatalf("expected type mismatch, got %s %v", status, err)
		}
	})

	t.Run("out of range index", func(t *testing.T) {
		rc := newRunnerContext(routingWorkflow(t), "run", 0, nil)
		r := &fanOutRunner{id: "e", sinks: []string{"s1"}, assigner: func(any, int) []int { return []int{3} }}
		_, status, err := r.Chase(ctx, mustEnvelope(t, nil, "hi", "src"), rc)
		if status != DeliveryException || !errors.Is(err, ErrEdgeResolution) {
			t.Fatalf("expected edge resolution error, got %s %v", status, err)
		}
	})
}

func TestFanInRunner(t *testing.T) {
	ctx := context.Background()
	rc := newRunnerContext(routingWorkflow(t), "run", 0, nil)
	r := &fanInRunner{id: "e", sink: "s1", state: NewFanInState([]string{"a", "b"}, WhenAll)}

	_, status, err := r.Chase(ctx, mustEnvelope(t, nil, "from-a", "a"), rc)
	if err != nil || status != Buffered {
		t.Fatalf("expected buffered, got %s %v", status, err)
	}

	mapping, status, err := r.Chase(ctx, mustEnvelope(t, nil, "from-b", "b"), rc)
	if err != nil || status != Delivered {
		t.Fatalf("expected delivered, got %s %v", status, err)
	}
	if !slices.Equal(payloads(mapping.Envelopes), []any{"from-a", "from-b"}) {
		t.Errorf("unexpected released envelopes %v", payloads(mapping.Envelopes))
	}

	_, status, err = r.Chase(ctx, mustEnvelope(t, nil, "x", "stranger"), rc)
	if status != DeliveryException || !errors.Is(err, ErrEdgeResolution) {
		t.Fatalf("expected edge resolution error for unknown source, got %s %v", status, err)
	}

	_, status, _ = r.Chase(ctx, mustEnvelope(t, nil, "x", "a", WithTarget("s2")), rc)
	if status != DroppedTargetMismatch {
		t.Fatalf("expected target mismatch, got %s", status)
	}
	if r.state.Pending() != 0 {
		t.Error("a dropped envelope must not enter the fan-in buffer")
	}
}

package graph

import (
	"errors"
	"slices"
	"testing"
)

func engineCode(err error) string {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Code
	}
	return ""
}

func TestBuilder_Errors(t *testing.T) {
	t.Run("duplicate executor", func(t *testing.T) {
		b := NewBuilder(BindExecutor(sink[string]("a")))
		if code := engineCode(b.AddExecutor(BindExecutor(sink[int]("a")))); code != "DUPLICATE_EXECUTOR" {
			t.Errorf("expected DUPLICATE_EXECUTOR, got %q", code)
		}
		if code := engineCode(b.AddInputPort(InputPort{ID: "a", Request: "string", Response: "bool"})); code != "DUPLICATE_EXECUTOR" {
			t.Errorf("expected DUPLICATE_EXECUTOR for port, got %q", code)
		}
	})

	t.Run("unknown edge endpoint", func(t *testing.T) {
		b := NewBuilder(BindExecutor(sink[string]("a")))
		mustAdd(t, b.AddEdge("a", "ghost", nil))
		if _, err := b.Build(); engineCode(err) != "UNKNOWN_EXECUTOR" {
			t.Errorf("expected UNKNOWN_EXECUTOR, got %v", err)
		}
	})

	t.Run("unknown output executor", func(t *testing.T) {
		b := NewBuilder(BindExecutor(sink[string]("a")))
		mustAdd(t, b.WithOutputFrom("ghost"))
		if _, err := b.Build(); engineCode(err) != "UNKNOWN_EXECUTOR" {
			t.Errorf("expected UNKNOWN_EXECUTOR, got %v", err)
		}
	})

	t.Run("invalid edges", func(t *testing.T) {
		b := NewBuilder(BindExecutor(sink[string]("a")))
		for name, err := range map[string]error{
			"empty direct":      b.AddEdge("", "a", nil),
			"empty fan-out":     b.AddFanOutEdge("a", nil, nil),
			"duplicate sinks":   b.AddFanOutEdge("a", []string{"a", "a"}, nil),
			"empty fan-in":      b.AddFanInEdge(nil, "a", WhenAll),
			"unknown trigger":   b.AddFanInEdge([]string{"a"}, "a", FanInTrigger(9)),
			"port without type": b.AddInputPort(InputPort{ID: "p"}),
		} {
			if code := engineCode(err); code != "INVALID_WORKFLOW" {
				t.Errorf("%s: expected INVALID_WORKFLOW, got %v", name, err)
			}
		}
	})

	t.Run("built builder is closed", func(t *testing.T) {
		b := NewBuilder(BindExecutor(sink[string]("a")))
		mustBuild(t, b)
		if code := engineCode(b.AddExecutor(BindExecutor(sink[string]("b")))); code != "WORKFLOW_BUILT" {
			t.Errorf("expected WORKFLOW_BUILT, got %q", code)
		}
		if _, err := b.Build(); engineCode(err) != "WORKFLOW_BUILT" {
			t.Errorf("expected WORKFLOW_BUILT from second Build, got %v", err)
		}
	})

	t.Run("invalid registration", func(t *testing.T) {
		b := NewBuilder(BindExecutor(sink[string]("a")))
		if err := b.AddExecutor(Register("", "X", nil)); err == nil {
			t.Error("expected error for empty registration")
		}
	})
}

func TestWorkflow_Accessors(t *testing.T) {
	b := NewBuilder(BindExecutor(forward[string]("a"))).WithName("accessors")
	mustAdd(t, b.AddExecutor(BindExecutor(sink[string]("b"))))
	mustAdd(t, b.AddExecutor(BindExecutor(sink[string]("c"))))
	mustAdd(t, b.AddInputPort(InputPort{ID: "ask", Request: "string", Response: "bool"}))
	mustAdd(t, b.AddEdge("a", "b", nil))
	mustAdd(t, b.AddFanOutEdge("a", []string{"b", "c"}, nil))
	mustAdd(t, b.AddFanInEdge([]string{"b", "c"}, "a", WhenAny))
	wf := mustBuild(t, b)

	if wf.Name() != "accessors" || wf.StartExecutorID() != "a" {
		t.Errorf("unexpected name %q or start %q", wf.Name(), wf.StartExecutorID())
	}

	var ids []EdgeID
	for _, e := range wf.Edges() {
		ids = append(ids, e.ID)
	}
	if !slices.Equal(ids, []EdgeID{"edge-0", "edge-1", "edge-2"}) {
		t.Errorf("expected edge IDs in registration order, got %v", ids)
	}

	if p, ok := wf.Port("ask"); !ok || p.Response != "bool" {
		t.Errorf("expected port ask, got %+v %v", p, ok)
	}
	if len(wf.Ports()) != 1 {
		t.Errorf("expected one port, got %v", wf.Ports())
	}

	fp := wf.Fingerprint()
	if len(fp.Executors) != 4 || fp.Executors[0].ID != "a" {
		t.Errorf("expected sorted executor signatures, got %v", fp.Executors)
	}
	if fp.Edges[2].Trigger != WhenAny.String() {
		t.Errorf("expected fan-in trigger in fingerprint, got %+v", fp.Edges[2])
	}
}

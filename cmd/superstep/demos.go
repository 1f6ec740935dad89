package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dshills/superstep/graph"
)

type wordCount struct{ Words int }

func (wordCount) MessageType() graph.TypeID { return "demo.WordCount" }

type charCount struct{ Chars int }

func (charCount) MessageType() graph.TypeID { return "demo.CharCount" }

// Both counts are declared as demo.Stat so the report handles them with a
// single route.
const statType graph.TypeID = "demo.Stat"

// fanInDemo splits the input to two counters running in the same superstep
// and joins both results into one report.
func fanInDemo() (*graph.Workflow, error) {
	split := graph.NewFuncExecutor("split", func(b *graph.RouteBuilder) {
		graph.HandleAndSend(b, func(_ context.Context, text string, _ graph.WorkflowContext) (string, error) {
			return strings.TrimSpace(text), nil
		})
	})
	words := graph.NewFuncExecutor("words", func(b *graph.RouteBuilder) {
		graph.HandleAndSend(b, func(_ context.Context, text string, _ graph.WorkflowContext) (wordCount, error) {
			return wordCount{Words: len(strings.Fields(text))}, nil
		})
	})
	chars := graph.NewFuncExecutor("chars", func(b *graph.RouteBuilder) {
		graph.HandleAndSend(b, func(_ context.Context, text string, _ graph.WorkflowContext) (charCount, error) {
			return charCount{Chars: len([]rune(text))}, nil
		})
	})
	report := graph.NewFuncExecutor("report", func(b *graph.RouteBuilder) {
		b.AddHandler(statType, func(ctx context.Context, msg any, wctx graph.WorkflowContext) (any, error) {
			var line string
			switch m := msg.(type) {
			case wordCount:
				line = fmt.Sprintf("words=%d", m.Words)
			case charCount:
				line = fmt.Sprintf("chars=%d", m.Chars)
			}
			received, _ := graph.ReadState[int](wctx, "received", "report")
			if err := wctx.QueueStateUpdate("received", received+1, "report"); err != nil {
				return nil, err
			}
			return nil, wctx.YieldOutput(ctx, line)
		})
	})

	b := graph.NewBuilder(graph.BindExecutor(split)).WithName("fanin-demo")
	for _, e := range []*graph.FuncExecutor{words, chars, report} {
		if err := b.AddExecutor(graph.BindExecutor(e)); err != nil {
			return nil, err
		}
	}
	if err := b.DeclareType(wordCount{}.MessageType(), statType); err != nil {
		return nil, err
	}
	if err := b.DeclareType(charCount{}.MessageType(), statType); err != nil {
		return nil, err
	}
	if err := b.AddFanOutEdge("split", []string{"words", "chars"}, nil); err != nil {
		return nil, err
	}
	if err := b.AddFanInEdge([]string{"words", "chars"}, "report", graph.WhenAll); err != nil {
		return nil, err
	}
	if err := b.WithOutputFrom("report"); err != nil {
		return nil, err
	}
	return b.Build()
}

type approvalRequest struct {
	Action string
}

func (approvalRequest) MessageType() graph.TypeID { return "demo.ApprovalRequest" }

// approvalDemo asks the outside world to approve the input before acting
// on it.
func approvalDemo() (*graph.Workflow, error) {
	prepare := graph.NewFuncExecutor("prepare", func(b *graph.RouteBuilder) {
		graph.HandleAndSend(b, func(_ context.Context, action string, wctx graph.WorkflowContext) (approvalRequest, error) {
			if err := wctx.QueueStateUpdate("action", action, ""); err != nil {
				return approvalRequest{}, err
			}
			return approvalRequest{Action: action}, nil
		})
	})
	decide := graph.NewFuncExecutor("decide", func(b *graph.RouteBuilder) {
		graph.Handle(b, func(ctx context.Context, approved bool, wctx graph.WorkflowContext) error {
			verdict := "rejected"
			if approved {
				verdict = "approved"
			}
			return wctx.YieldOutput(ctx, verdict)
		})
	})

	b := graph.NewBuilder(graph.BindExecutor(prepare)).WithName("approval-demo")
	if err := b.AddInputPort(graph.InputPort{
		ID:       "approval",
		Request:  approvalRequest{}.MessageType(),
		Response: graph.TypeFor[bool](),
	}); err != nil {
		return nil, err
	}
	if err := b.AddExecutor(graph.BindExecutor(decide)); err != nil {
		return nil, err
	}
	if err := b.AddEdge("prepare", "approval", nil); err != nil {
		return nil, err
	}
	if err := b.AddEdge("approval", "decide", nil); err != nil {
		return nil, err
	}
	if err := b.WithOutputFrom("decide"); err != nil {
		return nil, err
	}
	return b.Build()
}

var demos = map[string]func() (*graph.Workflow, error){
	"fanin":    fanInDemo,
	"approval": approvalDemo,
}

func demoNames() []string {
	names := make([]string, 0, len(demos))
	for name := range demos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package graph

import (
	"fmt"
	"slices"
	"sync"
)

// Builder assembles a Workflow.
//
// Executors, ports and edges may be added in any order; references between
// them are checked by Build. Edge IDs are assigned in the order edges are
// added.
//
// Example:
//
//	b := graph.NewBuilder(graph.BindExecutor(split))
//	_ = b.AddExecutor(graph.BindExecutor(left))
//	_ = b.AddExecutor(graph.BindExecutor(right))
//	_ = b.AddExecutor(graph.BindExecutor(join))
//	_ = b.AddFanOutEdge("split", []string{"left", "right"}, nil)
//	_ = b.AddFanInEdge([]string{"left", "right"}, "join", graph.WhenAll)
//	_ = b.WithOutputFrom("join")
//	wf, err := b.Build()
type Builder struct {
	mu            sync.Mutex
	name          string
	start         string
	registrations map[string]ExecutorRegistration
	order         []string
	edges         []*Edge
	ports         map[string]InputPort
	outputs       []string
	outputType    TypeID
	types         *TypeRegistry
	built         bool
}

// NewBuilder creates a builder whose start executor is start.
func NewBuilder(start ExecutorRegistration) *Builder {
	b := &Builder{
		start:         start.ID,
		registrations: make(map[string]ExecutorRegistration),
		ports:         make(map[string]InputPort),
		types:         NewTypeRegistry(),
	}
	_ = b.AddExecutor(start)
	return b
}

// WithName sets a descriptive name for the workflow.
func (b *Builder) WithName(name string) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.name = name
	return b
}

// AddExecutor registers an executor.
func (b *Builder) AddExecutor(reg ExecutorRegistration) error {
	if err := reg.validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return err
	}
	if _, exists := b.registrations[reg.ID]; exists {
		return &EngineError{Message: "duplicate executor ID: " + reg.ID, Code: "DUPLICATE_EXECUTOR"}
	}
	b.registrations[reg.ID] = reg
	b.order = append(b.order, reg.ID)
	return nil
}

// AddInputPort registers a request port. The port is addressable as an
// executor with the port's ID.
func (b *Builder) AddInputPort(port InputPort) error {
	if port.ID == "" {
		return &EngineError{Message: "port ID cannot be empty", Code: "INVALID_WORKFLOW"}
	}
	if port.Request == "" || port.Response == "" {
		return &EngineError{Message: "port " + port.ID + " must declare request and response types", Code: "INVALID_WORKFLOW"}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return err
	}
	if _, exists := b.registrations[port.ID]; exists {
		return &EngineError{Message: "duplicate executor ID: " + port.ID, Code: "DUPLICATE_EXECUTOR"}
	}
	b.ports[port.ID] = port
	b.registrations[port.ID] = port.registration()
	b.order = append(b.order, port.ID)
	return nil
}

// AddEdge connects from to to. A nil condition always passes.
func (b *Builder) AddEdge(from, to string, condition Condition) error {
	if from == "" || to == "" {
		return &EngineError{Message: "edge endpoints cannot be empty", Code: "INVALID_WORKFLOW"}
	}
	return b.addEdge(&Edge{Kind: DirectEdge, Sources: []string{from}, Sinks: []string{to}, Condition: condition})
}

// AddFanOutEdge connects from to every sink. A nil assigner sends each
// message to all sinks.
func (b *Builder) AddFanOutEdge(from string, sinks []string, assigner Assigner) error {
	if from == "" {
		return &EngineError{Message: "fan-out source cannot be empty", Code: "INVALID_WORKFLOW"}
	}
	if err := checkEndpoints("fan-out sinks", sinks); err != nil {
		return err
	}
	return b.addEdge(&Edge{Kind: FanOutEdge, Sources: []string{from}, Sinks: slices.Clone(sinks), Assigner: assigner})
}

// AddFanInEdge connects every source to sink through an aggregating edge.
func (b *Builder) AddFanInEdge(sources []string, sink string, trigger FanInTrigger) error {
	if sink == "" {
		return &EngineError{Message: "fan-in sink cannot be empty", Code: "INVALID_WORKFLOW"}
	}
	if err := checkEndpoints("fan-in sources", sources); err != nil {
		return err
	}
	if trigger != WhenAll && trigger != WhenAny {
		return &EngineError{Message: fmt.Sprintf("unknown fan-in trigger %d", int(trigger)), Code: "INVALID_WORKFLOW"}
	}
	return b.addEdge(&Edge{Kind: FanInEdge, Sources: slices.Clone(sources), Sinks: []string{sink}, Trigger: trigger})
}

func checkEndpoints(what string, ids []string) error {
	if len(ids) == 0 {
		return &EngineError{Message: what + " cannot be empty", Code: "INVALID_WORKFLOW"}
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			return &EngineError{Message: what + " cannot contain an empty ID", Code: "INVALID_WORKFLOW"}
		}
		if _, dup := seen[id]; dup {
			return &EngineError{Message: what + " contain duplicate ID " + id, Code: "INVALID_WORKFLOW"}
		}
		seen[id] = struct{}{}
	}
	return nil
}

func (b *Builder) addEdge(e *Edge) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return err
	}
	e.ID = EdgeID(fmt.Sprintf("edge-%d", len(b.edges)))
	b.edges = append(b.edges, e)
	return nil
}

// WithOutputFrom designates the executors allowed to yield outputs. When no
// executor is designated, every executor may yield.
func (b *Builder) WithOutputFrom(ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return err
	}
	for _, id := range ids {
		if !slices.Contains(b.outputs, id) {
			b.outputs = append(b.outputs, id)
		}
	}
	return nil
}

// WithOutputType requires yielded outputs to be assignable to t.
func (b *Builder) WithOutputType(t TypeID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return err
	}
	b.outputType = t
	return nil
}

// DeclareType records that t is assignable to each of supertypes.
func (b *Builder) DeclareType(t TypeID, supertypes ...TypeID) error {
	if err := b.types.Declare(t, supertypes...); err != nil {
		return &EngineError{Message: err.Error(), Code: "INVALID_TYPE"}
	}
	return nil
}

func (b *Builder) checkOpen() error {
	if b.built {
		return &EngineError{Message: "workflow already built", Code: "WORKFLOW_BUILT"}
	}
	return nil
}

// Build validates the definition and returns an immutable Workflow.
func (b *Builder) Build() (*Workflow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if b.start == "" {
		return nil, &EngineError{Message: "start executor ID cannot be empty", Code: "INVALID_WORKFLOW"}
	}
	if _, ok := b.registrations[b.start]; !ok {
		return nil, &EngineError{Message: "start executor is not registered: " + b.start, Code: "UNKNOWN_EXECUTOR"}
	}
	for _, e := range b.edges {
		for _, id := range append(slices.Clone(e.Sources), e.Sinks...) {
			if _, ok := b.registrations[id]; !ok {
				return nil, &EngineError{
					Message: fmt.Sprintf("edge %s references unknown executor %s", e.ID, id),
					Code:    "UNKNOWN_EXECUTOR",
				}
			}
		}
	}
	for _, id := range b.outputs {
		if _, ok := b.registrations[id]; !ok {
			return nil, &EngineError{Message: "output executor is not registered: " + id, Code: "UNKNOWN_EXECUTOR"}
		}
	}

	b.types.Freeze()
	b.built = true

	wf := &Workflow{
		name:          b.name,
		start:         b.start,
		registrations: b.registrations,
		order:         b.order,
		edges:         b.edges,
		ports:         b.ports,
		outputType:    b.outputType,
		types:         b.types,
	}
	if len(b.outputs) > 0 {
		wf.outputs = make(map[string]struct{}, len(b.outputs))
		for _, id := range b.outputs {
			wf.outputs[id] = struct{}{}
		}
	}
	return wf, nil
}

// Workflow is an immutable workflow definition. One Workflow may be run any
// number of times, concurrently; each run gets its own executors, state and
// edge state.
type Workflow struct {
	name          string
	start         string
	registrations map[string]ExecutorRegistration
	order         []string
	edges         []*Edge
	ports         map[string]InputPort
	outputs       map[string]struct{}
	outputType    TypeID
	types         *TypeRegistry

	fpOnce      sync.Once
	fingerprint GraphFingerprint
}

// Name returns the workflow name.
func (wf *Workflow) Name() string { return wf.name }

// StartExecutorID returns the executor that receives fresh input.
func (wf *Workflow) StartExecutorID() string { return wf.start }

// Types returns the frozen type registry.
func (wf *Workflow) Types() *TypeRegistry { return wf.types }

// Edges returns copies of the edge definitions in registration order.
func (wf *Workflow) Edges() []Edge {
	out := make([]Edge, len(wf.edges))
	for i, e := range wf.edges {
		out[i] = *e
		out[i].Sources = slices.Clone(e.Sources)
		out[i].Sinks = slices.Clone(e.Sinks)
	}
	return out
}

// Ports returns the declared input ports.
func (wf *Workflow) Ports() []InputPort {
	out := make([]InputPort, 0, len(wf.ports))
	for _, id := range wf.order {
		if p, ok := wf.ports[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Port returns the port with the given ID.
func (wf *Workflow) Port(id string) (InputPort, bool) {
	p, ok := wf.ports[id]
	return p, ok
}

// canYield reports whether executorID may yield value.
func (wf *Workflow) canYield(executorID string, value any) error {
	if wf.outputs != nil {
		if _, ok := wf.outputs[executorID]; !ok {
			return fmt.Errorf("%w: executor %s is not an output executor", ErrOutputNotAllowed, executorID)
		}
	}
	if wf.outputType != "" && !wf.types.IsAssignable(TypeOf(value), wf.outputType) {
		return fmt.Errorf("%w: %s is not assignable to output type %s", ErrOutputNotAllowed, TypeOf(value), wf.outputType)
	}
	return nil
}

// Fingerprint returns the structural descriptor of the workflow. It is
// computed once.
func (wf *Workflow) Fingerprint() GraphFingerprint {
	wf.fpOnce.Do(func() {
		wf.fingerprint = computeFingerprint(wf)
	})
	return wf.fingerprint
}

// metricsName labels metrics for runs of wf.
func (wf *Workflow) metricsName() string {
	if wf.name == "" {
		return "workflow"
	}
	return wf.name
}

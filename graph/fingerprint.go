package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
)

// GraphFingerprint is a normalised description of a workflow's structure.
//
// Two workflows with equal fingerprints route messages identically, so a
// checkpoint taken from one can be restored into the other. Executor and
// port lists are sorted; edges keep registration order because edge IDs
// depend on it.
type GraphFingerprint struct {
	Start      string              `json:"start"`
	Executors  []ExecutorSignature `json:"executors"`
	Edges      []EdgeSignature     `json:"edges"`
	Ports      []InputPort         `json:"ports,omitempty"`
	Outputs    []string            `json:"outputs,omitempty"`
	OutputType TypeID              `json:"output_type,omitempty"`
	Types      []string            `json:"types,omitempty"`
}

// ExecutorSignature is the fingerprint entry of one executor.
type ExecutorSignature struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// EdgeSignature is the fingerprint entry of one edge. Conditions and
// assigners are functions and are recorded only by presence.
type EdgeSignature struct {
	ID          EdgeID   `json:"id"`
	Kind        string   `json:"kind"`
	Sources     []string `json:"sources"`
	Sinks       []string `json:"sinks"`
	Conditional bool     `json:"conditional,omitempty"`
	Assigned    bool     `json:"assigned,omitempty"`
	Trigger     string   `json:"trigger,omitempty"`
}

func computeFingerprint(wf *Workflow) GraphFingerprint {
	fp := GraphFingerprint{
		Start:      wf.start,
		OutputType: wf.outputType,
		Types:      wf.types.declarations(),
	}

	for _, id := range slices.Sorted(maps.Keys(wf.registrations)) {
		fp.Executors = append(fp.Executors, ExecutorSignature{ID: id, Type: wf.registrations[id].Type})
		if p, ok := wf.ports[id]; ok {
			fp.Ports = append(fp.Ports, p)
		}
	}

	for _, e := range wf.edges {
		sig := EdgeSignature{
			ID:          e.ID,
			Kind:        e.Kind.String(),
			Sources:     slices.Clone(e.Sources),
			Sinks:       slices.Clone(e.Sinks),
			Conditional: e.Condition != nil,
			Assigned:    e.Assigner != nil,
		}
		if e.Kind == FanInEdge {
			sig.Trigger = e.Trigger.String()
		}
		fp.Edges = append(fp.Edges, sig)
	}

	for id := range wf.outputs {
		fp.Outputs = append(fp.Outputs, id)
	}
	sort.Strings(fp.Outputs)
	return fp
}

// Key returns the SHA-256 of the fingerprint's canonical JSON form.
func (fp GraphFingerprint) Key() string {
	data, err := json.Marshal(fp)
	if err != nil {
		// Every field is a plain string, bool or slice of them.
		panic(fmt.Sprintf("graph fingerprint: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Equal reports whether two fingerprints describe the same structure.
func (fp GraphFingerprint) Equal(other GraphFingerprint) bool {
	return fp.Key() == other.Key()
}

// Diff names the parts of the structure that differ between fp and other.
func (fp GraphFingerprint) Diff(other GraphFingerprint) []string {
	var diffs []string
	if fp.Start != other.Start {
		diffs = append(diffs, fmt.Sprintf("start executor: %q != %q", fp.Start, other.Start))
	}
	if !slices.Equal(fp.Executors, other.Executors) {
		diffs = append(diffs, fmt.Sprintf("executors: %v != %v", fp.Executors, other.Executors))
	}
	if !slices.EqualFunc(fp.Edges, other.Edges, edgeSignatureEqual) {
		diffs = append(diffs, fmt.Sprintf("edges: %v != %v", fp.Edges, other.Edges))
	}
	if !slices.Equal(fp.Ports, other.Ports) {
		diffs = append(diffs, fmt.Sprintf("ports: %v != %v", fp.Ports, other.Ports))
	}
	if !slices.Equal(fp.Outputs, other.Outputs) {
		diffs = append(diffs, fmt.Sprintf("output executors: %v != %v", fp.Outputs, other.Outputs))
	}
	if fp.OutputType != other.OutputType {
		diffs = append(diffs, fmt.Sprintf("output type: %q != %q", fp.OutputType, other.OutputType))
	}
	if !slices.Equal(fp.Types, other.Types) {
		diffs = append(diffs, fmt.Sprintf("type declarations: %v != %v", fp.Types, other.Types))
	}
	return diffs
}

func edgeSignatureEqual(a, b EdgeSignature) bool {
	return a.ID == b.ID &&
		a.Kind == b.Kind &&
		slices.Equal(a.Sources, b.Sources) &&
		slices.Equal(a.Sinks, b.Sinks) &&
		a.Conditional == b.Conditional &&
		a.Assigned == b.Assigned &&
		a.Trigger == b.Trigger
}

package graph

import (
	"fmt"
	"maps"
	"slices"
)

const (
	inputEdgeID      EdgeID = "input"
	portEdgeIDPrefix        = "port:"
)

// EdgeMap holds the edge runners of one run.
//
// Runners are grouped by source in edge registration order. Fan-in edges each
// get a fresh FanInState, so no two runs share aggregation state.
type EdgeMap struct {
	bySource map[string][]edgeRunner
	fanIn    map[EdgeID]*FanInState
	input    edgeRunner
	ports    map[string]edgeRunner
}

func newEdgeMap(wf *Workflow) *EdgeMap {
	m := &EdgeMap{
		bySource: make(map[string][]edgeRunner),
		fanIn:    make(map[EdgeID]*FanInState),
		input:    &directRunner{id: inputEdgeID, sink: wf.start},
		ports:    make(map[string]edgeRunner, len(wf.ports)),
	}

	for _, e := range wf.edges {
		switch e.Kind {
		case DirectEdge:
			r := &directRunner{id: e.ID, sink: e.Sinks[0], condition: e.Condition}
			m.bySource[e.Sources[0]] = append(m.bySource[e.Sources[0]], r)
		case FanOutEdge:
			r := &fanOutRunner{id: e.ID, sinks: e.Sinks, assigner: e.Assigner}
			m.bySource[e.Sources[0]] = append(m.bySource[e.Sources[0]], r)
		case FanInEdge:
			state := NewFanInState(e.Sources, e.Trigger)
			m.fanIn[e.ID] = state
			r := &fanInRunner{id: e.ID, sink: e.Sinks[0], state: state}
			for _, src := range e.Sources {
				m.bySource[src] = append(m.bySource[src], r)
			}
		}
	}

	for id := range wf.ports {
		m.ports[id] = &directRunner{id: EdgeID(portEdgeIDPrefix + id), sink: id}
	}
	return m
}

// EdgesFrom returns the runners fed by source.
func (m *EdgeMap) EdgesFrom(source string) []edgeRunner {
	return m.bySource[source]
}

// InputRunner returns the runner for fresh external input.
func (m *EdgeMap) InputRunner() edgeRunner {
	return m.input
}

// PortRunner returns the runner delivering responses to a port.
func (m *EdgeMap) PortRunner(portID string) (edgeRunner, bool) {
	r, ok := m.ports[portID]
	return r, ok
}

// FanInState returns the aggregation state of a fan-in edge.
func (m *EdgeMap) FanInState(id EdgeID) (*FanInState, bool) {
	s, ok := m.fanIn[id]
	return s, ok
}

// ExportState captures every fan-in edge.
func (m *EdgeMap) ExportState() map[EdgeID]PortableValue {
	out := make(map[EdgeID]PortableValue, len(m.fanIn))
	for id, s := range m.fanIn {
		out[id] = NewPortableValue(s.Export())
	}
	return out
}

// ImportState restores fan-in edges from exported data. Edges absent from
// data keep their fresh state.
func (m *EdgeMap) ImportState(data map[EdgeID]PortableValue) error {
	for _, id := range slices.Sorted(maps.Keys(data)) {
		s, ok := m.fanIn[id]
		if !ok {
			return fmt.Errorf("edge %s: no fan-in edge with this id", id)
		}
		snap, ok := As[FanInSnapshot](data[id])
		if !ok {
			return fmt.Errorf("edge %s: %w: expected FanInSnapshot, got %s", id, ErrTypeMismatch, data[id].Type)
		}
		if err := s.Import(snap); err != nil {
			return fmt.Errorf("edge %s: %w", id, err)
		}
	}
	return nil
}

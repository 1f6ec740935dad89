package graph

import "fmt"

// EdgeKind distinguishes the routing behaviour of an edge.
type EdgeKind int

const (
	// DirectEdge connects one source to one sink, optionally guarded by a
	// Condition.
	DirectEdge EdgeKind = iota

	// FanOutEdge connects one source to several sinks. An Assigner may pick
	// a subset per message.
	FanOutEdge

	// FanInEdge connects several sources to one sink and aggregates their
	// messages according to a FanInTrigger.
	FanInEdge
)

func (k EdgeKind) String() string {
	switch k {
	case DirectEdge:
		return "direct"
	case FanOutEdge:
		return "fan_out"
	case FanInEdge:
		return "fan_in"
	default:
		return fmt.Sprintf("EdgeKind(%d)", int(k))
	}
}

// EdgeID identifies an edge within a workflow. IDs are assigned by Build in
// registration order.
type EdgeID string

// Condition decides whether a direct edge carries a message.
type Condition func(msg any) bool

// When adapts a typed predicate into a Condition. Messages that are not a T
// do not pass.
func When[T any](pred func(T) bool) Condition {
	return func(msg any) bool {
		typed, ok := msg.(T)
		return ok && pred(typed)
	}
}

// Assigner picks the sinks of a fan-out edge for one message. It returns
// indices into the edge's sink list, each in [0, sinkCount).
type Assigner func(msg any, sinkCount int) []int

// FanInTrigger selects how a fan-in edge releases buffered messages.
type FanInTrigger int

const (
	// WhenAll releases once every source has contributed at least one message.
	WhenAll FanInTrigger = iota

	// WhenAny releases each message as soon as it arrives.
	WhenAny
)

func (t FanInTrigger) String() string {
	switch t {
	case WhenAll:
		return "when_all"
	case WhenAny:
		return "when_any"
	default:
		return fmt.Sprintf("FanInTrigger(%d)", int(t))
	}
}

// Edge is a routing rule between executors. Edges are fixed once the
// workflow is built.
type Edge struct {
	ID        EdgeID
	Kind      EdgeKind
	Sources   []string
	Sinks     []string
	Condition Condition
	Assigner  Assigner
	Trigger   FanInTrigger
}

// DeliveryStatus is the outcome of running one edge for one message.
type DeliveryStatus int

const (
	// Delivered means at least one sink accepted the message.
	Delivered DeliveryStatus = iota

	// DroppedTargetMismatch means the envelope names a target the edge does
	// not lead to, or an assigner selected no sinks.
	DroppedTargetMismatch

	// DroppedTypeMismatch means no candidate sink can handle the declared type.
	DroppedTypeMismatch

	// DroppedConditionFalse means the edge condition rejected the message.
	DroppedConditionFalse

	// Buffered means a fan-in edge is holding the message until its trigger
	// fires.
	Buffered

	// DeliveryException means the edge failed to resolve its targets.
	DeliveryException
)

func (s DeliveryStatus) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case DroppedTargetMismatch:
		return "dropped_target_mismatch"
	case DroppedTypeMismatch:
		return "dropped_type_mismatch"
	case DroppedConditionFalse:
		return "dropped_condition_false"
	case Buffered:
		return "buffered"
	case DeliveryException:
		return "exception"
	default:
		return fmt.Sprintf("DeliveryStatus(%d)", int(s))
	}
}

// DeliveryMapping lists what an edge decided to deliver: every envelope goes
// to every target.
type DeliveryMapping struct {
	Envelopes []*Envelope
	Targets   []string
}

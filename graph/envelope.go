package graph

import (
	"fmt"

	"go.opentelemetry.io/otel/trace"
)

// ExternalSource is the source identity of envelopes that entered the run
// from outside: fresh input and responses to external requests.
const ExternalSource = ""

// Envelope wraps a message in flight between executors.
//
// Envelopes are immutable once constructed. They carry the payload, the type
// it was declared as, the sending executor, an optional explicit target and
// the trace context of the span that sent it.
type Envelope struct {
	message  any
	declared TypeID
	source   string
	target   string
	trace    trace.SpanContext
}

// EnvelopeOption configures an Envelope at construction.
type EnvelopeOption func(*Envelope)

// WithDeclaredType declares the payload as type t. The payload's own tag
// must be assignable to t.
func WithDeclaredType(t TypeID) EnvelopeOption {
	return func(e *Envelope) {
		e.declared = t
	}
}

// WithTarget restricts delivery to the executor with the given ID. Edges
// whose sinks do not include the target drop the envelope.
func WithTarget(executorID string) EnvelopeOption {
	return func(e *Envelope) {
		e.target = executorID
	}
}

// WithTraceContext attaches the span context the envelope was sent from.
func WithTraceContext(sc trace.SpanContext) EnvelopeOption {
	return func(e *Envelope) {
		e.trace = sc
	}
}

// NewEnvelope wraps message for delivery. types resolves declared-type
// assignability and may be nil.
//
// Returns ErrNilMessage for a nil payload and ErrTypeMismatch when an explicit
// declared type is not a supertype of the payload's tag.
//
// Example:
//
//	env, err := graph.NewEnvelope(types, Dog{Name: "rex"}, "kennel",
//	    graph.WithDeclaredType("pets.Animal"))
func NewEnvelope(types *TypeRegistry, message any, source string, opts ...EnvelopeOption) (*Envelope, error) {
	if message == nil {
		return nil, ErrNilMessage
	}

	env := &Envelope{message: message, source: source}
	for _, opt := range opts {
		opt(env)
	}

	actual := TypeOf(message)
	if env.declared == "" {
		env.declared = actual
		return env, nil
	}
	if !types.IsAssignable(actual, env.declared) {
		return nil, fmt.Errorf("%w: %s is not assignable to %s", ErrTypeMismatch, actual, env.declared)
	}
	return env, nil
}

// Message returns the payload.
func (e *Envelope) Message() any { return e.message }

// Type returns the declared type of the payload.
func (e *Envelope) Type() TypeID { return e.declared }

// SourceID returns the sending executor, or "" for external envelopes.
func (e *Envelope) SourceID() string { return e.source }

// TargetID returns the explicit target, or "" when any sink may receive it.
func (e *Envelope) TargetID() string { return e.target }

// IsExternal reports whether the envelope entered the run from outside.
func (e *Envelope) IsExternal() bool { return e.source == ExternalSource }

// TraceContext returns the span context the envelope was sent from. It is
// invalid when the sender was not traced.
func (e *Envelope) TraceContext() trace.SpanContext { return e.trace }

// EnvelopeSnapshot is the exported form of an Envelope stored in checkpoints.
type EnvelopeSnapshot struct {
	Message    any    `json:"message"`
	Type       TypeID `json:"type"`
	Source     string `json:"source,omitempty"`
	Target     string `json:"target,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
	SpanID     string `json:"span_id,omitempty"`
	TraceFlags byte   `json:"trace_flags,omitempty"`
}

// Snapshot exports the envelope.
func (e *Envelope) Snapshot() EnvelopeSnapshot {
	s := EnvelopeSnapshot{
		Message: cloneValue(e.message),
		Type:    e.declared,
		Source:  e.source,
		Target:  e.target,
	}
	if e.trace.IsValid() {
		s.TraceID = e.trace.TraceID().String()
		s.SpanID = e.trace.SpanID().String()
		s.TraceFlags = byte(e.trace.TraceFlags())
	}
	return s
}

// envelopeFromSnapshot rebuilds an envelope without re-validating its
// declared type, which was checked when it was first constructed. The
// message is copied so the snapshot stays untouched.
func envelopeFromSnapshot(s EnvelopeSnapshot) (*Envelope, error) {
	if s.Message == nil {
		return nil, ErrNilMessage
	}
	env := &Envelope{
		message:  cloneValue(s.Message),
		declared: s.Type,
		source:   s.Source,
		target:   s.Target,
	}
	if s.TraceID != "" {
		tid, err := trace.TraceIDFromHex(s.TraceID)
		if err != nil {
			return nil, fmt.Errorf("envelope trace id: %w", err)
		}
		sid, err := trace.SpanIDFromHex(s.SpanID)
		if err != nil {
			return nil, fmt.Errorf("envelope span id: %w", err)
		}
		env.trace = trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    tid,
			SpanID:     sid,
			TraceFlags: trace.TraceFlags(s.TraceFlags),
			Remote:     true,
		})
	}
	return env, nil
}

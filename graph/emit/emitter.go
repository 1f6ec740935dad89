package emit

// Emitter receives and processes observability events from workflow execution.
//
// Emitters enable pluggable observability backends:
//   - Logging: zap, see LogEmitter
//   - Distributed tracing: OpenTelemetry, see OTelEmitter
//   - History queries: see BufferedEmitter
//
// Implementations should be:
//   - Non-blocking: Avoid slowing down workflow execution
//   - Thread-safe: Several runs may share one emitter
//   - Resilient: Handle failures gracefully (don't crash workflow)
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	//
	// The runtime calls Emit from the goroutine driving the superstep, after
	// the step's barrier, so a slow emitter delays the next step.
	//
	// Emit should not panic. Errors should be logged internally.
	Emit(event Event)
}

// MultiEmitter fans every event out to several emitters in order.
type MultiEmitter []Emitter

// Multi combines emitters, skipping nil entries.
//
// Example:
//
//	emitter := emit.Multi(emit.NewLogEmitter(logger), emit.NewOTelEmitter(tracer))
func Multi(emitters ...Emitter) MultiEmitter {
	out := make(MultiEmitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

// Emit forwards the event to every emitter.
func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}

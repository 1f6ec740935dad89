package emit

import "time"

// Event kinds raised by the superstep runtime. They are carried in Event.Msg.
const (
	// EventWorkflowStarted is raised once when a run receives its first input.
	EventWorkflowStarted = "workflow_started"

	// EventSuperstepStarted opens every superstep's batch of events.
	EventSuperstepStarted = "superstep_started"

	// EventSuperstepCompleted closes every successful superstep's batch.
	EventSuperstepCompleted = "superstep_completed"

	// EventExecutorInvoked is raised before a handler runs.
	EventExecutorInvoked = "executor_invoked"

	// EventExecutorCompleted is raised after a handler returned normally.
	EventExecutorCompleted = "executor_completed"

	// EventExecutorFailed is raised when a handler returned an error, panicked
	// or timed out. Meta["error"] carries the failure.
	EventExecutorFailed = "executor_failed"

	// EventExecutorRetrying is raised when a failed handler attempt is
	// retried. Meta carries "attempt", "error" and "delay_ms".
	EventExecutorRetrying = "executor_retrying"

	// EventOutputYielded is raised for every workflow output.
	// Meta["output"] carries the value.
	EventOutputYielded = "output_yielded"

	// EventHaltRequested is raised when an executor asks the run to halt.
	EventHaltRequested = "halt_requested"

	// EventRequestInfo is raised when an input port posts an external
	// request. Meta carries "request_id", "port_id" and "data".
	EventRequestInfo = "request_info"

	// EventWorkflowError is raised when a superstep fails fatally.
	EventWorkflowError = "workflow_error"

	// EventCheckpointCommitted is raised after a checkpoint is stored.
	EventCheckpointCommitted = "checkpoint_committed"

	// EventExecutorEvent is the default kind for events added by executor code.
	EventExecutorEvent = "executor_event"
)

// Event represents an observability event emitted during workflow execution.
//
// Events are queued while a superstep runs and raised to every subscriber,
// in queue order, once the step's barrier is reached:
//   - Superstep start/complete
//   - Executor invocation, completion and failure
//   - Outputs, halt requests and external requests
//   - Checkpoint commits and fatal errors
//
// Events are emitted to an Emitter which can:
//   - Log through zap
//   - Send to OpenTelemetry
//   - Collect in memory for tests and history queries
type Event struct {
	// RunID identifies the workflow execution that emitted this event.
	RunID string

	// Step is the superstep number (1-indexed).
	// Zero for events raised outside a superstep.
	Step int

	// ExecutorID identifies which executor emitted this event.
	// Empty string for workflow-level events.
	ExecutorID string

	// Msg is the event kind, one of the Event* constants or a kind chosen by
	// executor code.
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": Execution duration in milliseconds
	//   - "error": Error details
	//   - "checkpoint_id": Checkpoint identifier
	//   - "message_type": Declared type of the delivered message
	//   - "messages": Number of messages delivered in a superstep
	Meta map[string]interface{}

	// Timestamp is when the event was queued.
	Timestamp time.Time
}

// Package graph provides the superstep workflow runtime.
package graph

import (
	"errors"
	"fmt"
)

// ErrTypeMismatch indicates that a payload is not assignable to the type it
// was declared as, or that a typed read found a value of a different type.
var ErrTypeMismatch = errors.New("message type mismatch")

// ErrNilMessage indicates an attempt to wrap a nil payload in an envelope.
var ErrNilMessage = errors.New("message must not be nil")

// ErrStateWriteConflict indicates that a state batch named the same key of a
// scope more than once.
var ErrStateWriteConflict = errors.New("conflicting state updates")

// ErrUnknownRequest indicates a response for an external request that is not
// pending, either because it never existed or because it was already answered.
var ErrUnknownRequest = errors.New("unknown external request")

// ErrCheckpointMismatch indicates that a checkpoint was taken from a workflow
// with a different structure than the one it is being restored into.
var ErrCheckpointMismatch = errors.New("checkpoint does not match workflow structure")

// ErrExecutorNotFound indicates a reference to an executor ID that has no
// registration in the workflow.
var ErrExecutorNotFound = errors.New("executor not found")

// ErrRunFailed is returned by every superstep attempted after a fatal error.
// The original failure is wrapped alongside it.
var ErrRunFailed = errors.New("run has failed")

// ErrMaxSuperstepsExceeded indicates that Run reached the configured superstep
// limit while messages were still queued.
var ErrMaxSuperstepsExceeded = errors.New("execution exceeded maximum supersteps limit")

// ErrOutputNotAllowed indicates a YieldOutput call from an executor that is not
// a designated output executor, or with a value of the wrong type.
var ErrOutputNotAllowed = errors.New("output not allowed")

// ErrEdgeResolution indicates that an edge could not determine or instantiate
// its targets. It is always fatal for the superstep.
var ErrEdgeResolution = errors.New("edge resolution failed")

// ErrHandlerPanic marks an ExecutorError produced by a recovered panic.
var ErrHandlerPanic = errors.New("handler panicked")

// ErrNoCheckpointStore indicates a checkpoint operation on a runner that was
// created without WithCheckpointStore.
var ErrNoCheckpointStore = errors.New("no checkpoint store configured")

// ErrInvalidRetryPolicy indicates a RetryPolicy that fails validation.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// EngineError represents a configuration or runtime error raised by the
// runtime itself rather than by executor code.
//
// Code is a stable machine-readable identifier. Common codes:
//   - "INVALID_WORKFLOW": builder validation failed
//   - "DUPLICATE_EXECUTOR": an executor ID was registered twice
//   - "UNKNOWN_EXECUTOR": an edge or option referenced an unregistered ID
//   - "HANDLER_TIMEOUT": a handler exceeded its deadline
//   - "CHECKPOINT_MISMATCH": a checkpoint's fingerprint differs from the workflow
type EngineError struct {
	Message string
	Code    string
	Cause   error
}

func (e *EngineError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// ExecutorError is a failure raised by (or recovered from) a message handler.
//
// ExecutorErrors never abort a superstep. They are captured in the CallResult,
// reported as an executor_failed event and counted in metrics.
type ExecutorError struct {
	// ExecutorID identifies the executor whose handler failed.
	ExecutorID string

	// Message is the human-readable error description.
	Message string

	// Cause is the error returned by the handler, or ErrHandlerPanic.
	Cause error
}

func (e *ExecutorError) Error() string {
	if e.ExecutorID != "" {
		return "executor " + e.ExecutorID + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause error for error wrapping support.
func (e *ExecutorError) Unwrap() error {
	return e.Cause
}

// EdgeError is a failure of an edge runner to resolve or instantiate its
// targets. It always matches ErrEdgeResolution with errors.Is.
type EdgeError struct {
	EdgeID EdgeID
	Source string
	Cause  error
}

func (e *EdgeError) Error() string {
	return fmt.Sprintf("edge %s from %q: %v", e.EdgeID, e.Source, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *EdgeError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is ErrEdgeResolution.
func (e *EdgeError) Is(target error) bool {
	return target == ErrEdgeResolution
}

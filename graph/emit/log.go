package emit

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogEmitter implements Emitter by writing each event as a structured zap
// entry.
//
// Failures (executor_failed, workflow_error) are logged at Warn and Error;
// every other event at Info, or at Debug for the high-volume invocation
// events when quiet is set.
//
// Example:
//
//	logger, _ := zap.NewProduction()
//	emitter := emit.NewLogEmitter(logger)
type LogEmitter struct {
	logger *zap.Logger
	quiet  bool
}

// NewLogEmitter creates a LogEmitter. A nil logger discards everything.
func NewLogEmitter(logger *zap.Logger) *LogEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogEmitter{logger: logger.With(zap.String("component", "events"))}
}

// Quiet demotes executor_invoked and executor_completed to Debug.
func (l *LogEmitter) Quiet() *LogEmitter {
	l.quiet = true
	return l
}

// Emit writes the event.
func (l *LogEmitter) Emit(event Event) {
	level := l.level(event.Msg)
	ce := l.logger.Check(level, event.Msg)
	if ce == nil {
		return
	}

	fields := make([]zap.Field, 0, 4+len(event.Meta))
	fields = append(fields,
		zap.String("run_id", event.RunID),
		zap.Int("step", event.Step),
	)
	if event.ExecutorID != "" {
		fields = append(fields, zap.String("executor_id", event.ExecutorID))
	}
	if !event.Timestamp.IsZero() {
		fields = append(fields, zap.Time("event_time", event.Timestamp))
	}
	for key, value := range event.Meta {
		fields = append(fields, metaField(key, value))
	}
	ce.Write(fields...)
}

func (l *LogEmitter) level(kind string) zapcore.Level {
	switch kind {
	case EventWorkflowError:
		return zapcore.ErrorLevel
	case EventExecutorFailed:
		return zapcore.WarnLevel
	case EventExecutorInvoked, EventExecutorCompleted:
		if l.quiet {
			return zapcore.DebugLevel
		}
	}
	return zapcore.InfoLevel
}

func metaField(key string, value interface{}) zap.Field {
	switch v := value.(type) {
	case string:
		return zap.String(key, v)
	case int:
		return zap.Int(key, v)
	case int64:
		return zap.Int64(key, v)
	case float64:
		return zap.Float64(key, v)
	case bool:
		return zap.Bool(key, v)
	case time.Duration:
		return zap.Duration(key, v)
	case error:
		return zap.NamedError(key, v)
	case fmt.Stringer:
		return zap.Stringer(key, v)
	default:
		return zap.Any(key, v)
	}
}

package graph

import (
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dshills/superstep/graph/emit"
	"github.com/dshills/superstep/graph/store"
)

// Option is a functional option for configuring a LocalRunner.
//
// Example:
//
//	result, err := graph.Run(ctx, wf, input,
//	    graph.WithLogger(logger),
//	    graph.WithEmitter(emit.NewLogEmitter(logger)),
//	    graph.WithMaxSupersteps(100),
//	    graph.WithCheckpointStore(store.NewMemStore[*graph.Checkpoint]()),
//	)
type Option func(*runConfig) error

// runConfig collects options before a runner is created.
type runConfig struct {
	runID          string
	logger         *zap.Logger
	emitters       []emit.Emitter
	metrics        *PrometheusMetrics
	tracer         trace.Tracer
	store          store.Store[*Checkpoint]
	sequential     bool
	maxSupersteps  int
	defaultTimeout time.Duration
}

func newRunConfig(opts []Option) (*runConfig, error) {
	cfg := &runConfig{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.tracer == nil {
		cfg.tracer = otel.Tracer("github.com/dshills/superstep")
	}
	return cfg, nil
}

// WithRunID sets the run identifier. Default: a random UUID.
func WithRunID(id string) Option {
	return func(cfg *runConfig) error {
		if id == "" {
			return errors.New("run ID cannot be empty")
		}
		cfg.runID = id
		return nil
	}
}

// WithLogger sets the structured logger used by the runner.
//
// Default: zap.NewNop(). The runner logs superstep boundaries and delivery
// outcomes at Debug, handler failures at Warn and fatal step failures at
// Error, all tagged with run_id.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *runConfig) error {
		cfg.logger = logger
		return nil
	}
}

// WithEmitter subscribes an emitter to the run's events. It may be given
// several times.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *runConfig) error {
		if e == nil {
			return errors.New("emitter cannot be nil")
		}
		cfg.emitters = append(cfg.emitters, e)
		return nil
	}
}

// WithMetrics records runtime metrics to m.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *runConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithTracer traces supersteps and handler invocations with tracer.
//
// Default: otel.Tracer from the global provider, a no-op unless the
// application installed one.
func WithTracer(tracer trace.Tracer) Option {
	return func(cfg *runConfig) error {
		cfg.tracer = tracer
		return nil
	}
}

// WithCheckpointStore commits a checkpoint to s after every superstep and
// enables Checkpoint, RestoreCheckpoint and Resume.
func WithCheckpointStore(s store.Store[*Checkpoint]) Option {
	return func(cfg *runConfig) error {
		cfg.store = s
		return nil
	}
}

// WithSequentialDelivery delivers the messages of each superstep one at a
// time in a fixed order (sender first-issue order, then message issue order,
// then edge registration order) instead of concurrently.
//
// Use it for reproducible event streams in tests and debugging.
func WithSequentialDelivery(enabled bool) Option {
	return func(cfg *runConfig) error {
		cfg.sequential = enabled
		return nil
	}
}

// WithMaxSupersteps limits Run and RunUntilHalt to n supersteps.
//
// Default: 0 (no limit). When the limit is reached with messages still
// queued, ErrMaxSuperstepsExceeded is returned. Cyclic workflows with a
// missing exit condition otherwise never halt.
func WithMaxSupersteps(n int) Option {
	return func(cfg *runConfig) error {
		if n < 0 {
			return errors.New("max supersteps cannot be negative")
		}
		cfg.maxSupersteps = n
		return nil
	}
}

// WithDefaultHandlerTimeout bounds every handler invocation of executors
// without an explicit ExecutorPolicy.Timeout.
//
// Default: 0 (no timeout). Timeouts are cooperative: handlers observe a
// cancelled context.
func WithDefaultHandlerTimeout(d time.Duration) Option {
	return func(cfg *runConfig) error {
		if d < 0 {
			return errors.New("handler timeout cannot be negative")
		}
		cfg.defaultTimeout = d
		return nil
	}
}

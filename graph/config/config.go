// Package config loads runner settings from a YAML file and the environment.
//
// Values are resolved in three layers: DefaultConfig, then the YAML file (if
// any), then environment variables named SUPERSTEP_<SECTION>_<FIELD>, for
// example SUPERSTEP_RUN_MAX_SUPERSTEPS=50 or SUPERSTEP_LOG_LEVEL=debug.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/dshills/superstep/graph"
	"github.com/dshills/superstep/graph/store"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "SUPERSTEP"

// Config is the file representation of a runner configuration.
type Config struct {
	Run     RunConfig     `yaml:"run" env:"RUN"`
	Log     LogConfig     `yaml:"log" env:"LOG"`
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
	Tracing TracingConfig `yaml:"tracing" env:"TRACING"`
}

// RunConfig holds superstep execution settings.
type RunConfig struct {
	// MaxSupersteps bounds RunUntilHalt. Zero means no limit.
	MaxSupersteps int `yaml:"max_supersteps" env:"MAX_SUPERSTEPS"`

	// HandlerTimeout bounds handlers without their own policy timeout.
	HandlerTimeout time.Duration `yaml:"handler_timeout" env:"HANDLER_TIMEOUT"`

	// Sequential delivers a step's messages one at a time.
	Sequential bool `yaml:"sequential" env:"SEQUENTIAL"`

	// Checkpoint commits an in-memory checkpoint after every superstep.
	Checkpoint bool `yaml:"checkpoint" env:"CHECKPOINT"`
}

// LogConfig selects the zap logger.
type LogConfig struct {
	Level       string   `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format      string   `yaml:"format" env:"FORMAT"` // json or console
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR"`
}

// TracingConfig controls OpenTelemetry spans. Spans are recorded through
// the global tracer provider.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" env:"ENABLED"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		Run: RunConfig{
			MaxSupersteps: 100,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stderr"},
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Tracing: TracingConfig{
			ServiceName: "superstep",
		},
	}
}

// Loader resolves a Config from its layers.
type Loader struct {
	path      string
	envPrefix string
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a loader reading the process environment.
func NewLoader() *Loader {
	return &Loader{envPrefix: DefaultEnvPrefix, lookupEnv: os.LookupEnv}
}

// WithConfigPath sets the YAML file. A missing file is not an error.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.path = path
	return l
}

// WithEnvPrefix replaces the environment prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load resolves and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.path != "" {
		if err := l.loadFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := l.setFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (l *Loader) loadFile(cfg *Config) error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", l.path, err)
	}
	return nil
}

func (l *Loader) setFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag

		if field.Kind() == reflect.Struct {
			if err := l.setFromEnv(field, key); err != nil {
				return err
			}
			continue
		}

		value, ok := l.lookupEnv(key)
		if !ok || value == "" {
			continue
		}
		if err := setField(field, value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Run.MaxSupersteps < 0 {
		errs = append(errs, errors.New("run.max_supersteps cannot be negative"))
	}
	if c.Run.HandlerTimeout < 0 {
		errs = append(errs, errors.New("run.handler_timeout cannot be negative"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics.addr is required when metrics are enabled"))
	}
	return errors.Join(errs...)
}

// Logger builds the zap logger described by the log section.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	if c.Log.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	outputs := c.Log.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zc := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      c.Log.Format == "console",
		Encoding:         c.Log.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}
	return zc.Build(zap.AddStacktrace(zapcore.ErrorLevel))
}

// Options converts the configuration to runner options. Metrics are
// registered with registry when enabled; a nil registry uses the default
// Prometheus registerer.
func (c *Config) Options(logger *zap.Logger, registry prometheus.Registerer) []graph.Option {
	opts := []graph.Option{
		graph.WithMaxSupersteps(c.Run.MaxSupersteps),
		graph.WithDefaultHandlerTimeout(c.Run.HandlerTimeout),
		graph.WithSequentialDelivery(c.Run.Sequential),
	}
	if logger != nil {
		opts = append(opts, graph.WithLogger(logger))
	}
	if c.Run.Checkpoint {
		opts = append(opts, graph.WithCheckpointStore(store.NewMemStore[*graph.Checkpoint]()))
	}
	if c.Metrics.Enabled {
		opts = append(opts, graph.WithMetrics(graph.NewPrometheusMetrics(registry)))
	}
	if c.Tracing.Enabled {
		opts = append(opts, graph.WithTracer(otel.Tracer(c.Tracing.ServiceName)))
	}
	return opts
}

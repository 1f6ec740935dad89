package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dshills/superstep/graph"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "superstep.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func envMap(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestLoader_Defaults(t *testing.T) {
	l := NewLoader()
	l.lookupEnv = envMap(nil)
	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Run.MaxSupersteps != 100 || cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestLoader_File(t *testing.T) {
	path := writeConfig(t, `
run:
  max_supersteps: 25
  handler_timeout: 2s
  sequential: true
  checkpoint: true
log:
  level: debug
  format: console
metrics:
  enabled: true
  addr: ":9100"
`)
	l := NewLoader().WithConfigPath(path)
	l.lookupEnv = envMap(nil)
	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Run.MaxSupersteps != 25 || cfg.Run.HandlerTimeout != 2*time.Second || !cfg.Run.Sequential || !cfg.Run.Checkpoint {
		t.Errorf("unexpected run config %+v", cfg.Run)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "console" {
		t.Errorf("unexpected log config %+v", cfg.Log)
	}
	if cfg.Tracing.ServiceName != "superstep" {
		t.Errorf("expected defaults kept for unset sections, got %+v", cfg.Tracing)
	}
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "run:\n  max_supersteps: 25\n")
	l := NewLoader().WithConfigPath(path)
	l.lookupEnv = envMap(map[string]string{
		"SUPERSTEP_RUN_MAX_SUPERSTEPS":   "7",
		"SUPERSTEP_RUN_HANDLER_TIMEOUT":  "150ms",
		"SUPERSTEP_LOG_OUTPUT_PATHS":     "stdout, /tmp/superstep.log",
		"SUPERSTEP_TRACING_ENABLED":      "true",
		"SUPERSTEP_TRACING_SERVICE_NAME": "",
	})
	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Run.MaxSupersteps != 7 || cfg.Run.HandlerTimeout != 150*time.Millisecond {
		t.Errorf("expected env overrides, got %+v", cfg.Run)
	}
	if len(cfg.Log.OutputPaths) != 2 || cfg.Log.OutputPaths[1] != "/tmp/superstep.log" {
		t.Errorf("expected comma separated output paths, got %v", cfg.Log.OutputPaths)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.ServiceName != "superstep" {
		t.Errorf("expected empty env values to be ignored, got %+v", cfg.Tracing)
	}
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
		want string
	}{
		{name: "unknown field", file: "run:\n  max_steps: 3\n", want: "parse"},
		{name: "malformed yaml", file: "run: [", want: "parse"},
		{name: "bad env int", env: map[string]string{"SUPERSTEP_RUN_MAX_SUPERSTEPS": "many"}, want: "SUPERSTEP_RUN_MAX_SUPERSTEPS"},
		{name: "negative steps", file: "run:\n  max_supersteps: -1\n", want: "max_supersteps"},
		{name: "bad level", env: map[string]string{"SUPERSTEP_LOG_LEVEL": "loud"}, want: "log.level"},
		{name: "bad format", file: "log:\n  format: xml\n", want: "log.format"},
		{name: "metrics without addr", file: "metrics:\n  enabled: true\n  addr: \"\"\n", want: "metrics.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLoader()
			if tt.file != "" {
				l.WithConfigPath(writeConfig(t, tt.file))
			}
			l.lookupEnv = envMap(tt.env)
			_, err := l.Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoader_MissingFile(t *testing.T) {
	l := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml"))
	l.lookupEnv = envMap(nil)
	if _, err := l.Load(); err != nil {
		t.Fatalf("expected missing file to fall back to defaults, got %v", err)
	}
}

func TestConfig_Logger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "warn"
	cfg.Log.OutputPaths = []string{filepath.Join(t.TempDir(), "out.log")}

	logger, err := cfg.Logger()
	if err != nil {
		t.Fatalf("Logger failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if logger.Core().Enabled(zap.InfoLevel) {
		t.Error("expected info to be disabled at warn level")
	}
	if !logger.Core().Enabled(zap.ErrorLevel) {
		t.Error("expected error to be enabled at warn level")
	}
}

func TestConfig_Options(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Run.MaxSupersteps = 2
	cfg.Run.Sequential = true
	cfg.Run.Checkpoint = true
	cfg.Metrics.Enabled = true

	ping := graph.NewFuncExecutor("ping", func(b *graph.RouteBuilder) {
		graph.Handle(b, func(ctx context.Context, n int, wctx graph.WorkflowContext) error {
			return wctx.SendMessage(ctx, n+1)
		})
	})
	builder := graph.NewBuilder(graph.BindExecutor(ping))
	if err := builder.AddEdge("ping", "ping", nil); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}
	wf, err := builder.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	result, err := graph.Run(context.Background(), wf, 0, cfg.Options(zap.NewNop(), prometheus.NewRegistry())...)
	if err == nil {
		t.Fatal("expected the configured superstep limit to stop the loop")
	}
	if result.Supersteps != 2 {
		t.Errorf("expected 2 supersteps, got %d", result.Supersteps)
	}
	if result.LastCheckpoint == nil {
		t.Error("expected checkpoints to be enabled")
	}
}

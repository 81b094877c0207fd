package main

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/cwbudde/lbfgsbridge/internal/bridge"
	"github.com/cwbudde/lbfgsbridge/internal/config"
	"github.com/cwbudde/lbfgsbridge/internal/metrics"
	"github.com/cwbudde/lbfgsbridge/internal/opt"
	"github.com/cwbudde/lbfgsbridge/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/cobra"
)

// newTestRunCmd returns a command with the run flags registered, which also
// resets the flag variables to their defaults.
func newTestRunCmd(t *testing.T) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "run"}
	addRunFlags(cmd)
	return cmd
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c := config.Default()
	c.Store.Dir = t.TempDir()
	return c
}

func TestApplyRunFlags_Overrides(t *testing.T) {
	cmd := newTestRunCmd(t)
	for name, value := range map[string]string{
		"dimension":   "4",
		"function":    "rosenbrock",
		"delivery":    "direct",
		"m":           "7",
		"epsilon":     "1e-6",
		"max-iters":   "50",
		"line-search": "bisection",
		"stall":       "true",
	} {
		if err := cmd.Flags().Set(name, value); err != nil {
			t.Fatalf("Failed to set --%s: %v", name, err)
		}
	}

	base := testConfig(t)
	c, err := applyRunFlags(cmd, base)
	if err != nil {
		t.Fatalf("applyRunFlags failed: %v", err)
	}

	if c.Run.Dimension != 4 || c.Evaluator.Function != "rosenbrock" || c.Run.Delivery != "direct" {
		t.Errorf("Run settings not applied: %+v %+v", c.Run, c.Evaluator)
	}
	if c.Optimizer.M != 7 || c.Optimizer.Epsilon != 1e-6 || c.Optimizer.MaxIterations != 50 {
		t.Errorf("Optimizer settings not applied: %+v", c.Optimizer)
	}
	if c.Optimizer.LineSearch != opt.LineSearchBisection || !c.Stall.Enabled {
		t.Errorf("Expected bisection with stall detection, got %+v %+v", c.Optimizer, c.Stall)
	}
	if base.Run.Dimension != 2 || base.Optimizer.M != 4 {
		t.Error("Expected base config to be left unchanged")
	}
}

func TestApplyRunFlags_UnsetFlagsKeepConfig(t *testing.T) {
	cmd := newTestRunCmd(t)

	base := testConfig(t)
	base.Optimizer.M = 9
	c, err := applyRunFlags(cmd, base)
	if err != nil {
		t.Fatalf("applyRunFlags failed: %v", err)
	}
	if c.Optimizer.M != 9 || c.Optimizer.Epsilon != 1e-9 {
		t.Errorf("Expected config values to survive, got %+v", c.Optimizer)
	}
}

func TestApplyRunFlags_DimensionFromInit(t *testing.T) {
	cmd := newTestRunCmd(t)
	if err := cmd.Flags().Set("init", "1,2,3"); err != nil {
		t.Fatal(err)
	}

	c, err := applyRunFlags(cmd, testConfig(t))
	if err != nil {
		t.Fatalf("applyRunFlags failed: %v", err)
	}
	if c.Run.Dimension != 3 {
		t.Errorf("Expected dimension 3 from --init, got %d", c.Run.Dimension)
	}

	start, err := resolveInitial(c)
	if err != nil {
		t.Fatalf("resolveInitial failed: %v", err)
	}
	if len(start) != 3 || start[0] != 1 || start[2] != 3 {
		t.Errorf("Unexpected initial weights %v", start)
	}
}

func TestApplyRunFlags_Invalid(t *testing.T) {
	cmd := newTestRunCmd(t)
	if err := cmd.Flags().Set("m", "-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := applyRunFlags(cmd, testConfig(t)); err == nil {
		t.Error("Expected error for negative m")
	}
}

func TestResolveInitial_Zeros(t *testing.T) {
	newTestRunCmd(t)
	c := testConfig(t)
	c.Run.Dimension = 5

	start, err := resolveInitial(c)
	if err != nil {
		t.Fatalf("resolveInitial failed: %v", err)
	}
	if len(start) != 5 {
		t.Fatalf("Expected 5 weights, got %d", len(start))
	}
	for i, v := range start {
		if v != 0 {
			t.Errorf("Weight %d: expected 0, got %g", i, v)
		}
	}
}

func TestResolveInitial_LengthMismatch(t *testing.T) {
	cmd := newTestRunCmd(t)
	if err := cmd.Flags().Set("init", "1,2,3"); err != nil {
		t.Fatal(err)
	}
	c := testConfig(t)
	c.Run.Dimension = 2

	if _, err := resolveInitial(c); !errors.Is(err, bridge.ErrSizeMismatch) {
		t.Errorf("Expected ErrSizeMismatch, got %v", err)
	}
}

func TestExecuteRun_Quadratic(t *testing.T) {
	c := testConfig(t)

	record, err := executeRun(context.Background(), runRequest{
		RunID:   "quadratic",
		Initial: []float64{0, 0},
		Config:  c,
		Save:    true,
	})
	if err != nil {
		t.Fatalf("executeRun failed: %v", err)
	}

	if record.Status != opt.StatusConverged {
		t.Fatalf("Expected converged, got %v", record.Status)
	}
	if math.Abs(record.Weights[0]-3) > 1e-6 || math.Abs(record.Weights[1]+1) > 1e-6 {
		t.Errorf("Expected weights near (3, -1), got %v", record.Weights)
	}
	if record.Settings.Function != "quadratic" || record.Settings.Evaluator != config.EvaluatorBuiltin {
		t.Errorf("Unexpected settings: %+v", record.Settings)
	}

	fsStore, err := store.NewFSStore(c.Store.Dir)
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := fsStore.LoadRun("quadratic")
	if err != nil {
		t.Fatalf("Expected stored run, got %v", err)
	}
	if loaded.Iterations != record.Iterations {
		t.Errorf("Stored iterations %d, returned %d", loaded.Iterations, record.Iterations)
	}

	reader, err := store.NewTraceReader(c.Store.Dir, "quadratic")
	if err != nil {
		t.Fatalf("Expected trace, got %v", err)
	}
	defer reader.Close()
	entries, err := reader.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != record.Iterations {
		t.Errorf("Expected %d trace entries, got %d", record.Iterations, len(entries))
	}
}

func TestExecuteRun_NoSave(t *testing.T) {
	c := testConfig(t)
	c.Evaluator.Function = "constant"

	record, err := executeRun(context.Background(), runRequest{
		RunID:   "unsaved",
		Initial: []float64{1, 2},
		Config:  c,
	})
	if err != nil {
		t.Fatalf("executeRun failed: %v", err)
	}
	if record.Status != opt.StatusConverged || record.Iterations != 0 {
		t.Errorf("Expected immediate convergence, got %v after %d iterations", record.Status, record.Iterations)
	}
	if record.Weights[0] != 1 || record.Weights[1] != 2 {
		t.Errorf("Expected unchanged weights, got %v", record.Weights)
	}
	if _, err := os.Stat(filepath.Join(c.Store.Dir, "runs", "unsaved")); !os.IsNotExist(err) {
		t.Error("Expected nothing stored with Save unset")
	}
}

func TestExecuteRun_Metrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	runMetrics = metrics.New(registry)
	defer func() { runMetrics = nil }()

	record, err := executeRun(context.Background(), runRequest{
		RunID:   "metered",
		Initial: []float64{0, 0},
		Config:  testConfig(t),
	})
	if err != nil {
		t.Fatalf("executeRun failed: %v", err)
	}

	if got := testutil.ToFloat64(runMetrics.RunsTotal.WithLabelValues("converged")); got != 1 {
		t.Errorf("Expected 1 converged run, got %g", got)
	}
	if got := testutil.ToFloat64(runMetrics.IterationsTotal); got != float64(record.Iterations) {
		t.Errorf("Expected %d iterations, got %g", record.Iterations, got)
	}
	if got := testutil.ToFloat64(runMetrics.EvaluationsTotal); got != float64(record.Evaluations) {
		t.Errorf("Expected %d evaluations, got %g", record.Evaluations, got)
	}
}

func TestExecuteRun_Cancelled(t *testing.T) {
	c := testConfig(t)
	c.Evaluator.Function = "rosenbrock"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	record, err := executeRun(ctx, runRequest{
		RunID:   "cancelled",
		Initial: []float64{0, 0},
		Config:  c,
		Save:    true,
	})
	if err != nil {
		t.Fatalf("Expected a clean stop, got %v", err)
	}
	if record.Status != opt.StatusStopped || record.Iterations != 1 {
		t.Errorf("Expected stop after the first iteration, got %v after %d", record.Status, record.Iterations)
	}
}

func TestResume_SeedsFromStoredRun(t *testing.T) {
	c := testConfig(t)
	c.Evaluator.Function = "rosenbrock"
	c.Optimizer.MaxIterations = 3

	first, err := executeRun(context.Background(), runRequest{
		RunID:   "first",
		Initial: []float64{0, 0},
		Config:  c,
		Save:    true,
	})
	if err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	if first.Status != opt.StatusMaxIterations {
		t.Fatalf("Expected iteration limit, got %v", first.Status)
	}

	resumeCfg, err := configFromSettings(config.Default(), first.Settings)
	if err != nil {
		t.Fatalf("configFromSettings failed: %v", err)
	}
	if resumeCfg.Evaluator.Function != "rosenbrock" || resumeCfg.Optimizer.MaxIterations != 3 {
		t.Errorf("Stored settings not applied: %+v", resumeCfg)
	}
	resumeCfg.Store.Dir = c.Store.Dir
	resumeCfg.Optimizer.MaxIterations = 0

	start, err := first.SeedWeights(resumeCfg.Run.Dimension)
	if err != nil {
		t.Fatalf("SeedWeights failed: %v", err)
	}
	second, err := executeRun(context.Background(), runRequest{
		RunID:       "second",
		Initial:     start,
		Config:      resumeCfg,
		Save:        true,
		ResumedFrom: first.RunID,
	})
	if err != nil {
		t.Fatalf("Resumed run failed: %v", err)
	}
	if second.Settings.ResumedFrom != "first" {
		t.Errorf("Expected ResumedFrom to be recorded, got %q", second.Settings.ResumedFrom)
	}
	if second.F > first.F {
		t.Errorf("Resumed run got worse: %g > %g", second.F, first.F)
	}
	if second.Initial[0] != first.Weights[0] || second.Initial[1] != first.Weights[1] {
		t.Errorf("Expected resumed run to start at %v, got %v", first.Weights, second.Initial)
	}
}

func TestConfigFromSettings_Remote(t *testing.T) {
	base := config.Default()
	base.Evaluator.Args = []string{"evaluator", "serve", "--stdio"}

	c, err := configFromSettings(base, store.RunSettings{
		Evaluator: config.EvaluatorProcess,
		Function:  "/usr/local/bin/lbfgsbridge",
		Dimension: 6,
		Delivery:  "copy",
		Params:    opt.DefaultParams(),
	})
	if err != nil {
		t.Fatalf("configFromSettings failed: %v", err)
	}
	if c.Evaluator.Command != "/usr/local/bin/lbfgsbridge" || len(c.Evaluator.Args) != 3 {
		t.Errorf("Expected stored command with base args, got %+v", c.Evaluator)
	}

	c, err = configFromSettings(base, store.RunSettings{
		Evaluator: config.EvaluatorNATS,
		Function:  "custom.subject",
		Dimension: 2,
		Delivery:  "copy",
		Params:    opt.DefaultParams(),
	})
	if err != nil {
		t.Fatalf("configFromSettings failed: %v", err)
	}
	if c.NATS.Subject != "custom.subject" {
		t.Errorf("Expected stored subject, got %s", c.NATS.Subject)
	}

	_, err = configFromSettings(base, store.RunSettings{Evaluator: "unknown", Dimension: 2, Params: opt.DefaultParams()})
	if err == nil {
		t.Error("Expected error for unknown evaluator kind")
	}
}

func TestSettingsFor(t *testing.T) {
	c := config.Default()
	c.Evaluator.Kind = config.EvaluatorNATS
	c.NATS.Subject = "work.eval"

	s := settingsFor(c)
	if s.Function != "work.eval" || s.Dimension != 2 || s.Params != c.Optimizer {
		t.Errorf("Unexpected settings: %+v", s)
	}
}

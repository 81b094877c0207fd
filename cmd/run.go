package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cwbudde/lbfgsbridge/internal/bridge"
	"github.com/cwbudde/lbfgsbridge/internal/builtin"
	"github.com/cwbudde/lbfgsbridge/internal/config"
	"github.com/cwbudde/lbfgsbridge/internal/opt"
	"github.com/cwbudde/lbfgsbridge/internal/remote"
	"github.com/cwbudde/lbfgsbridge/internal/store"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

var (
	dimension  int
	function   string
	evaluator  string
	delivery   string
	memory     int
	epsilon    float64
	maxIters   int
	lineSearch string
	initial    []float64
	initFrom   string
	dataDir    string
	stall      bool
	noSave     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single optimization",
	Long: `Minimizes the configured objective from the given starting point and
stores the final weights and the iteration trace under the data directory.`,
	RunE: runOptimization,
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.IntVar(&dimension, "dimension", 0, "Problem dimension (default from config, or the length of --init)")
	flags.StringVar(&function, "function", "", "Builtin function: constant, quadratic, rosenbrock")
	flags.StringVar(&evaluator, "evaluator", "", "Evaluator kind: builtin, nats, process")
	flags.StringVar(&delivery, "delivery", "", "Gradient delivery: copy, direct")
	flags.IntVar(&memory, "m", 0, "Number of L-BFGS correction pairs")
	flags.Float64Var(&epsilon, "epsilon", 0, "Gradient convergence tolerance")
	flags.IntVar(&maxIters, "max-iters", 0, "Maximum iterations (0 = unbounded)")
	flags.StringVar(&lineSearch, "line-search", "", "Line search: morethuente, bisection")
	flags.Float64SliceVar(&initial, "init", nil, "Initial weights (comma separated, default zeros)")
	flags.StringVar(&initFrom, "init-from", "", "Seed the initial weights from a stored run")
	flags.StringVar(&dataDir, "data-dir", "", "Base directory for run storage")
	flags.BoolVar(&stall, "stall", false, "Stop when the objective stops improving")
	flags.BoolVar(&noSave, "no-save", false, "Do not persist the result and trace")

	cmd.MarkFlagsMutuallyExclusive("init", "init-from")
}

func runOptimization(cmd *cobra.Command, args []string) error {
	c, err := applyRunFlags(cmd, cfg)
	if err != nil {
		return err
	}

	start, err := resolveInitial(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	record, err := executeRun(ctx, runRequest{
		RunID:   uuid.NewString(),
		Initial: start,
		Config:  c,
		Save:    !noSave,
	})
	if record != nil {
		printRecord(record)
	}
	return err
}

// applyRunFlags returns a copy of base with the explicitly set flags applied.
func applyRunFlags(cmd *cobra.Command, base *config.Config) (*config.Config, error) {
	if base == nil {
		base = config.Default()
	}
	c := *base
	flags := cmd.Flags()

	if flags.Changed("dimension") {
		c.Run.Dimension = dimension
	} else if len(initial) > 0 {
		c.Run.Dimension = len(initial)
	}
	if flags.Changed("evaluator") {
		c.Evaluator.Kind = evaluator
	}
	if flags.Changed("function") {
		c.Evaluator.Function = function
	}
	if flags.Changed("delivery") {
		c.Run.Delivery = delivery
	}
	if flags.Changed("m") {
		c.Optimizer.M = memory
	}
	if flags.Changed("epsilon") {
		c.Optimizer.Epsilon = epsilon
	}
	if flags.Changed("max-iters") {
		c.Optimizer.MaxIterations = maxIters
	}
	if flags.Changed("line-search") {
		c.Optimizer.LineSearch = lineSearch
	}
	if flags.Changed("data-dir") {
		c.Store.Dir = dataDir
	}
	if flags.Changed("stall") {
		c.Stall.Enabled = stall
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run configuration: %w", err)
	}
	return &c, nil
}

// resolveInitial picks the starting weights: a stored run, --init, or zeros.
func resolveInitial(c *config.Config) ([]float64, error) {
	if initFrom != "" {
		fsStore, err := store.NewFSStore(c.Store.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to create run store: %w", err)
		}
		record, err := fsStore.LoadRun(initFrom)
		if err != nil {
			return nil, fmt.Errorf("failed to load run %s: %w", initFrom, err)
		}
		return record.SeedWeights(c.Run.Dimension)
	}

	if len(initial) > 0 {
		if len(initial) != c.Run.Dimension {
			return nil, fmt.Errorf("%w: --init has %d entries, dimension is %d",
				bridge.ErrSizeMismatch, len(initial), c.Run.Dimension)
		}
		return append([]float64(nil), initial...), nil
	}
	return make([]float64, c.Run.Dimension), nil
}

type runRequest struct {
	RunID       string
	Initial     []float64
	Config      *config.Config
	Save        bool
	ResumedFrom string
}

// executeRun runs one optimization and persists its record. The record is
// returned even when the run failed.
func executeRun(ctx context.Context, req runRequest) (*store.RunRecord, error) {
	c := req.Config
	runLog := slog.Default().With("run", req.RunID)

	runCfg, err := c.RunConfig()
	if err != nil {
		return nil, err
	}

	ev, closeEvaluator, err := buildEvaluator(ctx, c)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := closeEvaluator(); err != nil {
			runLog.Warn("Failed to close evaluator", "error", err)
		}
	}()

	observers := []bridge.Observer{bridge.LogObserver(runLog)}

	var fsStore *store.FSStore
	if req.Save {
		fsStore, err = store.NewFSStore(c.Store.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to create run store: %w", err)
		}
		trace, err := store.NewTraceWriter(c.Store.Dir, req.RunID, false)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace: %w", err)
		}
		defer func() {
			if err := trace.Close(); err != nil {
				runLog.Warn("Failed to close trace", "error", err)
			}
		}()
		observers = append(observers, trace)
	}
	if c.Stall.Enabled {
		observers = append(observers, bridge.StallObserver(opt.NewStallDetector(c.Stall)))
	}
	if runMetrics != nil {
		observers = append(observers, runMetrics)
	}

	driver := bridge.NewDriver(opt.NewLBFGS(),
		bridge.WithLogger(runLog),
		bridge.WithObserver(observers...),
	)

	res, runErr := driver.Run(ctx, req.Initial, ev, runCfg)

	settings := settingsFor(c)
	settings.ResumedFrom = req.ResumedFrom
	record := store.NewRunRecord(req.RunID, req.Initial, res, runErr, settings)

	if fsStore != nil {
		if err := fsStore.SaveRun(req.RunID, record); err != nil {
			return record, errors.Join(runErr, fmt.Errorf("failed to save run: %w", err))
		}
		runLog.Info("Run saved", "path", fsStore.RunDir(req.RunID))
	}
	return record, runErr
}

// buildEvaluator creates the configured evaluator and a function releasing it.
func buildEvaluator(ctx context.Context, c *config.Config) (any, func() error, error) {
	noop := func() error { return nil }

	switch c.Evaluator.Kind {
	case config.EvaluatorBuiltin:
		fn, err := builtin.New(c.Evaluator.Function, c.Run.Dimension)
		if err != nil {
			return nil, nil, err
		}
		return fn, noop, nil

	case config.EvaluatorNATS:
		conn, err := nats.Connect(c.NATS.URL, nats.Name("lbfgsbridge"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", c.NATS.URL, err)
		}
		ev := remote.NewNATSEvaluator(conn, c.NATS.Subject, c.NATS.Timeout)
		return ev, func() error {
			conn.Close()
			return nil
		}, nil

	case config.EvaluatorProcess:
		proc, err := remote.StartProcess(ctx, remote.ProcessConfig{
			Command: c.Evaluator.Command,
			Args:    c.Evaluator.Args,
			Dir:     c.Evaluator.Dir,
		}, slog.Default())
		if err != nil {
			return nil, nil, err
		}
		return proc, proc.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown evaluator kind: %s", c.Evaluator.Kind)
}

// settingsFor records which evaluator and parameters a run used. Function
// holds the builtin name, the NATS subject or the process command.
func settingsFor(c *config.Config) store.RunSettings {
	s := store.RunSettings{
		Evaluator: c.Evaluator.Kind,
		Dimension: c.Run.Dimension,
		Delivery:  c.Run.Delivery,
		Params:    c.Optimizer,
	}
	switch c.Evaluator.Kind {
	case config.EvaluatorBuiltin:
		s.Function = c.Evaluator.Function
	case config.EvaluatorNATS:
		s.Function = c.NATS.Subject
	case config.EvaluatorProcess:
		s.Function = c.Evaluator.Command
	}
	return s
}

func printRecord(r *store.RunRecord) {
	fmt.Printf("Run %s: %s (status %d), f = %.6g after %d iterations, %d evaluations\n",
		r.RunID, r.Status, r.StatusCode, r.F, r.Iterations, r.Evaluations)
	if r.Weights != nil && len(r.Weights) <= 10 {
		fmt.Printf("Weights: %v\n", r.Weights)
	}
}

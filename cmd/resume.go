package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cwbudde/lbfgsbridge/internal/config"
	"github.com/cwbudde/lbfgsbridge/internal/store"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var resumeMaxIters int

var resumeCmd = &cobra.Command{
	Use:   "resume [run-id]",
	Short: "Continue a stored run from its final weights",
	Long: `Starts a new run seeded with the final weights of a stored run, using the
evaluator, dimension and optimizer parameters recorded with it.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&dataDir, "data-dir", "", "Base directory for run storage")
	resumeCmd.Flags().IntVar(&resumeMaxIters, "max-iters", -1, "Override the stored iteration limit")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	base := cfg
	if base == nil {
		base = config.Default()
	}
	dir := base.Store.Dir
	if cmd.Flags().Changed("data-dir") {
		dir = dataDir
	}

	fsStore, err := store.NewFSStore(dir)
	if err != nil {
		return fmt.Errorf("failed to create run store: %w", err)
	}
	record, err := fsStore.LoadRun(args[0])
	if err != nil {
		return fmt.Errorf("failed to load run %s: %w", args[0], err)
	}

	c, err := configFromSettings(base, record.Settings)
	if err != nil {
		return err
	}
	c.Store.Dir = dir
	if resumeMaxIters >= 0 {
		c.Optimizer.MaxIterations = resumeMaxIters
	}

	start, err := record.SeedWeights(c.Run.Dimension)
	if err != nil {
		return fmt.Errorf("run %s cannot be resumed: %w", record.RunID, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resumed, err := executeRun(ctx, runRequest{
		RunID:       uuid.NewString(),
		Initial:     start,
		Config:      c,
		Save:        true,
		ResumedFrom: record.RunID,
	})
	if resumed != nil {
		printRecord(resumed)
	}
	return err
}

// configFromSettings overlays the settings stored with a run on base. The
// process evaluator keeps its arguments and working directory from base.
func configFromSettings(base *config.Config, s store.RunSettings) (*config.Config, error) {
	c := *base
	c.Optimizer = s.Params
	c.Run.Dimension = s.Dimension
	c.Run.Delivery = s.Delivery
	c.Evaluator.Kind = s.Evaluator

	switch s.Evaluator {
	case config.EvaluatorBuiltin:
		c.Evaluator.Function = s.Function
	case config.EvaluatorNATS:
		c.NATS.Subject = s.Function
	case config.EvaluatorProcess:
		c.Evaluator.Command = s.Function
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("stored settings are not usable: %w", err)
	}
	return &c, nil
}

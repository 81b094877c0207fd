package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/cwbudde/lbfgsbridge/internal/store"
	"github.com/spf13/cobra"
)

var showTrace bool

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show a stored run",
	Long: `Shows the stored result of a run.
If no run-id is provided, shows the most recent run.
With --trace, prints every recorded iteration as well.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&dataDir, "data-dir", "", "Base directory for run storage (default from config)")
	statusCmd.Flags().BoolVar(&showTrace, "trace", false, "Print the iteration trace")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	runStore, err := store.NewFSStore(runsDir())
	if err != nil {
		return fmt.Errorf("failed to create run store: %w", err)
	}

	var runID string
	if len(args) == 0 {
		infos, err := runStore.ListRuns()
		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}
		if len(infos) == 0 {
			fmt.Println("No runs found")
			return nil
		}
		runID = infos[0].RunID
	} else {
		runID = args[0]
	}

	record, err := runStore.LoadRun(runID)
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}

	printStatus(record)

	reader, err := store.NewTraceReader(runStore.BaseDir(), runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	defer reader.Close()

	entries, err := reader.ReadAll()
	if err != nil {
		return fmt.Errorf("failed to read trace: %w", err)
	}
	printTrace(entries, showTrace)
	return nil
}

func printStatus(r *store.RunRecord) {
	fmt.Printf("Run: %s\n", r.RunID)
	if r.SessionID != "" {
		fmt.Printf("Session: %s\n", r.SessionID)
	}
	fmt.Printf("Status: %s (%d)\n", r.Status, r.StatusCode)
	fmt.Printf("Finished: %s\n", r.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Println()

	s := r.Settings
	fmt.Println("Configuration:")
	fmt.Printf("  Evaluator: %s", s.Evaluator)
	if s.Function != "" {
		fmt.Printf(" (%s)", s.Function)
	}
	fmt.Println()
	fmt.Printf("  Dimension: %d\n", s.Dimension)
	fmt.Printf("  Delivery: %s\n", s.Delivery)
	fmt.Printf("  M: %d\n", s.Params.M)
	fmt.Printf("  Epsilon: %g\n", s.Params.Epsilon)
	if s.Params.MaxIterations > 0 {
		fmt.Printf("  Max Iterations: %d\n", s.Params.MaxIterations)
	}
	fmt.Printf("  Line Search: %s\n", s.Params.LineSearch)
	if s.ResumedFrom != "" {
		fmt.Printf("  Resumed From: %s\n", s.ResumedFrom)
	}
	fmt.Println()

	fmt.Println("Result:")
	fmt.Printf("  F: %.9g\n", r.F)
	fmt.Printf("  Iterations: %d\n", r.Iterations)
	fmt.Printf("  Evaluations: %d\n", r.Evaluations)
	fmt.Printf("  Elapsed: %s\n", r.Elapsed.Round(time.Microsecond))
	if r.Weights != nil {
		fmt.Printf("  Weights: %v\n", r.Weights)
	}

	if r.Error != "" {
		fmt.Printf("\nError: %s\n", r.Error)
	}
}

func printTrace(entries []store.TraceEntry, all bool) {
	if len(entries) == 0 {
		return
	}
	first, last := entries[0], entries[len(entries)-1]
	fmt.Println()
	fmt.Printf("Trace: %d iterations, f %.6g -> %.6g, |g| %.3g -> %.3g\n",
		len(entries), first.F, last.F, first.GNorm, last.GNorm)
	if !all {
		return
	}
	for _, e := range entries {
		fmt.Printf("  %4d  f=%-14.8g |g|=%-10.4g step=%-10.4g ls=%d\n",
			e.Iteration, e.F, e.GNorm, e.Step, e.LineSearch)
	}
}

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cwbudde/lbfgsbridge/internal/builtin"
	"github.com/cwbudde/lbfgsbridge/internal/remote"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

var (
	serveFunction  string
	serveDimension int
	serveStdio     bool
)

var evaluatorCmd = &cobra.Command{
	Use:   "evaluator",
	Short: "Host builtin evaluators for remote runs",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Answer evaluation requests on NATS or stdin/stdout",
	Long: `Hosts a builtin function as a remote evaluator. By default it answers
requests on the configured NATS subject as part of a queue group, so several
instances share the load. With --stdio it reads one JSON request per line
from stdin and writes the responses to stdout, which is what the process
evaluator expects from its child.`,
	RunE: runServe,
}

var listFunctionsCmd = &cobra.Command{
	Use:   "list",
	Short: "List the builtin functions",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range builtin.Names() {
			fmt.Println(name)
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveFunction, "function", "", "Builtin function to serve (default from config)")
	serveCmd.Flags().IntVar(&serveDimension, "dimension", 0, "Problem dimension (default from config)")
	serveCmd.Flags().BoolVar(&serveStdio, "stdio", false, "Serve JSON lines on stdin/stdout instead of NATS")

	evaluatorCmd.AddCommand(serveCmd)
	evaluatorCmd.AddCommand(listFunctionsCmd)
	rootCmd.AddCommand(evaluatorCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	name := cfg.Evaluator.Function
	if serveFunction != "" {
		name = serveFunction
	}
	n := cfg.Run.Dimension
	if serveDimension > 0 {
		n = serveDimension
	}
	fn, err := builtin.New(name, n)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serveStdio {
		logger.Info("Serving evaluator on stdio", "function", name, "dimension", n)
		return remote.ServeLines(ctx, os.Stdin, os.Stdout, fn)
	}

	conn, err := nats.Connect(cfg.NATS.URL, nats.Name("lbfgsbridge-evaluator"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer conn.Close()

	logger.Info("Serving evaluator on NATS",
		"url", cfg.NATS.URL,
		"subject", cfg.NATS.Subject,
		"function", name,
		"dimension", n,
	)
	return remote.Serve(ctx, conn, cfg.NATS.Subject, fn, logger)
}

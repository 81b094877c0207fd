package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/cwbudde/lbfgsbridge/internal/opt"
)

// IterationRecord describes one accepted iteration.
type IterationRecord struct {
	SessionID   string  `json:"sessionId"`
	Iteration   int     `json:"iteration"`
	F           float64 `json:"f"`
	W0          float64 `json:"w0"`
	W1          float64 `json:"w1"`
	XNorm       float64 `json:"xnorm"`
	GNorm       float64 `json:"gnorm"`
	Step        float64 `json:"step"`
	LineSearch  int     `json:"lineSearch"`
	Evaluations int     `json:"evaluations"`
	N           int     `json:"n"`
}

// Observer receives every IterationRecord. Returning opt.Stop asks the
// minimizer to finish after the current iteration.
type Observer interface {
	Observe(rec IterationRecord) opt.Action
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(rec IterationRecord) opt.Action

func (f ObserverFunc) Observe(rec IterationRecord) opt.Action {
	return f(rec)
}

// LogObserver logs each iteration at debug level.
func LogObserver(logger *slog.Logger) Observer {
	return ObserverFunc(func(rec IterationRecord) opt.Action {
		logger.Debug("Iteration",
			"k", rec.Iteration,
			"f", rec.F,
			"w0", rec.W0,
			"w1", rec.W1,
			"xnorm", rec.XNorm,
			"gnorm", rec.GNorm,
			"step", rec.Step,
			"ls", rec.LineSearch,
		)
		return opt.Continue
	})
}

// StallObserver stops the run once detector reports a stall.
func StallObserver(detector *opt.StallDetector) Observer {
	return ObserverFunc(func(rec IterationRecord) opt.Action {
		if detector.Update(rec.F) {
			return opt.Stop
		}
		return opt.Continue
	})
}

// CallbackBridge implements the minimizer's objective and progress callbacks
// on top of the active session.
type CallbackBridge struct {
	ctx       context.Context
	sessions  *SessionManager
	registry  *BufferRegistry
	observers []Observer
	logger    *slog.Logger

	calls         int
	sinceProgress int
}

// NewCallbackBridge creates a bridge resolving its context from sessions.
func NewCallbackBridge(ctx context.Context, sessions *SessionManager, registry *BufferRegistry, logger *slog.Logger, observers ...Observer) *CallbackBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackBridge{
		ctx:       ctx,
		sessions:  sessions,
		registry:  registry,
		observers: observers,
		logger:    logger,
	}
}

// Objective evaluates the candidate x through the session's evaluator and
// leaves the gradient in g. Every error is fatal to the run.
func (b *CallbackBridge) Objective(x, g []float64, step float64) (float64, error) {
	s, err := b.sessions.Current()
	if err != nil {
		return math.NaN(), err
	}
	if len(x) != s.N || len(g) != s.N {
		return math.NaN(), fmt.Errorf("%w: candidate %d, gradient %d, session %d",
			ErrSizeMismatch, len(x), len(g), s.N)
	}

	b.calls++
	b.sinceProgress++

	for i := range g {
		g[i] = math.NaN()
	}
	b.registry.lend(g)
	f, err := s.evaluator.evaluate(b.ctx, x, g)
	b.registry.reclaim()

	if err == nil {
		err = checkEvaluation(f, g)
	}
	if err != nil {
		b.logger.Error("Objective evaluation failed",
			"session", s.ID,
			"call", b.calls,
			"step", step,
			"error", err,
		)
		return math.NaN(), &EvaluatorError{SessionID: s.ID, Call: b.calls, Err: err}
	}
	return f, nil
}

func checkEvaluation(f float64, g []float64) error {
	if math.IsNaN(f) || math.IsInf(f, 1) {
		return fmt.Errorf("objective value is %v", f)
	}
	for i, v := range g {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: entry %d is %v", ErrIncompleteGradient, i, v)
		}
	}
	return nil
}

// Progress publishes the accepted iteration to the observers. It returns
// opt.Stop when no session is active, the run context is done or any
// observer asks to stop.
func (b *CallbackBridge) Progress(p opt.Progress) opt.Action {
	s, err := b.sessions.Current()
	if err != nil {
		b.logger.Error("Progress callback outside a session",
			"iteration", p.Iteration,
			"error", err,
		)
		return opt.Stop
	}

	rec := IterationRecord{
		SessionID:   s.ID,
		Iteration:   p.Iteration,
		F:           p.F,
		XNorm:       p.XNorm,
		GNorm:       p.GNorm,
		Step:        p.Step,
		LineSearch:  b.sinceProgress,
		Evaluations: b.calls,
		N:           len(p.X),
	}
	if len(p.X) > 0 {
		rec.W0 = p.X[0]
	}
	if len(p.X) > 1 {
		rec.W1 = p.X[1]
	}
	b.sinceProgress = 0
	b.registry.track(p.X)

	action := opt.Continue
	for _, o := range b.observers {
		if o.Observe(rec) == opt.Stop {
			action = opt.Stop
		}
	}
	if err := b.ctx.Err(); err != nil {
		b.logger.Info("Stopping optimization", "iteration", rec.Iteration, "reason", err)
		action = opt.Stop
	}
	return action
}

// Calls returns the number of objective evaluations made so far.
func (b *CallbackBridge) Calls() int {
	return b.calls
}

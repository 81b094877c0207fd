package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/lbfgsbridge/internal/opt"
)

// Caller is an evaluator that carries its own problem configuration. It must
// also implement Evaluator or GradientWriter.
type Caller interface {
	Dimension() int
	Params() opt.Params
}

// DeliveryChooser is implemented by callers that pick their gradient delivery.
// Without it, Optimize uses copy delivery for an Evaluator and direct
// delivery otherwise.
type DeliveryChooser interface {
	Delivery() Delivery
}

// RunConfig holds the per-run minimizer configuration.
type RunConfig struct {
	Params   opt.Params `json:"params"`
	Delivery Delivery   `json:"delivery"`
}

// DefaultRunConfig returns the default parameters with copy delivery.
func DefaultRunConfig() RunConfig {
	return RunConfig{Params: opt.DefaultParams(), Delivery: DeliveryCopy}
}

// Result reports a finished run. Weights is only set when the minimizer
// terminated cleanly.
type Result struct {
	Status      opt.Status    `json:"status"`
	F           float64       `json:"f"`
	Weights     []float64     `json:"weights,omitempty"`
	Iterations  int           `json:"iterations"`
	Evaluations int           `json:"evaluations"`
	SessionID   string        `json:"sessionId,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
}

// RunObserver is implemented by observers that also want the final result.
type RunObserver interface {
	RunFinished(res *Result, err error)
}

// Driver is the public entry point: it owns the buffers and the session
// manager and runs the minimizer over the callback bridge.
type Driver struct {
	minimizer opt.Minimizer
	registry  *BufferRegistry
	sessions  *SessionManager
	logger    *slog.Logger
	observers []Observer
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger used for diagnostics and the termination line.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// WithObserver adds iteration observers.
func WithObserver(observers ...Observer) Option {
	return func(d *Driver) {
		d.observers = append(d.observers, observers...)
	}
}

// NewDriver creates a driver for the given minimizer.
func NewDriver(minimizer opt.Minimizer, opts ...Option) *Driver {
	d := &Driver{
		minimizer: minimizer,
		registry:  NewBufferRegistry(),
		sessions:  NewSessionManager(),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// InitializeWeights stores a copy of buf as the weight vector.
func (d *Driver) InitializeWeights(buf []float64) error {
	return d.registry.Initialize(buf)
}

// SetWeights replaces the weight vector between runs.
func (d *Driver) SetWeights(buf []float64) error {
	return d.registry.SetWeights(buf)
}

// SetGradients copies buf into the gradient buffer of the running objective
// callback.
func (d *Driver) SetGradients(buf []float64) error {
	if _, err := d.sessions.Current(); err != nil {
		return fmt.Errorf("%w: %w", ErrSizeMismatch, err)
	}
	return d.registry.SetGradients(buf)
}

// Weights returns a copy of the weight vector.
func (d *Driver) Weights() ([]float64, error) {
	return d.registry.Weights()
}

// Gradients returns the last gradient seen by the bridge.
func (d *Driver) Gradients() []float64 {
	return d.registry.Gradients()
}

// Session returns the active session.
func (d *Driver) Session() (*Session, error) {
	return d.sessions.Current()
}

// Run initializes the weights from initial and minimizes with caller as the
// evaluator.
func (d *Driver) Run(ctx context.Context, initial []float64, caller any, cfg RunConfig) (*Result, error) {
	if len(initial) == 0 {
		return d.reject(fmt.Errorf("%w: initial weights are empty", ErrUnconfigured))
	}
	if s, err := d.sessions.Current(); err == nil {
		return d.reject(fmt.Errorf("%w: session %s", ErrAlreadyRunning, s.ID))
	}
	if err := d.registry.Initialize(initial); err != nil {
		return d.reject(err)
	}
	return d.run(ctx, caller, cfg)
}

// Optimize minimizes over the weights already stored in the driver, reading
// the problem configuration from caller. The weights are updated in place.
func (d *Driver) Optimize(ctx context.Context, caller Caller) (*Result, error) {
	n := caller.Dimension()
	if n <= 0 {
		return d.reject(fmt.Errorf("%w: caller dimension %d", ErrInvalidLength, n))
	}
	if have := d.registry.N(); have != 0 && have != n {
		return d.reject(fmt.Errorf("%w: caller dimension %d, weights have %d entries", ErrSizeMismatch, n, have))
	}

	cfg := RunConfig{Params: caller.Params(), Delivery: DeliveryDirect}
	if chooser, ok := caller.(DeliveryChooser); ok {
		cfg.Delivery = chooser.Delivery()
	} else if _, ok := caller.(Evaluator); ok {
		cfg.Delivery = DeliveryCopy
	}
	return d.run(ctx, caller, cfg)
}

func (d *Driver) run(ctx context.Context, caller any, cfg RunConfig) (*Result, error) {
	n := d.registry.N()
	if n == 0 {
		return d.reject(ErrUnconfigured)
	}

	session, err := d.sessions.Start(n, caller, cfg.Params, cfg.Delivery)
	if err != nil {
		return d.reject(err)
	}
	weights, err := d.registry.acquire()
	if err != nil {
		_ = d.sessions.End(opt.StatusInvalidParameter)
		return d.reject(err)
	}

	d.logger.Info("Starting L-BFGS optimization",
		"session", session.ID,
		"n", n,
		"m", cfg.Params.M,
		"epsilon", cfg.Params.Epsilon,
		"delivery", cfg.Delivery.String(),
	)

	cb := NewCallbackBridge(ctx, d.sessions, d.registry, d.logger, d.observers...)
	outcome, err := d.minimizer.Minimize(weights, cb.Objective, cb.Progress, cfg.Params)

	clean := err == nil && outcome.Status.Clean()
	d.registry.release(weights, clean)
	if endErr := d.sessions.End(outcome.Status); endErr != nil {
		d.logger.Error("Session already closed", "session", session.ID, "error", endErr)
	}

	res := &Result{
		Status:      outcome.Status,
		F:           outcome.F,
		Iterations:  outcome.Iterations,
		Evaluations: outcome.Evaluations,
		SessionID:   session.ID,
		Elapsed:     time.Since(session.StartTime),
	}
	if clean {
		res.Weights = append([]float64(nil), weights...)
	}

	attrs := []any{
		"status", outcome.Status.Code(),
		"reason", outcome.Status.String(),
		"session", session.ID,
		"f", outcome.F,
		"iterations", outcome.Iterations,
		"evaluations", outcome.Evaluations,
		"elapsed", res.Elapsed,
	}
	if err != nil {
		d.logger.Error("L-BFGS optimization terminated", append(attrs, "error", err)...)
	} else {
		d.logger.Info("L-BFGS optimization terminated", attrs...)
	}

	d.finish(res, err)
	return res, err
}

// reject reports a precondition failure detected before the minimizer ran.
func (d *Driver) reject(err error) (*Result, error) {
	status := opt.StatusInvalidParameter
	if errors.Is(err, ErrAlreadyRunning) || errors.Is(err, ErrSessionActive) {
		status = opt.StatusFailed
	}
	d.logger.Error("L-BFGS optimization not started",
		"status", status.Code(),
		"reason", status.String(),
		"error", err,
	)
	res := &Result{Status: status}
	d.finish(res, err)
	return res, err
}

func (d *Driver) finish(res *Result, err error) {
	for _, o := range d.observers {
		if ro, ok := o.(RunObserver); ok {
			ro.RunFinished(res, err)
		}
	}
}

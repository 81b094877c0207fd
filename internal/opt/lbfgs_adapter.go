package opt

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

var (
	// ErrEmptyProblem is returned for a zero-length parameter vector.
	ErrEmptyProblem = errors.New("problem dimension must be positive")

	// ErrNilObjective is returned when no objective callback is supplied.
	ErrNilObjective = errors.New("objective callback is nil")

	// ErrUnbounded is returned when the objective reaches -Inf.
	ErrUnbounded = errors.New("objective is unbounded below")
)

// LBFGSAdapter wraps gonum's L-BFGS implementation to conform to our
// Minimizer interface. Acceptance of iterates, the gradient test and the
// progress callback are driven from a Converger so that every accepted
// iterate is observed exactly once, in order, after its evaluations.
type LBFGSAdapter struct{}

// NewLBFGS creates a new L-BFGS minimizer adapter
func NewLBFGS() Minimizer {
	return &LBFGSAdapter{}
}

// Minimize executes the L-BFGS optimization using the external library
func (a *LBFGSAdapter) Minimize(x []float64, objective ObjectiveFunc, progress ProgressFunc, params Params) (Outcome, error) {
	if len(x) == 0 {
		return Outcome{Status: StatusInvalidParameter}, ErrEmptyProblem
	}
	if objective == nil {
		return Outcome{Status: StatusInvalidParameter}, ErrNilObjective
	}
	if err := params.Validate(); err != nil {
		return Outcome{Status: StatusInvalidParameter}, err
	}

	run := newLBFGSRun(x, objective, progress, params)

	// Evaluate the starting point ourselves so that an already-minimized
	// problem terminates before the line search is ever entered.
	g0 := make([]float64, len(x))
	f0, err := run.evaluate(x, g0)
	if err != nil {
		return Outcome{Status: StatusFailed, Evaluations: run.evaluations}, err
	}
	run.acceptedF = f0
	if run.gradientConverged(x, g0) {
		return Outcome{Status: StatusConverged, F: f0, Evaluations: run.evaluations}, nil
	}

	problem := optimize.Problem{
		Func:   run.fn,
		Grad:   run.grad,
		Status: run.status,
	}
	settings := &optimize.Settings{
		InitValues: &optimize.Location{F: f0, Gradient: g0},
		Converger:  run,
	}
	method := &optimize.LBFGS{
		Linesearcher: newLinesearcher(params.LineSearch),
		Store:        params.M,
		// Gradient convergence is decided by the run's converger.
		GradStopThreshold: math.NaN(),
	}

	result, err := optimize.Minimize(problem, x, settings, method)

	outcome := Outcome{
		F:           run.acceptedF,
		Iterations:  run.iterations,
		Evaluations: run.evaluations,
	}
	switch {
	case run.err != nil:
		outcome.Status = StatusFailed
		return outcome, run.err
	case run.stopped:
		outcome.Status = StatusStopped
	case run.finished:
		outcome.Status = run.final
	case result == nil:
		outcome.Status = StatusFailed
		if err == nil {
			err = errors.New("minimizer returned no result")
		}
		return outcome, err
	default:
		outcome.Status, err = mapStatus(result.Status, err)
		if err != nil && !outcome.Status.Clean() {
			return outcome, err
		}
	}

	copy(x, run.accepted)
	return outcome, nil
}

// mapStatus translates gonum's termination vocabulary into ours. Errors that
// describe a regular termination (line search failures) are dropped in favour
// of the status.
func mapStatus(status optimize.Status, err error) (Status, error) {
	switch status {
	case optimize.Success, optimize.GradientThreshold, optimize.FunctionThreshold,
		optimize.FunctionConvergence, optimize.StepConvergence, optimize.MethodConverge:
		return StatusConverged, nil
	case optimize.IterationLimit, optimize.RuntimeLimit, optimize.FunctionEvaluationLimit,
		optimize.GradientEvaluationLimit, optimize.HessianEvaluationLimit:
		return StatusMaxIterations, nil
	case optimize.FunctionNegativeInfinity:
		return StatusFailed, ErrUnbounded
	}

	switch {
	case errors.Is(err, optimize.ErrLinesearcherFailure),
		errors.Is(err, optimize.ErrNoProgress),
		errors.Is(err, optimize.ErrNonDescentDirection),
		errors.Is(err, optimize.ErrLinesearcherBound):
		return StatusLineSearchFailed, nil
	case errors.Is(err, optimize.ErrZeroDimensional):
		return StatusInvalidParameter, err
	case err == nil:
		return StatusFailed, fmt.Errorf("minimizer terminated with %v", status)
	}
	return StatusFailed, err
}

// newLinesearcher maps a line search name to a gonum searcher. optimize.LBFGS
// needs steps satisfying the strong Wolfe conditions, which rules out
// Backtracking.
func newLinesearcher(name string) optimize.Linesearcher {
	switch name {
	case LineSearchBisection:
		return &optimize.Bisection{}
	default:
		return &optimize.MoreThuente{}
	}
}

// lbfgsRun carries the state of one Minimize call. gonum evaluates and
// converges on its own goroutines, but strictly one task at a time, so the
// fields are never touched concurrently.
type lbfgsRun struct {
	objective ObjectiveFunc
	progress  ProgressFunc
	params    Params
	inner     optimize.Converger

	x0        []float64
	accepted  []float64
	acceptedF float64

	// Last evaluation, reused when gonum asks for the gradient at the point
	// whose value it just requested.
	lastX  []float64
	lastG  []float64
	lastF  float64
	cached bool

	evaluations int
	sinceAccept int
	iterations  int
	seenStart   bool
	stopped     bool
	finished    bool
	final       Status
	err         error
}

func newLBFGSRun(x []float64, objective ObjectiveFunc, progress ProgressFunc, params Params) *lbfgsRun {
	n := len(x)
	run := &lbfgsRun{
		objective: objective,
		progress:  progress,
		params:    params,
		x0:        append([]float64(nil), x...),
		accepted:  append([]float64(nil), x...),
		lastX:     make([]float64, n),
		lastG:     make([]float64, n),
	}
	if params.Past > 0 {
		run.inner = &optimize.FunctionConverge{
			Absolute:   params.Delta,
			Relative:   params.Delta,
			Iterations: params.Past,
		}
	} else {
		run.inner = &optimize.FunctionConverge{Absolute: 1e-10, Iterations: 100}
	}
	return run
}

func (r *lbfgsRun) evaluate(x, g []float64) (float64, error) {
	r.evaluations++
	r.sinceAccept++
	step := floats.Distance(x, r.accepted, 2)
	f, err := r.objective(x, g, step)
	if err != nil {
		r.err = err
		return math.NaN(), err
	}
	copy(r.lastX, x)
	copy(r.lastG, g)
	r.lastF = f
	r.cached = true
	return f, nil
}

func (r *lbfgsRun) fn(x []float64) float64 {
	if r.err != nil {
		return math.NaN()
	}
	g := make([]float64, len(x))
	f, err := r.evaluate(x, g)
	if err != nil {
		return math.NaN()
	}
	return f
}

func (r *lbfgsRun) grad(g, x []float64) {
	if r.err != nil {
		for i := range g {
			g[i] = math.NaN()
		}
		return
	}
	if r.cached && floats.Equal(r.lastX, x) {
		copy(g, r.lastG)
		return
	}
	if _, err := r.evaluate(x, g); err != nil {
		for i := range g {
			g[i] = math.NaN()
		}
	}
}

// status lets gonum abort the run right after a failed evaluation.
func (r *lbfgsRun) status() (optimize.Status, error) {
	if r.err != nil {
		return optimize.Failure, r.err
	}
	return optimize.NotTerminated, nil
}

// gradientConverged applies the liblbfgs test |g| <= epsilon * max(1, |x|).
func (r *lbfgsRun) gradientConverged(x, g []float64) bool {
	xnorm := math.Max(floats.Norm(x, 2), 1)
	return floats.Norm(g, 2)/xnorm <= r.params.Epsilon
}

// Init implements optimize.Converger.
func (r *lbfgsRun) Init(dim int) {
	r.inner.Init(dim)
}

// Converged implements optimize.Converger. gonum calls it once per major
// iteration, which makes it the point where iterates are accepted.
func (r *lbfgsRun) Converged(loc *optimize.Location) optimize.Status {
	if !r.seenStart {
		r.seenStart = true
		if floats.Equal(loc.X, r.x0) {
			r.sinceAccept = 0
			return r.inner.Converged(loc)
		}
	}

	step := floats.Distance(loc.X, r.accepted, 2)
	copy(r.accepted, loc.X)
	r.acceptedF = loc.F
	r.iterations++

	p := Progress{
		Iteration:  r.iterations,
		F:          loc.F,
		X:          loc.X,
		G:          loc.Gradient,
		XNorm:      floats.Norm(loc.X, 2),
		GNorm:      floats.Norm(loc.Gradient, 2),
		Step:       step,
		LineSearch: r.sinceAccept,
	}
	r.sinceAccept = 0

	if r.progress != nil && r.progress(p) == Stop {
		r.stopped = true
		return optimize.Success
	}
	if r.gradientConverged(loc.X, loc.Gradient) {
		r.finished, r.final = true, StatusConverged
		return optimize.GradientThreshold
	}
	if r.params.MaxIterations > 0 && r.iterations >= r.params.MaxIterations {
		r.finished, r.final = true, StatusMaxIterations
		return optimize.IterationLimit
	}
	return r.inner.Converged(loc)
}

package opt

import "math"

// Line search names accepted by Params.LineSearch.
const (
	LineSearchMoreThuente = "morethuente"
	LineSearchBisection   = "bisection"
)

// Params holds the minimizer tuning parameters. They are captured once at
// session start and handed to the minimizer unmodified.
type Params struct {
	// M is the number of correction pairs kept in the limited-memory
	// Hessian approximation.
	M int `json:"m" koanf:"m"`

	// Epsilon is the gradient-norm convergence tolerance.
	Epsilon float64 `json:"epsilon" koanf:"epsilon"`

	// MaxIterations bounds the number of accepted iterations (0 = unbounded).
	MaxIterations int `json:"maxIterations" koanf:"max_iterations"`

	// LineSearch selects the step-length algorithm.
	LineSearch string `json:"lineSearch" koanf:"line_search"`

	// Past and Delta enable the function-value stopping test: stop when the
	// objective improved by less than Delta over the last Past iterations.
	// Past = 0 keeps the minimizer's default window.
	Past  int     `json:"past,omitempty" koanf:"past"`
	Delta float64 `json:"delta,omitempty" koanf:"delta"`
}

// DefaultParams returns m = 4 and epsilon = 1e-9 with a More-Thuente line search.
func DefaultParams() Params {
	return Params{
		M:          4,
		Epsilon:    1e-9,
		LineSearch: LineSearchMoreThuente,
	}
}

// Validate checks the parameters before any evaluation takes place.
func (p Params) Validate() error {
	if p.M <= 0 {
		return &ParamError{Field: "M", Reason: "must be positive"}
	}
	if !(p.Epsilon > 0) || math.IsInf(p.Epsilon, 1) {
		return &ParamError{Field: "Epsilon", Reason: "must be a positive finite number"}
	}
	if p.MaxIterations < 0 {
		return &ParamError{Field: "MaxIterations", Reason: "cannot be negative"}
	}
	switch p.LineSearch {
	case "", LineSearchMoreThuente, LineSearchBisection:
	default:
		return &ParamError{Field: "LineSearch", Reason: "unknown algorithm " + p.LineSearch}
	}
	if p.Past < 0 {
		return &ParamError{Field: "Past", Reason: "cannot be negative"}
	}
	if p.Delta < 0 || math.IsNaN(p.Delta) {
		return &ParamError{Field: "Delta", Reason: "cannot be negative"}
	}
	return nil
}

// ParamError reports an invalid minimizer parameter.
type ParamError struct {
	Field  string
	Reason string
}

func (e *ParamError) Error() string {
	return "invalid parameter: " + e.Field + " " + e.Reason
}

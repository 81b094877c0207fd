package opt

import "fmt"

// ObjectiveFunc evaluates the objective at x and writes the gradient into g.
// Both slices have the problem dimension and are owned by the minimizer; the
// callee must not retain them after returning. step is the distance of x from
// the last accepted iterate.
type ObjectiveFunc func(x, g []float64, step float64) (float64, error)

// ProgressFunc is called once per accepted iteration, after every objective
// evaluation belonging to that iteration.
type ProgressFunc func(p Progress) Action

// Progress describes an accepted iteration. X and G are borrowed from the
// minimizer and are only valid during the call.
type Progress struct {
	Iteration  int
	F          float64
	X          []float64
	G          []float64
	XNorm      float64
	GNorm      float64
	Step       float64 // distance from the previous accepted iterate
	LineSearch int     // objective evaluations spent on this iteration
}

// Action is the progress callback's verdict.
type Action int

const (
	Continue Action = iota
	Stop
)

// Outcome summarizes a finished minimization.
type Outcome struct {
	Status      Status
	F           float64
	Iterations  int
	Evaluations int
}

// Minimizer defines a quasi-Newton minimization algorithm.
type Minimizer interface {
	// Minimize runs until termination, updating x in place with the final
	// iterate. objective is called one or more times per iteration and
	// progress once per accepted iteration. A non-nil error means the run
	// was aborted; Outcome.Status still carries the termination code.
	Minimize(x []float64, objective ObjectiveFunc, progress ProgressFunc, params Params) (Outcome, error)
}

// Status is the termination code of a minimization.
type Status int

const (
	StatusConverged Status = iota
	StatusStopped
	StatusMaxIterations
	StatusLineSearchFailed
	StatusInvalidParameter
	StatusOutOfMemory
	StatusFailed
)

var statusNames = map[Status]string{
	StatusConverged:        "converged",
	StatusStopped:          "stopped",
	StatusMaxIterations:    "max-iterations",
	StatusLineSearchFailed: "line-search-failed",
	StatusInvalidParameter: "invalid-parameter",
	StatusOutOfMemory:      "out-of-memory",
	StatusFailed:           "failed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Code returns the numeric status in the liblbfgs vocabulary, which is what
// the termination line reports.
func (s Status) Code() int {
	switch s {
	case StatusConverged:
		return 0
	case StatusStopped:
		return 1
	case StatusMaxIterations:
		return -997
	case StatusLineSearchFailed:
		return -998
	case StatusInvalidParameter:
		return -995
	case StatusOutOfMemory:
		return -1022
	default:
		return -1024
	}
}

// Clean reports whether the status is a regular minimizer termination, as
// opposed to a rejected configuration or an aborted run.
func (s Status) Clean() bool {
	switch s {
	case StatusConverged, StatusStopped, StatusMaxIterations, StatusLineSearchFailed:
		return true
	}
	return false
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return StatusFailed, fmt.Errorf("unknown status: %s", name)
}

// MarshalText implements encoding.TextMarshaler so statuses persist by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

package store

import (
	"fmt"
	"math"
	"time"

	"github.com/cwbudde/lbfgsbridge/internal/bridge"
	"github.com/cwbudde/lbfgsbridge/internal/opt"
)

// RunSettings records how a run was configured.
type RunSettings struct {
	Evaluator string     `json:"evaluator"`          // builtin, nats, process
	Function  string     `json:"function,omitempty"` // builtin function or remote subject/command
	Dimension int        `json:"dimension"`
	Delivery  string     `json:"delivery"`
	Params    opt.Params `json:"params"`

	// ResumedFrom is the run whose weights seeded this one.
	ResumedFrom string `json:"resumedFrom,omitempty"`
}

// RunRecord is the persisted outcome of one optimization run.
//
// Weights is only present when the minimizer terminated cleanly; a failed
// run keeps its starting point in Initial and the failure in Error, so it
// can be inspected but not used to seed another run.
type RunRecord struct {
	// RunID is the unique identifier of the run directory
	RunID string `json:"runId"`

	// SessionID is the bridge session that executed the run (empty if the
	// run was rejected before it started)
	SessionID string `json:"sessionId,omitempty"`

	Status     opt.Status `json:"status"`
	StatusCode int        `json:"statusCode"`

	// F is the objective value at Weights
	F float64 `json:"f"`

	Initial []float64 `json:"initial"`
	Weights []float64 `json:"weights,omitempty"`

	Iterations  int           `json:"iterations"`
	Evaluations int           `json:"evaluations"`
	Elapsed     time.Duration `json:"elapsed"`
	Timestamp   time.Time     `json:"timestamp"`

	Settings RunSettings `json:"settings"`
	Error    string      `json:"error,omitempty"`
}

// RunInfo contains run metadata without the weight vectors.
type RunInfo struct {
	RunID      string     `json:"runId"`
	Status     opt.Status `json:"status"`
	F          float64    `json:"f"`
	Iterations int        `json:"iterations"`
	Dimension  int        `json:"dimension"`
	Evaluator  string     `json:"evaluator"`
	Timestamp  time.Time  `json:"timestamp"`
}

// NewRunRecord builds a record from a driver result.
func NewRunRecord(runID string, initial []float64, res *bridge.Result, runErr error, settings RunSettings) *RunRecord {
	record := &RunRecord{
		RunID:     runID,
		Initial:   append([]float64(nil), initial...),
		Timestamp: time.Now(),
		Settings:  settings,
	}
	if res != nil {
		record.SessionID = res.SessionID
		record.Status = res.Status
		record.StatusCode = res.Status.Code()
		record.F = res.F
		record.Weights = res.Weights
		record.Iterations = res.Iterations
		record.Evaluations = res.Evaluations
		record.Elapsed = res.Elapsed
	}
	if runErr != nil {
		record.Error = runErr.Error()
	}
	// NaN does not survive JSON encoding.
	if math.IsNaN(record.F) || math.IsInf(record.F, 0) {
		record.F = 0
	}
	return record
}

// ToInfo converts a full RunRecord to RunInfo (metadata only).
func (r *RunRecord) ToInfo() RunInfo {
	return RunInfo{
		RunID:      r.RunID,
		Status:     r.Status,
		F:          r.F,
		Iterations: r.Iterations,
		Dimension:  r.Settings.Dimension,
		Evaluator:  r.Settings.Evaluator,
		Timestamp:  r.Timestamp,
	}
}

// Validate checks if the record has valid data.
func (r *RunRecord) Validate() error {
	if r.RunID == "" {
		return &ValidationError{Field: "RunID", Reason: "cannot be empty"}
	}
	if r.Settings.Dimension <= 0 {
		return &ValidationError{Field: "Settings.Dimension", Reason: "must be positive"}
	}
	if len(r.Initial) != r.Settings.Dimension {
		return &ValidationError{
			Field:  "Initial",
			Reason: fmt.Sprintf("length mismatch: expected %d entries", r.Settings.Dimension),
		}
	}
	if r.Weights != nil && len(r.Weights) != r.Settings.Dimension {
		return &ValidationError{
			Field:  "Weights",
			Reason: fmt.Sprintf("length mismatch: expected %d entries", r.Settings.Dimension),
		}
	}
	if r.Weights != nil && !r.Status.Clean() {
		return &ValidationError{Field: "Weights", Reason: "must be empty for status " + r.Status.String()}
	}
	if r.Iterations < 0 || r.Evaluations < 0 {
		return &ValidationError{Field: "Iterations", Reason: "cannot be negative"}
	}
	if r.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	return nil
}

// ValidationError represents a record validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// SeedWeights returns the final weights of the run for seeding a new run of
// the given dimension.
func (r *RunRecord) SeedWeights(dimension int) ([]float64, error) {
	if r.Weights == nil {
		return nil, &CompatibilityError{
			Field:    "Weights",
			Expected: "a cleanly terminated run",
			Actual:   r.Status.String(),
		}
	}
	if len(r.Weights) != dimension {
		return nil, &CompatibilityError{
			Field:    "Dimension",
			Expected: fmt.Sprintf("%d", len(r.Weights)),
			Actual:   fmt.Sprintf("%d", dimension),
		}
	}
	return append([]float64(nil), r.Weights...), nil
}

// CompatibilityError represents a stored run that cannot seed a new run.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}

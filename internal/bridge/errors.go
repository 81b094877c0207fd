package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidLength is returned for an empty buffer or one whose length
	// differs from the problem size fixed by an earlier initialization.
	ErrInvalidLength = errors.New("invalid buffer length")

	// ErrSizeMismatch is returned when a buffer handed across the evaluator
	// boundary does not have exactly N entries.
	ErrSizeMismatch = errors.New("buffer size mismatch")

	// ErrAlreadyRunning is returned when a session is started while another
	// one is active.
	ErrAlreadyRunning = errors.New("optimization already running")

	// ErrNoActiveSession is returned when session state is needed outside a run.
	ErrNoActiveSession = errors.New("no active optimization session")

	// ErrUnconfigured is returned when a run starts before the weights were set.
	ErrUnconfigured = errors.New("weights not initialized")

	// ErrSchema is returned when the evaluator lacks the capability required
	// by the selected gradient delivery.
	ErrSchema = errors.New("evaluator does not implement the required capability")

	// ErrIncompleteGradient is returned when an evaluation left gradient
	// entries unset or non-finite.
	ErrIncompleteGradient = errors.New("gradient not fully populated")

	// ErrEvaluator matches every failure raised by a foreign evaluator.
	ErrEvaluator = errors.New("evaluator failed")

	// ErrSessionActive is returned when the weights are replaced while a run
	// holds them.
	ErrSessionActive = errors.New("weights are held by an active session")
)

// EvaluatorError wraps a failed objective callback.
type EvaluatorError struct {
	SessionID string
	Call      int
	Err       error
}

func (e *EvaluatorError) Error() string {
	return fmt.Sprintf("evaluator failed in session %s on call %d: %v", e.SessionID, e.Call, e.Err)
}

// Is allows errors.Is(err, ErrEvaluator) to work
func (e *EvaluatorError) Is(target error) bool {
	return target == ErrEvaluator
}

func (e *EvaluatorError) Unwrap() error {
	return e.Err
}

package bridge

import (
	"fmt"
	"sync"
)

// BufferRegistry owns the weight vector and tracks the gradient vector of an
// optimization run. Once the first buffer is accepted the problem size N is
// fixed; every later buffer must have exactly N entries.
type BufferRegistry struct {
	mu sync.Mutex

	n         int
	weights   []float64
	gradients []float64

	// held is set while a session works on the weights; initial keeps the
	// weights as they were when the run started.
	held    bool
	initial []float64

	// lent is the minimizer's gradient slice, borrowed for one callback.
	lent []float64
}

// NewBufferRegistry creates an empty registry.
func NewBufferRegistry() *BufferRegistry {
	return &BufferRegistry{}
}

// Initialize stores a copy of buf as the weight vector.
func (r *BufferRegistry) Initialize(buf []float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store(buf)
}

// SetWeights replaces the weight vector. It follows the same length rules as
// Initialize and is rejected while a run holds the weights.
func (r *BufferRegistry) SetWeights(buf []float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store(buf)
}

func (r *BufferRegistry) store(buf []float64) error {
	if r.held {
		return ErrSessionActive
	}
	if len(buf) == 0 {
		return fmt.Errorf("%w: empty buffer", ErrInvalidLength)
	}
	if r.n != 0 && len(buf) != r.n {
		return fmt.Errorf("%w: got %d entries, problem size is %d", ErrInvalidLength, len(buf), r.n)
	}
	if r.n == 0 {
		r.n = len(buf)
		r.gradients = make([]float64, r.n)
	}
	r.weights = append(r.weights[:0], buf...)
	return nil
}

// Weights returns a copy of the current weight vector. During a run it is the
// last accepted iterate.
func (r *BufferRegistry) Weights() ([]float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.weights == nil {
		return nil, ErrUnconfigured
	}
	return append([]float64(nil), r.weights...), nil
}

// SetGradients copies buf into the gradient buffer lent by the running
// callback. The buffer is left untouched on failure.
func (r *BufferRegistry) SetGradients(buf []float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lent == nil {
		return fmt.Errorf("%w: %w", ErrSizeMismatch, ErrNoActiveSession)
	}
	if len(buf) != len(r.lent) {
		return fmt.Errorf("%w: got %d entries, expected %d", ErrSizeMismatch, len(buf), len(r.lent))
	}
	copy(r.lent, buf)
	return nil
}

// Gradients returns a snapshot of the last gradient seen by the bridge.
func (r *BufferRegistry) Gradients() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.gradients...)
}

// N returns the fixed problem size, or 0 before the first initialization.
func (r *BufferRegistry) N() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Reset forgets the weights and the problem size.
func (r *BufferRegistry) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.held {
		return ErrSessionActive
	}
	r.n = 0
	r.weights = nil
	r.gradients = nil
	return nil
}

// acquire hands the minimizer a working copy of the weights and blocks
// replacement until release.
func (r *BufferRegistry) acquire() ([]float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.weights == nil {
		return nil, ErrUnconfigured
	}
	if r.held {
		return nil, ErrSessionActive
	}
	r.held = true
	r.initial = append([]float64(nil), r.weights...)
	return append([]float64(nil), r.weights...), nil
}

// track records an accepted iterate.
func (r *BufferRegistry) track(x []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copy(r.weights, x)
}

// release ends the run's hold. With keep the final iterate x becomes the
// weight vector; otherwise the weights revert to their value at acquire.
func (r *BufferRegistry) release(x []float64, keep bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if keep {
		copy(r.weights, x)
	} else if r.initial != nil {
		copy(r.weights, r.initial)
	}
	r.held = false
	r.initial = nil
	r.lent = nil
}

func (r *BufferRegistry) lend(g []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lent = g
}

// reclaim ends a callback's loan and snapshots the gradient it produced.
func (r *BufferRegistry) reclaim() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lent != nil {
		copy(r.gradients, r.lent)
	}
	r.lent = nil
}

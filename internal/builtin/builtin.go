// Package builtin provides analytic objective functions used by the demo
// commands, the evaluator server and the tests.
package builtin

import (
	"context"
	"fmt"
	"sort"

	"github.com/cwbudde/lbfgsbridge/internal/bridge"
)

// Function supports both gradient deliveries.
type Function interface {
	bridge.Evaluator
	bridge.GradientWriter
}

// Quadratic is f(x) = sum_i (x_i - c_i)^2.
type Quadratic struct {
	Center []float64
}

func (q Quadratic) EvaluateInto(_ context.Context, x, g []float64) (float64, error) {
	if len(q.Center) != len(x) {
		return 0, fmt.Errorf("quadratic: center has %d entries, x has %d", len(q.Center), len(x))
	}
	var f float64
	for i := range x {
		d := x[i] - q.Center[i]
		g[i] = 2 * d
		f += d * d
	}
	return f, nil
}

func (q Quadratic) Evaluate(ctx context.Context, x []float64) (bridge.Evaluation, error) {
	return evaluate(ctx, q, x)
}

// Rosenbrock is the pairwise Rosenbrock function
// f(x) = sum over pairs (1 - x_i)^2 + 100 (x_{i+1} - x_i^2)^2, for even n.
type Rosenbrock struct{}

func (Rosenbrock) EvaluateInto(_ context.Context, x, g []float64) (float64, error) {
	if len(x)%2 != 0 {
		return 0, fmt.Errorf("rosenbrock: dimension %d is not even", len(x))
	}
	var f float64
	for i := 0; i < len(x); i += 2 {
		t1 := 1 - x[i]
		t2 := 10 * (x[i+1] - x[i]*x[i])
		g[i+1] = 20 * t2
		g[i] = -2 * (x[i]*g[i+1] + t1)
		f += t1*t1 + t2*t2
	}
	return f, nil
}

func (r Rosenbrock) Evaluate(ctx context.Context, x []float64) (bridge.Evaluation, error) {
	return evaluate(ctx, r, x)
}

// Constant returns Value with a zero gradient everywhere.
type Constant struct {
	Value float64
}

func (c Constant) EvaluateInto(_ context.Context, _, g []float64) (float64, error) {
	for i := range g {
		g[i] = 0
	}
	return c.Value, nil
}

func (c Constant) Evaluate(ctx context.Context, x []float64) (bridge.Evaluation, error) {
	return evaluate(ctx, c, x)
}

func evaluate(ctx context.Context, w bridge.GradientWriter, x []float64) (bridge.Evaluation, error) {
	g := make([]float64, len(x))
	f, err := w.EvaluateInto(ctx, x, g)
	if err != nil {
		return bridge.Evaluation{}, err
	}
	return bridge.Evaluation{F: f, Gradient: g}, nil
}

var constructors = map[string]func(n int) (Function, error){
	"quadratic": func(n int) (Function, error) {
		// Minimum at (3, -1, 3, -1, ...).
		center := make([]float64, n)
		for i := range center {
			if i%2 == 0 {
				center[i] = 3
			} else {
				center[i] = -1
			}
		}
		return Quadratic{Center: center}, nil
	},
	"rosenbrock": func(n int) (Function, error) {
		if n%2 != 0 {
			return nil, fmt.Errorf("rosenbrock needs an even dimension, got %d", n)
		}
		return Rosenbrock{}, nil
	},
	"constant": func(int) (Function, error) {
		return Constant{Value: 5}, nil
	},
}

// New returns the named function for dimension n.
func New(name string, n int) (Function, error) {
	if n <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got %d", n)
	}
	ctor, ok := constructors[name]
	if !ok {
		return nil, fmt.Errorf("unknown function %q (available: %v)", name, Names())
	}
	return ctor(n)
}

// Names lists the available functions.
func Names() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

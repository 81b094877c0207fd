package builtin

import (
	"context"
	"math"
	"testing"

	"github.com/cwbudde/lbfgsbridge/internal/bridge"
	"github.com/cwbudde/lbfgsbridge/internal/opt"
)

func TestRosenbrockMinimum(t *testing.T) {
	x := []float64{1, 1, 1, 1}
	g := make([]float64, 4)
	f, err := Rosenbrock{}.EvaluateInto(context.Background(), x, g)
	if err != nil {
		t.Fatalf("EvaluateInto failed: %v", err)
	}
	if f != 0 {
		t.Errorf("Expected f = 0 at (1, 1), got %v", f)
	}
	for i, v := range g {
		if v != 0 {
			t.Errorf("Expected zero gradient, g[%d] = %v", i, v)
		}
	}
}

func TestRosenbrockGradientMatchesFiniteDifference(t *testing.T) {
	x := []float64{-1.2, 1, 0.5, -0.3}
	g := make([]float64, len(x))
	if _, err := (Rosenbrock{}).EvaluateInto(context.Background(), x, g); err != nil {
		t.Fatalf("EvaluateInto failed: %v", err)
	}

	const h = 1e-6
	scratch := make([]float64, len(x))
	for i := range x {
		xp := append([]float64(nil), x...)
		xm := append([]float64(nil), x...)
		xp[i] += h
		xm[i] -= h
		fp, _ := Rosenbrock{}.EvaluateInto(context.Background(), xp, scratch)
		fm, _ := Rosenbrock{}.EvaluateInto(context.Background(), xm, scratch)
		numeric := (fp - fm) / (2 * h)
		if math.Abs(numeric-g[i]) > 1e-4*math.Max(1, math.Abs(g[i])) {
			t.Errorf("g[%d] = %v, finite difference %v", i, g[i], numeric)
		}
	}
}

func TestRosenbrockOddDimension(t *testing.T) {
	if _, err := (Rosenbrock{}).Evaluate(context.Background(), []float64{1, 2, 3}); err == nil {
		t.Error("Expected error for odd dimension")
	}
	if _, err := New("rosenbrock", 3); err == nil {
		t.Error("Expected New to reject odd dimension")
	}
}

func TestQuadraticEvaluate(t *testing.T) {
	q := Quadratic{Center: []float64{3, -1}}
	e, err := q.Evaluate(context.Background(), []float64{0, 0})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if e.F != 10 {
		t.Errorf("Expected f = 10, got %v", e.F)
	}
	if e.Gradient[0] != -6 || e.Gradient[1] != 2 {
		t.Errorf("Expected gradient [-6 2], got %v", e.Gradient)
	}
	if _, err := q.Evaluate(context.Background(), []float64{0}); err == nil {
		t.Error("Expected error for mismatched center")
	}
}

func TestNew(t *testing.T) {
	for _, name := range Names() {
		fn, err := New(name, 4)
		if err != nil {
			t.Errorf("New(%q) failed: %v", name, err)
			continue
		}
		e, err := fn.Evaluate(context.Background(), make([]float64, 4))
		if err != nil || len(e.Gradient) != 4 {
			t.Errorf("%s: Evaluate = %+v, %v", name, e, err)
		}
	}
	if _, err := New("himmelblau", 2); err == nil {
		t.Error("Expected error for unknown function")
	}
	if _, err := New("quadratic", 0); err == nil {
		t.Error("Expected error for zero dimension")
	}
}

func TestRosenbrockThroughDriver(t *testing.T) {
	d := bridge.NewDriver(opt.NewLBFGS())
	cfg := bridge.DefaultRunConfig()
	cfg.Delivery = bridge.DeliveryDirect
	cfg.Params.MaxIterations = 500

	res, err := d.Run(context.Background(), make([]float64, 6), Rosenbrock{}, cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Status.Clean() {
		t.Fatalf("Expected clean termination, got %v", res.Status)
	}
	for i, w := range res.Weights {
		if math.Abs(w-1) > 1e-3 {
			t.Errorf("Weight %d = %v, expected near 1", i, w)
		}
	}
}

package bridge

import (
	"context"
	"fmt"
)

// Evaluation is the result of one objective evaluation.
type Evaluation struct {
	F        float64
	Gradient []float64
}

// Evaluator computes the objective and returns its own gradient slice, which
// the bridge copies into the minimizer's buffer.
type Evaluator interface {
	Evaluate(ctx context.Context, x []float64) (Evaluation, error)
}

// GradientWriter computes the objective and writes the gradient straight into
// g, either directly or through Driver.SetGradients. x and g are borrowed for
// the duration of the call.
type GradientWriter interface {
	EvaluateInto(ctx context.Context, x, g []float64) (float64, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, x []float64) (Evaluation, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, x []float64) (Evaluation, error) {
	return f(ctx, x)
}

// GradientWriterFunc adapts a function to the GradientWriter interface.
type GradientWriterFunc func(ctx context.Context, x, g []float64) (float64, error)

func (f GradientWriterFunc) EvaluateInto(ctx context.Context, x, g []float64) (float64, error) {
	return f(ctx, x, g)
}

// Delivery selects how gradients travel from the evaluator to the minimizer.
type Delivery int

const (
	// DeliveryCopy expects an Evaluator; its gradient is copied element by element.
	DeliveryCopy Delivery = iota
	// DeliveryDirect expects a GradientWriter filling the minimizer's buffer.
	DeliveryDirect
)

func (d Delivery) String() string {
	switch d {
	case DeliveryCopy:
		return "copy"
	case DeliveryDirect:
		return "direct"
	}
	return fmt.Sprintf("delivery(%d)", int(d))
}

// ParseDelivery parses "copy" or "direct".
func ParseDelivery(name string) (Delivery, error) {
	switch name {
	case "copy", "":
		return DeliveryCopy, nil
	case "direct":
		return DeliveryDirect, nil
	}
	return DeliveryCopy, fmt.Errorf("unknown gradient delivery: %s", name)
}

// binding is the evaluator capability resolved once at session start.
type binding struct {
	delivery Delivery
	copier   Evaluator
	writer   GradientWriter
}

func bind(caller any, delivery Delivery) (binding, error) {
	switch delivery {
	case DeliveryCopy:
		if ev, ok := caller.(Evaluator); ok {
			return binding{delivery: delivery, copier: ev}, nil
		}
		return binding{}, fmt.Errorf("%w: copy delivery needs Evaluate, got %T", ErrSchema, caller)
	case DeliveryDirect:
		if w, ok := caller.(GradientWriter); ok {
			return binding{delivery: delivery, writer: w}, nil
		}
		return binding{}, fmt.Errorf("%w: direct delivery needs EvaluateInto, got %T", ErrSchema, caller)
	}
	return binding{}, fmt.Errorf("%w: unknown delivery %v", ErrSchema, delivery)
}

// evaluate runs the bound capability and leaves the gradient in g.
func (b binding) evaluate(ctx context.Context, x, g []float64) (float64, error) {
	if b.delivery == DeliveryDirect {
		return b.writer.EvaluateInto(ctx, x, g)
	}

	result, err := b.copier.Evaluate(ctx, x)
	if err != nil {
		return result.F, err
	}
	if len(result.Gradient) != len(g) {
		return result.F, fmt.Errorf("%w: evaluator returned %d gradient entries, expected %d",
			ErrSizeMismatch, len(result.Gradient), len(g))
	}
	for i := range g {
		g[i] = result.Gradient[i]
	}
	return result.F, nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Delivery) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Delivery) UnmarshalText(text []byte) error {
	parsed, err := ParseDelivery(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

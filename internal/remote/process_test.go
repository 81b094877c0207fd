package remote

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/cwbudde/lbfgsbridge/internal/bridge"
	"github.com/cwbudde/lbfgsbridge/internal/builtin"
	"github.com/cwbudde/lbfgsbridge/internal/opt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperEvaluatorProcess is not a real test: it is the child process
// started by the ProcessEvaluator tests.
func TestHelperEvaluatorProcess(t *testing.T) {
	if os.Getenv("LBFGSBRIDGE_HELPER_PROCESS") != "1" {
		return
	}
	var ev bridge.Evaluator = builtin.Quadratic{Center: []float64{3, -1}}
	if os.Getenv("LBFGSBRIDGE_HELPER_MODE") == "exit" {
		os.Exit(3)
	}
	if err := ServeLines(context.Background(), os.Stdin, os.Stdout, ev); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func startHelper(t *testing.T, mode string) *ProcessEvaluator {
	t.Helper()
	p, err := StartProcess(context.Background(), ProcessConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperEvaluatorProcess"},
		Env:     []string{"LBFGSBRIDGE_HELPER_PROCESS=1", "LBFGSBRIDGE_HELPER_MODE=" + mode},
	}, nil)
	require.NoError(t, err)
	return p
}

func TestProcessEvaluatorRoundTrip(t *testing.T) {
	p := startHelper(t, "serve")

	e, err := p.Evaluate(context.Background(), []float64{0, 0})
	require.NoError(t, err)
	assert.Equal(t, 10.0, e.F)
	assert.Equal(t, []float64{-6, 2}, e.Gradient)

	e, err = p.Evaluate(context.Background(), []float64{3, -1})
	require.NoError(t, err)
	assert.Equal(t, 0.0, e.F)

	require.NoError(t, p.Close())
	_, err = p.Evaluate(context.Background(), []float64{0, 0})
	assert.ErrorIs(t, err, ErrProcessClosed)
}

func TestProcessEvaluatorDriverRun(t *testing.T) {
	p := startHelper(t, "serve")
	defer p.Close()

	d := bridge.NewDriver(opt.NewLBFGS())
	res, err := d.Run(context.Background(), []float64{0, 0}, p, bridge.DefaultRunConfig())
	require.NoError(t, err)
	assert.Equal(t, opt.StatusConverged, res.Status)
	assert.InDelta(t, 3.0, res.Weights[0], 1e-6)
	assert.InDelta(t, -1.0, res.Weights[1], 1e-6)
}

func TestProcessEvaluatorChildExits(t *testing.T) {
	p := startHelper(t, "exit")
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := p.Evaluate(ctx, []float64{0, 0})
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.DeadlineExceeded), "expected a read failure, got %v", err)
}

func TestStartProcessRejectsEmptyCommand(t *testing.T) {
	_, err := StartProcess(context.Background(), ProcessConfig{}, nil)
	assert.Error(t, err)
}

func TestServeLines(t *testing.T) {
	in := strings.NewReader(`{"x":[0,0],"n":2}` + "\n\n" + `{"x":[1],"n":2}` + "\n")
	var out bytes.Buffer

	err := ServeLines(context.Background(), in, &out, builtin.Quadratic{Center: []float64{3, -1}})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)

	e, err := decodeResponse([]byte(lines[0]), 2)
	require.NoError(t, err)
	assert.Equal(t, 10.0, e.F)

	_, err = decodeResponse([]byte(lines[1]), 2)
	assert.ErrorIs(t, err, ErrRemote)
}

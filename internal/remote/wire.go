// Package remote hosts evaluators outside the optimizing process: behind a
// NATS subject or in a child process speaking JSON lines.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cwbudde/lbfgsbridge/internal/bridge"
)

// ErrRemote is returned when the remote side reports a failed evaluation.
var ErrRemote = errors.New("remote evaluation failed")

// Request asks for the objective and gradient at X.
type Request struct {
	X []float64 `json:"x"`
	N int       `json:"n"`
}

// Response carries the evaluation result or an error message.
type Response struct {
	F     float64   `json:"f"`
	G     []float64 `json:"g"`
	Error string    `json:"error,omitempty"`
}

func encodeRequest(x []float64) ([]byte, error) {
	data, err := json.Marshal(Request{X: x, N: len(x)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return data, nil
}

func decodeResponse(data []byte, n int) (bridge.Evaluation, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return bridge.Evaluation{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.Error != "" {
		return bridge.Evaluation{}, fmt.Errorf("%w: %s", ErrRemote, resp.Error)
	}
	if len(resp.G) != n {
		return bridge.Evaluation{}, fmt.Errorf("%w: response has %d gradient entries, expected %d",
			bridge.ErrSizeMismatch, len(resp.G), n)
	}
	return bridge.Evaluation{F: resp.F, Gradient: resp.G}, nil
}

// handle answers one encoded request with ev. It never fails; errors travel
// back in Response.Error.
func handle(ctx context.Context, ev bridge.Evaluator, data []byte) []byte {
	resp := respond(ctx, ev, data)
	out, err := json.Marshal(resp)
	if err != nil {
		out, _ = json.Marshal(Response{Error: fmt.Sprintf("failed to encode response: %v", err)})
	}
	return out
}

func respond(ctx context.Context, ev bridge.Evaluator, data []byte) Response {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Response{Error: fmt.Sprintf("invalid request: %v", err)}
	}
	if len(req.X) == 0 || len(req.X) != req.N {
		return Response{Error: fmt.Sprintf("invalid request: x has %d entries, n is %d", len(req.X), req.N)}
	}
	e, err := ev.Evaluate(ctx, req.X)
	if err != nil {
		return Response{Error: err.Error()}
	}
	return Response{F: e.F, G: e.Gradient}
}

package remote

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/lbfgsbridge/internal/bridge"
	"github.com/nats-io/nats.go"
)

const (
	// DefaultSubject is the request subject evaluators listen on.
	DefaultSubject = "lbfgs.evaluate"

	// QueueGroup spreads requests across every responder on a subject.
	QueueGroup = "lbfgs-evaluators"
)

// NATSEvaluator forwards evaluations to a responder over NATS request/reply.
type NATSEvaluator struct {
	conn    *nats.Conn
	subject string
	timeout time.Duration
}

// NewNATSEvaluator creates an evaluator sending requests on subject. A
// positive timeout bounds every request.
func NewNATSEvaluator(conn *nats.Conn, subject string, timeout time.Duration) *NATSEvaluator {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSEvaluator{conn: conn, subject: subject, timeout: timeout}
}

// Evaluate implements bridge.Evaluator.
func (e *NATSEvaluator) Evaluate(ctx context.Context, x []float64) (bridge.Evaluation, error) {
	data, err := encodeRequest(x)
	if err != nil {
		return bridge.Evaluation{}, err
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	msg, err := e.conn.RequestWithContext(ctx, e.subject, data)
	if err != nil {
		return bridge.Evaluation{}, fmt.Errorf("request on %s: %w", e.subject, err)
	}
	return decodeResponse(msg.Data, len(x))
}

// Responder answers evaluation requests on a NATS subject.
type Responder struct {
	sub    *nats.Subscription
	logger *slog.Logger
}

// Listen subscribes ev to subject in the shared queue group.
func Listen(ctx context.Context, conn *nats.Conn, subject string, ev bridge.Evaluator, logger *slog.Logger) (*Responder, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}

	sub, err := conn.QueueSubscribe(subject, QueueGroup, func(msg *nats.Msg) {
		start := time.Now()
		out := handle(ctx, ev, msg.Data)
		if err := msg.Respond(out); err != nil {
			logger.Error("Failed to send evaluation reply", "subject", subject, "error", err)
			return
		}
		logger.Debug("Evaluation served", "subject", subject, "elapsed", time.Since(start))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	if err := conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("failed to flush subscription: %w", err)
	}

	logger.Info("Evaluator listening", "subject", subject, "queue", QueueGroup)
	return &Responder{sub: sub, logger: logger}, nil
}

// Close drains pending requests and removes the subscription.
func (r *Responder) Close() error {
	if err := r.sub.Drain(); err != nil {
		return fmt.Errorf("failed to drain subscription: %w", err)
	}
	return nil
}

// Serve answers requests on subject until ctx is done.
func Serve(ctx context.Context, conn *nats.Conn, subject string, ev bridge.Evaluator, logger *slog.Logger) error {
	r, err := Listen(ctx, conn, subject, ev, logger)
	if err != nil {
		return err
	}
	<-ctx.Done()
	return r.Close()
}

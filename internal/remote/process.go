package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cwbudde/lbfgsbridge/internal/bridge"
)

// maxLineSize bounds one JSON message; large problems send long vectors.
const maxLineSize = 64 << 20

// ErrProcessClosed is returned once the child process is gone.
var ErrProcessClosed = errors.New("evaluator process not running")

// ProcessConfig describes the child process to start.
type ProcessConfig struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
}

// ProcessEvaluator runs an evaluator in a child process and exchanges one
// JSON request and one JSON response per line over its stdin and stdout.
type ProcessEvaluator struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  *bufio.Scanner
	logger *slog.Logger
	closed bool
}

// StartProcess launches the child process.
func StartProcess(ctx context.Context, cfg ProcessConfig, logger *slog.Logger) (*ProcessEvaluator, error) {
	if cfg.Command == "" {
		return nil, errors.New("evaluator command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start evaluator %s: %w", cfg.Command, err)
	}

	lines := bufio.NewScanner(stdout)
	lines.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	logger.Info("Evaluator process started", "command", cfg.Command, "pid", cmd.Process.Pid)
	return &ProcessEvaluator{
		cmd:    cmd,
		stdin:  stdin,
		lines:  lines,
		logger: logger,
	}, nil
}

// Evaluate implements bridge.Evaluator. A cancelled context kills the child,
// since a half-finished exchange cannot be resynchronized.
func (p *ProcessEvaluator) Evaluate(ctx context.Context, x []float64) (bridge.Evaluation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return bridge.Evaluation{}, ErrProcessClosed
	}

	data, err := encodeRequest(x)
	if err != nil {
		return bridge.Evaluation{}, err
	}

	type reply struct {
		line []byte
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		if _, err := p.stdin.Write(append(data, '\n')); err != nil {
			done <- reply{err: fmt.Errorf("write request: %w", err)}
			return
		}
		if !p.lines.Scan() {
			err := p.lines.Err()
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			done <- reply{err: fmt.Errorf("read response: %w", err)}
			return
		}
		done <- reply{line: append([]byte(nil), p.lines.Bytes()...)}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return bridge.Evaluation{}, r.err
		}
		return decodeResponse(r.line, len(x))
	case <-ctx.Done():
		p.kill()
		<-done
		return bridge.Evaluation{}, ctx.Err()
	}
}

func (p *ProcessEvaluator) kill() {
	p.closed = true
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// Close ends the child by closing its stdin and waits for it to exit.
func (p *ProcessEvaluator) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	wasClosed := p.closed
	p.closed = true
	_ = p.stdin.Close()

	done := make(chan error, 1)
	go func() {
		done <- p.cmd.Wait()
	}()

	select {
	case err := <-done:
		if wasClosed {
			return nil
		}
		if err != nil {
			return fmt.Errorf("evaluator process: %w", err)
		}
	case <-time.After(5 * time.Second):
		_ = p.cmd.Process.Kill()
		<-done
	}
	p.logger.Info("Evaluator process stopped", "pid", p.cmd.Process.Pid)
	return nil
}

// ServeLines answers JSON-line requests from r on w until r is exhausted or
// ctx is done. It is the child side of ProcessEvaluator.
func ServeLines(ctx context.Context, r io.Reader, w io.Writer, ev bridge.Evaluator) error {
	lines := bufio.NewScanner(r)
	lines.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	out := bufio.NewWriter(w)

	for lines.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(lines.Bytes()) == 0 {
			continue
		}
		if _, err := out.Write(append(handle(ctx, ev, lines.Bytes()), '\n')); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
		if err := out.Flush(); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	return lines.Err()
}

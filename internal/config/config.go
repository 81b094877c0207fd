// Package config provides configuration loading for lbfgsbridge.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/cwbudde/lbfgsbridge/internal/bridge"
	"github.com/cwbudde/lbfgsbridge/internal/builtin"
	"github.com/cwbudde/lbfgsbridge/internal/opt"
)

// Evaluator kinds.
const (
	EvaluatorBuiltin = "builtin"
	EvaluatorNATS    = "nats"
	EvaluatorProcess = "process"
)

// Config is the complete lbfgsbridge configuration.
type Config struct {
	Optimizer opt.Params      `koanf:"optimizer"`
	Stall     opt.StallConfig `koanf:"stall"`
	Run       RunConfig       `koanf:"run"`
	Evaluator EvaluatorConfig `koanf:"evaluator"`
	NATS      NATSConfig      `koanf:"nats"`
	Store     StoreConfig     `koanf:"store"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

// RunConfig selects the problem shape and the gradient delivery.
type RunConfig struct {
	Dimension int    `koanf:"dimension"`
	Delivery  string `koanf:"delivery"`
}

// EvaluatorConfig selects where objective evaluations happen.
type EvaluatorConfig struct {
	Kind     string   `koanf:"kind"`
	Function string   `koanf:"function"`
	Command  string   `koanf:"command"`
	Args     []string `koanf:"args"`
	Dir      string   `koanf:"dir"`
}

// NATSConfig configures the message bus transport.
type NATSConfig struct {
	URL     string        `koanf:"url"`
	Subject string        `koanf:"subject"`
	Timeout time.Duration `koanf:"timeout"`
}

// StoreConfig configures run persistence.
type StoreConfig struct {
	Dir string `koanf:"dir"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// RunConfig converts the optimizer settings for bridge.Driver.Run.
func (c *Config) RunConfig() (bridge.RunConfig, error) {
	delivery, err := bridge.ParseDelivery(c.Run.Delivery)
	if err != nil {
		return bridge.RunConfig{}, err
	}
	return bridge.RunConfig{Params: c.Optimizer, Delivery: delivery}, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Optimizer.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("optimizer: %w", err))
	}
	if c.Stall.Enabled && c.Stall.Patience <= 0 {
		errs = append(errs, errors.New("stall.patience must be positive when stall detection is enabled"))
	}
	if c.Run.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("run.dimension must be positive, got %d", c.Run.Dimension))
	}
	if _, err := bridge.ParseDelivery(c.Run.Delivery); err != nil {
		errs = append(errs, fmt.Errorf("run.delivery: %w", err))
	}

	switch c.Evaluator.Kind {
	case EvaluatorBuiltin:
		if _, err := builtin.New(c.Evaluator.Function, max(c.Run.Dimension, 2)); err != nil {
			errs = append(errs, fmt.Errorf("evaluator.function: %w", err))
		}
	case EvaluatorNATS:
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url is required for the nats evaluator"))
		}
		if c.Run.Delivery == "direct" {
			errs = append(errs, errors.New("the nats evaluator only supports copy delivery"))
		}
	case EvaluatorProcess:
		if c.Evaluator.Command == "" {
			errs = append(errs, errors.New("evaluator.command is required for the process evaluator"))
		}
		if c.Run.Delivery == "direct" {
			errs = append(errs, errors.New("the process evaluator only supports copy delivery"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown evaluator.kind %q", c.Evaluator.Kind))
	}

	if c.NATS.Timeout < 0 {
		errs = append(errs, errors.New("nats.timeout cannot be negative"))
	}
	if c.Store.Dir == "" {
		errs = append(errs, errors.New("store.dir is required"))
	}
	return errors.Join(errs...)
}

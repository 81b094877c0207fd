package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cwbudde/lbfgsbridge/internal/bridge"
	"github.com/cwbudde/lbfgsbridge/internal/opt"
	"github.com/cwbudde/lbfgsbridge/internal/remote"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix marks environment variables read by Load.
	EnvPrefix = "LBFGSBRIDGE_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// Load reads the YAML file at path (skipped when path is empty) and then
// applies LBFGSBRIDGE_* environment overrides.
//
// Environment variables map onto YAML keys by splitting on the first
// underscore after the prefix:
//
//	LBFGSBRIDGE_OPTIMIZER_MAX_ITERATIONS -> optimizer.max_iterations
//	LBFGSBRIDGE_NATS_URL                 -> nats.url
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	defaults := opt.DefaultParams()
	if cfg.Optimizer.M == 0 {
		cfg.Optimizer.M = defaults.M
	}
	if cfg.Optimizer.Epsilon == 0 {
		cfg.Optimizer.Epsilon = defaults.Epsilon
	}
	if cfg.Optimizer.LineSearch == "" {
		cfg.Optimizer.LineSearch = defaults.LineSearch
	}

	// Stall detection stays off unless enabled; fill in its tuning either way.
	stall := opt.DefaultStallConfig()
	if cfg.Stall.Patience == 0 {
		cfg.Stall.Patience = stall.Patience
	}
	if cfg.Stall.Threshold == 0 {
		cfg.Stall.Threshold = stall.Threshold
	}

	if cfg.Run.Dimension == 0 {
		cfg.Run.Dimension = 2
	}
	if cfg.Run.Delivery == "" {
		cfg.Run.Delivery = bridge.DeliveryCopy.String()
	}

	if cfg.Evaluator.Kind == "" {
		cfg.Evaluator.Kind = EvaluatorBuiltin
	}
	if cfg.Evaluator.Kind == EvaluatorBuiltin && cfg.Evaluator.Function == "" {
		cfg.Evaluator.Function = "quadratic"
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = remote.DefaultSubject
	}
	if cfg.NATS.Timeout == 0 {
		cfg.NATS.Timeout = 30 * time.Second
	}

	if cfg.Store.Dir == "" {
		cfg.Store.Dir = "./data"
	}
}

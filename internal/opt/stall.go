package opt

import (
	"log/slog"
	"math"
)

// StallConfig defines parameters for detecting an optimization that stopped
// making progress.
type StallConfig struct {
	// Enabled controls whether stall detection is active
	Enabled bool `json:"enabled" koanf:"enabled"`

	// Patience is the number of accepted iterations with no significant
	// improvement before the run is stopped
	Patience int `json:"patience" koanf:"patience"`

	// Threshold is the minimum relative improvement required to count as progress.
	// Relative improvement = (last - f) / max(1, |last|)
	Threshold float64 `json:"threshold" koanf:"threshold"`
}

// DefaultStallConfig returns sensible defaults for stall detection
func DefaultStallConfig() StallConfig {
	return StallConfig{
		Enabled:   true,
		Patience:  10,
		Threshold: 1e-6,
	}
}

// DisabledStallConfig returns a config with stall detection disabled
func DisabledStallConfig() StallConfig {
	return StallConfig{Enabled: false}
}

// StallDetector tracks objective values of accepted iterations and reports
// when the run has stalled.
type StallDetector struct {
	config          StallConfig
	updates         int
	best            float64
	lastSignificant float64
	staleCount      int
}

// NewStallDetector creates a new stall detector with the given config
func NewStallDetector(config StallConfig) *StallDetector {
	return &StallDetector{
		config:          config,
		best:            math.Inf(1),
		lastSignificant: math.Inf(1),
	}
}

// Update records the objective value of an accepted iteration and returns
// true once the run is considered stalled.
func (s *StallDetector) Update(f float64) bool {
	if !s.config.Enabled {
		return false
	}

	s.updates++
	if f < s.best {
		s.best = f
	}

	if s.updates == 1 {
		s.lastSignificant = f
		return false
	}

	improvement := (s.lastSignificant - f) / math.Max(1, math.Abs(s.lastSignificant))
	if improvement >= s.config.Threshold {
		s.lastSignificant = f
		s.staleCount = 0
		return false
	}

	s.staleCount++
	slog.Debug("No significant objective improvement",
		"f", f,
		"last_significant", s.lastSignificant,
		"relative_improvement", improvement,
		"stale_count", s.staleCount,
		"patience", s.config.Patience,
	)
	if s.staleCount >= s.config.Patience {
		slog.Info("Stall detected - stopping early",
			"stale_count", s.staleCount,
			"patience", s.config.Patience,
			"best_f", s.best,
		)
		return true
	}
	return false
}

// Progress adapts the detector to a progress policy.
func (s *StallDetector) Progress(p Progress) Action {
	if s.Update(p.F) {
		return Stop
	}
	return Continue
}

// Best returns the lowest objective value seen so far
func (s *StallDetector) Best() float64 {
	return s.best
}

// StaleCount returns the current number of iterations without improvement
func (s *StallDetector) StaleCount() int {
	return s.staleCount
}

// Reset clears the detector's state
func (s *StallDetector) Reset() {
	s.updates = 0
	s.best = math.Inf(1)
	s.lastSignificant = math.Inf(1)
	s.staleCount = 0
}

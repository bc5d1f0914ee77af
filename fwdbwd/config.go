package fwdbwd

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode selects how output statistics reach the update model set.
type Mode string

const (
	// ModeSingle aligns and accumulates with the same model set.
	ModeSingle Mode = "single"
	// ModeModel aligns with one set and splits the state occupancy over the
	// update model's own mixture components.
	ModeModel Mode = "model"
	// ModeComponent copies alignment mixture posteriors onto the update
	// model's components one to one.
	ModeComponent Mode = "component"
)

// AdaptMode selects where mean/variance observations are routed.
type AdaptMode string

const (
	AdaptNone    AdaptMode = "none"    // model accumulators only
	AdaptReplace AdaptMode = "replace" // adaptation accumulator only
	AdaptBoth    AdaptMode = "both"
)

// PruningConfig holds the beam thresholds. Init, Inc and Limit are
// log-likelihood distances below the per-frame maximum; Init == 0 disables
// pruning. MinForwardProb is the log mixture posterior below which a
// component is not accumulated.
type PruningConfig struct {
	Init           float64 `yaml:"init"`
	Inc            float64 `yaml:"inc"`
	Limit          float64 `yaml:"limit"`
	MinForwardProb float64 `yaml:"min_forward_prob"`
}

// Enabled reports whether beam pruning is active.
func (p PruningConfig) Enabled() bool { return p.Init > 0 }

// MaxPruningTrials bounds the length of the pruning ladder.
const MaxPruningTrials = 64

// steps returns the number of thresholds on the ladder as a float so that
// absurd configurations do not overflow.
func (p PruningConfig) steps() float64 {
	if !p.Enabled() || p.Inc <= 0 {
		return 1
	}
	return 1 + math.Floor((p.Limit-p.Init)/p.Inc+1e-9)
}

// Ladder returns the thresholds tried in order: Init, Init+Inc, ... up to
// Limit, at most MaxPruningTrials of them. An unpruned configuration yields
// a single infinite threshold.
func (p PruningConfig) Ladder() []float64 {
	if !p.Enabled() {
		return []float64{math.Inf(1)}
	}
	n := int(min(max(p.steps(), 1), MaxPruningTrials))
	ladder := make([]float64, n)
	for k := range ladder {
		ladder[k] = p.Init + float64(k)*p.Inc
	}
	return ladder
}

// Validate checks threshold consistency.
func (p PruningConfig) Validate() error {
	if p.Init < 0 || p.Inc < 0 {
		return fmt.Errorf("%w: negative pruning threshold", ErrConfig)
	}
	if math.IsNaN(p.Init) || math.IsNaN(p.Inc) || math.IsNaN(p.Limit) || math.IsInf(p.Init, 0) {
		return fmt.Errorf("%w: pruning thresholds must be finite", ErrConfig)
	}
	if p.Enabled() && p.Inc > 0 && p.Limit < p.Init {
		return fmt.Errorf("%w: pruning limit %g below initial threshold %g", ErrConfig, p.Limit, p.Init)
	}
	if n := p.steps(); n > MaxPruningTrials {
		return fmt.Errorf("%w: pruning ladder has %g thresholds, at most %d allowed", ErrConfig, n, MaxPruningTrials)
	}
	if p.MinForwardProb > 0 {
		return fmt.Errorf("%w: min_forward_prob must be a log probability (<= 0)", ErrConfig)
	}
	return nil
}

// TriphoneConfig controls label expansion before model lookup.
type TriphoneConfig struct {
	Expand      bool     `yaml:"expand"`
	Backoff     bool     `yaml:"backoff"`
	ContextFree []string `yaml:"context_free"`
}

// Config is the engine configuration. It is read-only during a run.
type Config struct {
	Pruning            PruningConfig  `yaml:"pruning"`
	Update             string         `yaml:"update"` // subset of "tmvwd"
	Mode               Mode           `yaml:"mode"`
	Adapt              AdaptMode      `yaml:"adapt"`
	PartialDistance    bool           `yaml:"partial_distance"`
	BoundarySlack      int            `yaml:"boundary_slack"`
	AgreementTolerance float64        `yaml:"agreement_tolerance"`
	MinDurationVisits  float64        `yaml:"min_duration_visits"`
	Triphone           TriphoneConfig `yaml:"triphone"`
}

// DefaultConfig returns an unpruned single-model configuration updating
// every statistic.
func DefaultConfig() Config {
	return Config{
		Pruning: PruningConfig{
			MinForwardProb: -10,
		},
		Update:             "tmvwd",
		Mode:               ModeSingle,
		Adapt:              AdaptNone,
		AgreementTolerance: 1e-4,
		MinDurationVisits:  1e-3,
	}
}

// LoadConfig reads a YAML file over the defaults and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Pruning.Validate(); err != nil {
		return err
	}
	for _, r := range c.Update {
		if !strings.ContainsRune("tmvwd", r) {
			return fmt.Errorf("%w: unknown update flag %q", ErrConfig, r)
		}
	}
	switch c.Mode {
	case ModeSingle, ModeModel, ModeComponent:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrConfig, c.Mode)
	}
	switch c.Adapt {
	case AdaptNone, AdaptReplace, AdaptBoth:
	default:
		return fmt.Errorf("%w: unknown adapt routing %q", ErrConfig, c.Adapt)
	}
	if c.BoundarySlack < 0 {
		return fmt.Errorf("%w: negative boundary_slack", ErrConfig)
	}
	if c.AgreementTolerance < 0 || c.MinDurationVisits < 0 {
		return fmt.Errorf("%w: negative tolerance", ErrConfig)
	}
	return nil
}

// updates reports which statistics are accumulated.
type updates struct {
	trans, means, vars, weights, durs bool
}

func (c Config) updates() updates {
	return updates{
		trans:   strings.ContainsRune(c.Update, 't'),
		means:   strings.ContainsRune(c.Update, 'm'),
		vars:    strings.ContainsRune(c.Update, 'v'),
		weights: strings.ContainsRune(c.Update, 'w'),
		durs:    strings.ContainsRune(c.Update, 'd'),
	}
}

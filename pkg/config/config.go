// Package config loads, validates, and hot-reloads the engine
// configuration. Validation failures are fatal at startup and ignored
// (keeping the previous snapshot) on reload, so a bad edit can never
// take down request handling.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"riskgate/pkg/drift"
	"riskgate/pkg/fusion"
	"riskgate/pkg/phase"
	"riskgate/pkg/policy"
	"riskgate/pkg/similarity"
	"riskgate/pkg/vectorstore"
)

// Config is the full engine configuration surface.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	Vector struct {
		Dimension    int `yaml:"dimension"`
		MaxPerUser   int `yaml:"max_per_user"`
		MinForSearch int `yaml:"min_for_search"`
		TopK         int `yaml:"top_k"`
	} `yaml:"vector"`

	Similarity struct {
		High   float64 `yaml:"high"`
		Medium float64 `yaml:"medium"`
		Low    float64 `yaml:"low"`
	} `yaml:"similarity"`

	Drift struct {
		WindowSize          int     `yaml:"window_size"`
		DriftThreshold      float64 `yaml:"drift_threshold"`
		AdaptationThreshold float64 `yaml:"adaptation_threshold"`
		Smoothing           float64 `yaml:"smoothing"`
	} `yaml:"drift"`

	Phases struct {
		LearningSessions int `yaml:"learning_sessions"`
		GradualSessions  int `yaml:"gradual_sessions"`
	} `yaml:"phases"`

	Fusion struct {
		SimilarityLayer float64 `yaml:"similarity_layer"`
		ModelLayer      float64 `yaml:"model_layer"`
	} `yaml:"fusion"`

	Policy struct {
		DefaultLevel       string                       `yaml:"default_level"`
		HighValueThreshold float64                      `yaml:"high_value_threshold"`
		MaxFailuresPerHour int                          `yaml:"max_failures_per_hour"`
		Levels             map[string]policy.Thresholds `yaml:"levels"`
		PhaseLevels        map[string]string            `yaml:"phase_levels"`
	} `yaml:"policy"`

	Scorers struct {
		ContextURL string `yaml:"context_url"`
		GraphURL   string `yaml:"graph_url"`
		TimeoutMs  int    `yaml:"timeout_ms"`
	} `yaml:"scorers"`

	Limits struct {
		MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`
	} `yaml:"limits"`
}

// Default returns the configuration used when fields are omitted.
func Default() Config {
	var c Config
	c.ListenAddr = ":8090"
	c.Vector.Dimension = 90
	c.Vector.MaxPerUser = 1000
	c.Vector.MinForSearch = 5
	c.Vector.TopK = 10
	c.Similarity.High = 0.85
	c.Similarity.Medium = 0.70
	c.Similarity.Low = 0.50
	c.Drift.WindowSize = 20
	c.Drift.DriftThreshold = 0.15
	c.Drift.AdaptationThreshold = 0.3
	c.Drift.Smoothing = 0.1
	c.Phases.LearningSessions = 5
	c.Phases.GradualSessions = 15
	c.Fusion.SimilarityLayer = 0.4
	c.Fusion.ModelLayer = 0.6
	c.Policy.DefaultLevel = string(policy.Level2)
	c.Policy.HighValueThreshold = 10000
	c.Policy.MaxFailuresPerHour = 5
	c.Policy.Levels = map[string]policy.Thresholds{
		string(policy.Level1): {Allow: 0.65, Challenge: 0.45, Block: 0.25},
		string(policy.Level2): {Allow: 0.75, Challenge: 0.55, Block: 0.35},
		string(policy.Level3): {Allow: 0.85, Challenge: 0.65, Block: 0.45},
		string(policy.Level4): {Allow: 0.92, Challenge: 0.75, Block: 0.55},
	}
	c.Policy.PhaseLevels = map[string]string{}
	c.Scorers.TimeoutMs = 800
	c.Limits.MaxConcurrentSessions = 256
	return c
}

// Load reads the YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RISKGATE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("RISKGATE_CONTEXT_SCORER_URL"); v != "" {
		cfg.Scorers.ContextURL = v
	}
	if v := os.Getenv("RISKGATE_GRAPH_SCORER_URL"); v != "" {
		cfg.Scorers.GraphURL = v
	}
}

// Validate enforces every load-time invariant.
func (c Config) Validate() error {
	if c.Vector.Dimension <= 0 {
		return fmt.Errorf("vector.dimension must be positive")
	}
	if c.Vector.MaxPerUser <= 0 {
		return fmt.Errorf("vector.max_per_user must be positive")
	}
	if c.Vector.MinForSearch <= 0 {
		return fmt.Errorf("vector.min_for_search must be positive")
	}
	if err := c.SimilarityThresholds().Validate(); err != nil {
		return err
	}
	if c.Drift.WindowSize <= 0 {
		return fmt.Errorf("drift.window_size must be positive")
	}
	if c.Phases.LearningSessions <= 0 || c.Phases.GradualSessions <= c.Phases.LearningSessions {
		return fmt.Errorf("phase session thresholds must order 0 < learning < gradual")
	}
	if err := c.Weights().Validate(); err != nil {
		return err
	}
	if err := c.PolicyConfig().Validate(); err != nil {
		return err
	}
	if c.Scorers.TimeoutMs <= 0 {
		return fmt.Errorf("scorers.timeout_ms must be positive")
	}
	if c.Limits.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("limits.max_concurrent_sessions must be positive")
	}
	return nil
}

// VectorConfig adapts the vector section for the store.
func (c Config) VectorConfig() vectorstore.Config {
	return vectorstore.Config{
		Dimension:    c.Vector.Dimension,
		MaxPerUser:   c.Vector.MaxPerUser,
		MinForSearch: c.Vector.MinForSearch,
	}
}

// SimilarityThresholds adapts the similarity section for the matcher.
func (c Config) SimilarityThresholds() similarity.Thresholds {
	return similarity.Thresholds{High: c.Similarity.High, Medium: c.Similarity.Medium, Low: c.Similarity.Low}
}

// DriftConfig adapts the drift section for the detector.
func (c Config) DriftConfig() drift.Config {
	return drift.Config{
		Dimension:           c.Vector.Dimension,
		WindowSize:          c.Drift.WindowSize,
		DriftThreshold:      c.Drift.DriftThreshold,
		AdaptationThreshold: c.Drift.AdaptationThreshold,
		Smoothing:           c.Drift.Smoothing,
	}
}

// PhaseConfig adapts the phases section for the manager.
func (c Config) PhaseConfig() phase.Config {
	return phase.Config{
		LearningSessions: c.Phases.LearningSessions,
		GradualSessions:  c.Phases.GradualSessions,
	}
}

// Weights derives the per-source fusion weights.
func (c Config) Weights() fusion.Weights {
	return fusion.FromLayers(c.Fusion.SimilarityLayer, c.Fusion.ModelLayer)
}

// PolicyConfig adapts the policy section for the orchestrator.
func (c Config) PolicyConfig() policy.Config {
	levels := make(map[policy.Level]policy.Thresholds, len(c.Policy.Levels))
	for name, t := range c.Policy.Levels {
		levels[policy.Level(name)] = t
	}
	phaseLevels := make(map[phase.Phase]policy.Level, len(c.Policy.PhaseLevels))
	for p, lvl := range c.Policy.PhaseLevels {
		phaseLevels[phase.Phase(p)] = policy.Level(lvl)
	}
	return policy.Config{
		Levels:             levels,
		PhaseLevels:        phaseLevels,
		DefaultLevel:       policy.Level(c.Policy.DefaultLevel),
		HighValueThreshold: c.Policy.HighValueThreshold,
		MaxFailuresPerHour: c.Policy.MaxFailuresPerHour,
	}
}

// ScorerTimeout returns the shared external scorer deadline.
func (c Config) ScorerTimeout() time.Duration {
	return time.Duration(c.Scorers.TimeoutMs) * time.Millisecond
}

// Package policy maps fused risk, phase, and operational overrides to
// the final allow/challenge/block decision.
package policy

import (
	"fmt"

	"riskgate/pkg/phase"
)

// Action is the final decision for a session.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionChallenge Action = "challenge"
	ActionBlock     Action = "block"
)

// Level names a configured strictness tier.
type Level string

const (
	Level1 Level = "level_1"
	Level2 Level = "level_2"
	Level3 Level = "level_3"
	Level4 Level = "level_4"
)

// Rule identifies which override or comparison produced the action.
const (
	RuleLockout         = "lockout"
	RulePhaseGate       = "phase_gate"
	RuleDeviceIntegrity = "device_integrity"
	RuleRiskThreshold   = "risk_threshold"
	RuleHighValue       = "high_value_escalation"
)

// Thresholds are a level's decision boundaries on the confidence scale
// (confidence = 1 - fused risk). Load-time invariant:
// block < challenge < allow.
type Thresholds struct {
	Allow     float64 `yaml:"allow" json:"allow"`
	Challenge float64 `yaml:"challenge" json:"challenge"`
	Block     float64 `yaml:"block" json:"block"`
}

// Validate enforces the threshold ordering.
func (t Thresholds) Validate() error {
	if !(t.Block < t.Challenge && t.Challenge < t.Allow) {
		return fmt.Errorf("thresholds must order block < challenge < allow, got block=%.2f challenge=%.2f allow=%.2f",
			t.Block, t.Challenge, t.Allow)
	}
	if t.Block < 0 || t.Allow > 1 {
		return fmt.Errorf("thresholds must lie in [0,1], got block=%.2f allow=%.2f", t.Block, t.Allow)
	}
	return nil
}

// Config is the orchestrator's decision table.
type Config struct {
	Levels             map[Level]Thresholds
	PhaseLevels        map[phase.Phase]Level // strictness per phase
	DefaultLevel       Level
	HighValueThreshold float64 // transaction amount escalating allow to challenge
	MaxFailuresPerHour int
}

// Validate checks every level's ordering and the phase mapping.
func (c Config) Validate() error {
	if len(c.Levels) == 0 {
		return fmt.Errorf("no policy levels configured")
	}
	for name, t := range c.Levels {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("level %s: %w", name, err)
		}
	}
	if _, ok := c.Levels[c.DefaultLevel]; !ok {
		return fmt.Errorf("default level %q not configured", c.DefaultLevel)
	}
	for p, lvl := range c.PhaseLevels {
		if _, ok := c.Levels[lvl]; !ok {
			return fmt.Errorf("phase %s maps to unknown level %q", p, lvl)
		}
	}
	if c.MaxFailuresPerHour <= 0 {
		return fmt.Errorf("max_failures_per_hour must be positive")
	}
	return nil
}

// Input is everything a decision depends on.
type Input struct {
	FusedRisk         float64
	Phase             phase.Phase
	TransactionAmount float64
	DeviceIntegrityOK bool
	FailureCount      int
}

// Outcome is the decision with the rule that produced it.
type Outcome struct {
	Action Action
	Rule   string
	Level  Level
	Reason string
}

// Decide applies the override rules in priority order:
// lockout, phase gate, risk thresholds, then device-integrity and
// high-value escalation of a would-be allow.
func Decide(cfg Config, in Input) Outcome {
	level := cfg.levelFor(in.Phase)

	if in.FailureCount >= cfg.MaxFailuresPerHour {
		return Outcome{
			Action: ActionBlock,
			Rule:   RuleLockout,
			Level:  level,
			Reason: fmt.Sprintf("%d failures in the last hour (limit %d)", in.FailureCount, cfg.MaxFailuresPerHour),
		}
	}

	if !phase.TrustsRisk(in.Phase) {
		if !in.DeviceIntegrityOK {
			return Outcome{
				Action: ActionChallenge,
				Rule:   RuleDeviceIntegrity,
				Level:  level,
				Reason: "device integrity check failed during onboarding",
			}
		}
		return Outcome{
			Action: ActionAllow,
			Rule:   RulePhaseGate,
			Level:  level,
			Reason: fmt.Sprintf("phase %s does not act on risk scores", in.Phase),
		}
	}

	t := cfg.Levels[level]
	confidence := 1 - in.FusedRisk
	out := Outcome{Level: level, Rule: RuleRiskThreshold}
	switch {
	case confidence >= t.Allow:
		out.Action = ActionAllow
		out.Reason = fmt.Sprintf("confidence %.2f above allow threshold %.2f", confidence, t.Allow)
	case confidence < t.Block:
		out.Action = ActionBlock
		out.Reason = fmt.Sprintf("confidence %.2f below block threshold %.2f", confidence, t.Block)
	default:
		out.Action = ActionChallenge
		out.Reason = fmt.Sprintf("confidence %.2f in the challenge band", confidence)
	}

	if out.Action == ActionAllow && !in.DeviceIntegrityOK {
		out.Action = ActionChallenge
		out.Rule = RuleDeviceIntegrity
		out.Reason = "device integrity check failed"
	}
	if out.Action == ActionAllow && cfg.HighValueThreshold > 0 && in.TransactionAmount >= cfg.HighValueThreshold {
		out.Action = ActionChallenge
		out.Rule = RuleHighValue
		out.Reason = fmt.Sprintf("transaction amount %.2f at or above high-value threshold %.2f",
			in.TransactionAmount, cfg.HighValueThreshold)
	}
	return out
}

func (c Config) levelFor(p phase.Phase) Level {
	if lvl, ok := c.PhaseLevels[p]; ok {
		return lvl
	}
	return c.DefaultLevel
}

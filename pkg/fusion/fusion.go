// Package fusion combines the four risk signals into one fused risk
// score in [0,1] by confidence-weighted averaging.
package fusion

import (
	"fmt"
	"math"

	"riskgate/pkg/scorer"
)

const weightEpsilon = 1e-6

// Weights are the configured per-source weights. They must sum to 1.
type Weights struct {
	Similarity float64
	Drift      float64
	Context    float64
	Graph      float64
}

// FromLayers derives per-source weights from the two configured layer
// weights: the similarity layer splits evenly between similarity and
// drift, the model layer between context and graph.
func FromLayers(similarityLayer, modelLayer float64) Weights {
	return Weights{
		Similarity: similarityLayer / 2,
		Drift:      similarityLayer / 2,
		Context:    modelLayer / 2,
		Graph:      modelLayer / 2,
	}
}

// Validate rejects negative weights and sums away from 1.0.
func (w Weights) Validate() error {
	for src, v := range w.bySource() {
		if v < 0 {
			return fmt.Errorf("fusion weight for %s is negative: %f", src, v)
		}
	}
	sum := w.Similarity + w.Drift + w.Context + w.Graph
	if math.Abs(sum-1.0) > weightEpsilon {
		return fmt.Errorf("fusion weights must sum to 1.0, got %f", sum)
	}
	return nil
}

func (w Weights) bySource() map[scorer.Source]float64 {
	return map[scorer.Source]float64{
		scorer.SourceSimilarity: w.Similarity,
		scorer.SourceDrift:      w.Drift,
		scorer.SourceContext:    w.Context,
		scorer.SourceGraph:      w.Graph,
	}
}

// Contribution records how one signal entered the fused score.
type Contribution struct {
	Value    float64 `json:"value"`
	Risk     float64 `json:"risk"`
	Weight   float64 `json:"weight"`
	Weighted float64 `json:"weighted"`
	Degraded bool    `json:"degraded"`
}

// Fused is the combined risk score with its per-source breakdown.
type Fused struct {
	Score     float64                        `json:"score"`
	Breakdown map[scorer.Source]Contribution `json:"breakdown"`
	Degraded  []scorer.Source                `json:"degraded,omitempty"`
}

// risk converts a signal value to the risk scale. Similarity measures
// closeness to the profile, so its risk is the complement; the other
// sources already report risk.
func risk(sig scorer.Signal) float64 {
	if sig.Source == scorer.SourceSimilarity {
		return scorer.Clamp(1 - sig.Value)
	}
	return scorer.Clamp(sig.Value)
}

// Fuse combines the signals. Each configured weight is scaled by the
// signal's confidence and the effective weights renormalized, so a
// degraded signal's share flows to the healthy ones. When every signal
// is degraded the result is the neutral 0.5, which lands in the
// challenge band of any sane policy.
func Fuse(signals []scorer.Signal, w Weights) (Fused, error) {
	if err := w.Validate(); err != nil {
		return Fused{}, err
	}
	base := w.bySource()

	var norm float64
	eff := make(map[scorer.Source]float64, len(signals))
	for _, sig := range signals {
		bw, ok := base[sig.Source]
		if !ok {
			return Fused{}, fmt.Errorf("unknown signal source %q", sig.Source)
		}
		ew := bw * scorer.Clamp(sig.Confidence)
		eff[sig.Source] = ew
		norm += ew
	}

	out := Fused{Breakdown: make(map[scorer.Source]Contribution, len(signals))}
	if norm <= 0 {
		out.Score = 0.5
		for _, sig := range signals {
			out.Breakdown[sig.Source] = Contribution{
				Value:    sig.Value,
				Risk:     risk(sig),
				Degraded: sig.Degraded,
			}
			if sig.Degraded {
				out.Degraded = append(out.Degraded, sig.Source)
			}
		}
		return out, nil
	}

	var score float64
	for _, sig := range signals {
		weight := eff[sig.Source] / norm
		r := risk(sig)
		score += weight * r
		out.Breakdown[sig.Source] = Contribution{
			Value:    sig.Value,
			Risk:     r,
			Weight:   weight,
			Weighted: weight * r,
			Degraded: sig.Degraded,
		}
		if sig.Degraded {
			out.Degraded = append(out.Degraded, sig.Source)
		}
	}
	out.Score = scorer.Clamp(score)
	return out, nil
}

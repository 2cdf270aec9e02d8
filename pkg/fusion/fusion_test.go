package fusion

import (
	"math"
	"testing"

	"riskgate/pkg/scorer"
)

func defaultWeights() Weights {
	return FromLayers(0.4, 0.6)
}

func fullConfidence(sim, drift, ctx, graph float64) []scorer.Signal {
	return []scorer.Signal{
		{Source: scorer.SourceSimilarity, Value: sim, Confidence: 1},
		{Source: scorer.SourceDrift, Value: drift, Confidence: 1},
		{Source: scorer.SourceContext, Value: ctx, Confidence: 1},
		{Source: scorer.SourceGraph, Value: graph, Confidence: 1},
	}
}

func TestFromLayers(t *testing.T) {
	w := FromLayers(0.4, 0.6)
	if w.Similarity != 0.2 || w.Drift != 0.2 || w.Context != 0.3 || w.Graph != 0.3 {
		t.Errorf("layer split = %+v", w)
	}
	if err := w.Validate(); err != nil {
		t.Errorf("default weights invalid: %v", err)
	}
}

func TestValidateRejectsBadSum(t *testing.T) {
	w := Weights{Similarity: 0.5, Drift: 0.5, Context: 0.5, Graph: 0.5}
	if err := w.Validate(); err == nil {
		t.Error("weights summing to 2.0 accepted")
	}
	neg := Weights{Similarity: -0.2, Drift: 0.4, Context: 0.4, Graph: 0.4}
	if err := neg.Validate(); err == nil {
		t.Error("negative weight accepted")
	}
}

func TestFuseAllHealthy(t *testing.T) {
	// Perfect similarity and zero model risk must fuse to zero risk.
	fused, err := Fuse(fullConfidence(1.0, 0, 0, 0), defaultWeights())
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	if fused.Score > 1e-9 {
		t.Errorf("score = %f, want 0", fused.Score)
	}

	// Worst case everywhere fuses to full risk.
	fused, err = Fuse(fullConfidence(0, 1, 1, 1), defaultWeights())
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	if math.Abs(fused.Score-1.0) > 1e-9 {
		t.Errorf("score = %f, want 1", fused.Score)
	}
}

func TestFuseWeightedMix(t *testing.T) {
	// sim risk 1-0.8=0.2, drift 0.1, context 0.4, graph 0.6
	fused, err := Fuse(fullConfidence(0.8, 0.1, 0.4, 0.6), defaultWeights())
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	want := 0.2*0.2 + 0.2*0.1 + 0.3*0.4 + 0.3*0.6
	if math.Abs(fused.Score-want) > 1e-9 {
		t.Errorf("score = %f, want %f", fused.Score, want)
	}
	if len(fused.Degraded) != 0 {
		t.Errorf("no signal degraded, got %v", fused.Degraded)
	}
}

func TestFuseBreakdownSums(t *testing.T) {
	fused, err := Fuse(fullConfidence(0.7, 0.2, 0.3, 0.5), defaultWeights())
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	var weightSum, weightedSum float64
	for _, c := range fused.Breakdown {
		weightSum += c.Weight
		weightedSum += c.Weighted
	}
	if math.Abs(weightSum-1.0) > 1e-9 {
		t.Errorf("effective weights sum = %f, want 1", weightSum)
	}
	if math.Abs(weightedSum-fused.Score) > 1e-9 {
		t.Errorf("weighted contributions sum = %f, score = %f", weightedSum, fused.Score)
	}
}

func TestFuseRedistributesDegradedWeight(t *testing.T) {
	signals := []scorer.Signal{
		{Source: scorer.SourceSimilarity, Value: 0.9, Confidence: 1},
		{Source: scorer.SourceDrift, Value: 0.1, Confidence: 1},
		scorer.Neutral(scorer.SourceContext),
		scorer.Neutral(scorer.SourceGraph),
	}
	fused, err := Fuse(signals, defaultWeights())
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	// Both healthy signals had equal base weight, so each gets 0.5.
	want := 0.5*(1-0.9) + 0.5*0.1
	if math.Abs(fused.Score-want) > 1e-9 {
		t.Errorf("score = %f, want %f", fused.Score, want)
	}
	if len(fused.Degraded) != 2 {
		t.Errorf("degraded sources = %v, want 2", fused.Degraded)
	}
	if fused.Breakdown[scorer.SourceContext].Weight != 0 {
		t.Error("degraded signal must carry zero effective weight")
	}
}

func TestFuseAllDegradedIsNeutral(t *testing.T) {
	signals := []scorer.Signal{
		scorer.Neutral(scorer.SourceSimilarity),
		scorer.Neutral(scorer.SourceDrift),
		scorer.Neutral(scorer.SourceContext),
		scorer.Neutral(scorer.SourceGraph),
	}
	fused, err := Fuse(signals, defaultWeights())
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	if fused.Score != 0.5 {
		t.Errorf("all-degraded score = %f, want neutral 0.5", fused.Score)
	}
	if len(fused.Degraded) != 4 {
		t.Errorf("degraded sources = %v, want all 4", fused.Degraded)
	}
}

func TestFuseZeroConfidenceHealthyNotDegraded(t *testing.T) {
	// A healthy signal whose confidence collapsed to zero is not the
	// same as a degraded one and must not be reported as such.
	signals := []scorer.Signal{
		{Source: scorer.SourceSimilarity, Value: 0.9, Confidence: 0},
		scorer.Neutral(scorer.SourceDrift),
		scorer.Neutral(scorer.SourceContext),
		scorer.Neutral(scorer.SourceGraph),
	}
	fused, err := Fuse(signals, defaultWeights())
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	if fused.Score != 0.5 {
		t.Errorf("score = %f, want neutral 0.5", fused.Score)
	}
	if len(fused.Degraded) != 3 {
		t.Errorf("degraded sources = %v, want only the 3 neutral ones", fused.Degraded)
	}
	for _, s := range fused.Degraded {
		if s == scorer.SourceSimilarity {
			t.Error("healthy zero-confidence signal listed as degraded")
		}
	}
	if fused.Breakdown[scorer.SourceSimilarity].Degraded {
		t.Error("breakdown marks the healthy signal degraded")
	}
}

func TestFuseConfidenceDownweights(t *testing.T) {
	confident := []scorer.Signal{
		{Source: scorer.SourceSimilarity, Value: 0.9, Confidence: 1},
		{Source: scorer.SourceDrift, Value: 0.9, Confidence: 1},
		{Source: scorer.SourceContext, Value: 0.2, Confidence: 1},
		{Source: scorer.SourceGraph, Value: 0.2, Confidence: 1},
	}
	hesitant := []scorer.Signal{
		{Source: scorer.SourceSimilarity, Value: 0.9, Confidence: 1},
		{Source: scorer.SourceDrift, Value: 0.9, Confidence: 0.1},
		{Source: scorer.SourceContext, Value: 0.2, Confidence: 1},
		{Source: scorer.SourceGraph, Value: 0.2, Confidence: 1},
	}
	a, _ := Fuse(confident, defaultWeights())
	b, _ := Fuse(hesitant, defaultWeights())
	// Drift carried high risk; shrinking its confidence must lower the
	// fused score.
	if b.Score >= a.Score {
		t.Errorf("low-confidence drift should weigh less: %f vs %f", b.Score, a.Score)
	}
}

func TestFuseUnknownSource(t *testing.T) {
	signals := []scorer.Signal{{Source: "mystery", Value: 0.5, Confidence: 1}}
	if _, err := Fuse(signals, defaultWeights()); err == nil {
		t.Error("unknown source accepted")
	}
}

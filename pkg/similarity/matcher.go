// Package similarity turns nearest-neighbor search results into a
// similarity signal with a named tier for decision explanations.
package similarity

import (
	"errors"
	"fmt"

	"riskgate/pkg/scorer"
	"riskgate/pkg/vectorstore"
)

// Tier buckets a similarity score for human-readable explanations.
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
	TierNone   Tier = "none"
)

// Thresholds define the tier boundaries. They must be strictly
// descending: High > Medium > Low.
type Thresholds struct {
	High   float64
	Medium float64
	Low    float64
}

// Validate rejects non-descending tier boundaries.
func (t Thresholds) Validate() error {
	if !(t.High > t.Medium && t.Medium > t.Low) {
		return fmt.Errorf("similarity thresholds must descend: high=%.2f medium=%.2f low=%.2f", t.High, t.Medium, t.Low)
	}
	return nil
}

// Result carries the similarity signal plus explanation material.
type Result struct {
	Signal   scorer.Signal
	Tier     Tier
	Compared int // stored vectors the session was compared against
	Best     float64
}

// Matcher scores sessions against the user's stored vectors.
type Matcher struct {
	store      *vectorstore.Store
	topK       int
	thresholds Thresholds
}

func NewMatcher(store *vectorstore.Store, topK int, thresholds Thresholds) *Matcher {
	if topK <= 0 {
		topK = 10
	}
	return &Matcher{store: store, topK: topK, thresholds: thresholds}
}

// Score compares the session vector against the user's profile. With
// too few stored vectors it reports a degraded neutral signal so the
// decision falls to the remaining signals and the phase gate.
func (m *Matcher) Score(userID string, vec []float64) (Result, error) {
	matches, err := m.store.Search(userID, vec, m.topK)
	if err != nil {
		if errors.Is(err, vectorstore.ErrInsufficientData) {
			return Result{
				Signal:   scorer.Neutral(scorer.SourceSimilarity),
				Tier:     TierNone,
				Compared: m.store.Count(userID),
			}, nil
		}
		return Result{}, err
	}

	// Best match wins; the store already breaks ties toward the most
	// recent vector.
	best := scorer.Clamp(matches[0].Similarity)
	count := m.store.Count(userID)

	return Result{
		Signal: scorer.Signal{
			Source:     scorer.SourceSimilarity,
			Value:      best,
			Confidence: profileConfidence(count),
		},
		Tier:     m.tier(best),
		Compared: count,
		Best:     best,
	}, nil
}

func (m *Matcher) tier(sim float64) Tier {
	switch {
	case sim >= m.thresholds.High:
		return TierHigh
	case sim >= m.thresholds.Medium:
		return TierMedium
	case sim >= m.thresholds.Low:
		return TierLow
	default:
		return TierNone
	}
}

// profileConfidence grows with profile depth and saturates at 1.0 once
// ten sessions are stored.
func profileConfidence(count int) float64 {
	c := float64(count) / 10.0
	if c > 1 {
		return 1
	}
	return c
}

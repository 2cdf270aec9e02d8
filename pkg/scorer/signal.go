// Package scorer defines the risk signal contract shared by all four
// signal producers, plus HTTP clients for the external model services.
package scorer

import (
	"errors"
	"fmt"
)

// ErrScorerUnavailable is returned when an external scorer times out or
// fails. Callers treat it as a degraded signal, never a hard failure.
var ErrScorerUnavailable = errors.New("scorer: unavailable")

// Source identifies which producer emitted a signal.
type Source string

const (
	SourceSimilarity Source = "similarity"
	SourceDrift      Source = "drift"
	SourceContext    Source = "context"
	SourceGraph      Source = "graph"
)

// Signal is one producer's contribution to the fused risk score.
// Value semantics depend on the source: similarity reports closeness to
// the profile (higher is safer), the others report risk directly
// (higher is riskier). Fusion converts everything to the risk scale.
type Signal struct {
	Source     Source  `json:"source"`
	Value      float64 `json:"value"`
	Confidence float64 `json:"confidence"`
	Degraded   bool    `json:"degraded"`
}

// Neutral returns the degraded placeholder for a source: value 0.5,
// confidence 0, so fusion redistributes its weight to healthy signals.
func Neutral(src Source) Signal {
	return Signal{Source: src, Value: 0.5, Confidence: 0, Degraded: true}
}

// Clamp bounds x to [0,1].
func Clamp(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// GraphNode is a vertex in the session interaction graph.
type GraphNode struct {
	ID string `json:"id"`
}

// GraphEdge connects two nodes of the session interaction graph.
type GraphEdge struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	Weight float64 `json:"weight"`
}

// SessionGraph is the interaction graph submitted with a session.
type SessionGraph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// Validate rejects graphs whose edges reference nodes that do not
// exist. Malformed graphs are a request validation error, not a
// degraded signal.
func (g *SessionGraph) Validate() error {
	if g == nil {
		return nil
	}
	ids := make(map[string]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		ids[n.ID] = struct{}{}
	}
	for _, e := range g.Edges {
		if _, ok := ids[e.Source]; !ok {
			return fmt.Errorf("graph edge references unknown node %q", e.Source)
		}
		if _, ok := ids[e.Target]; !ok {
			return fmt.Errorf("graph edge references unknown node %q", e.Target)
		}
	}
	return nil
}

package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var scorerDegraded = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "riskgate_scorer_degraded_total",
	Help: "External scorer calls that timed out or failed",
}, []string{"source"})

func init() {
	prometheus.MustRegister(scorerDegraded)
}

// scoreRequest is the wire payload sent to a model service. Context
// scorers receive features, graph scorers receive the session graph.
type scoreRequest struct {
	UserID   string        `json:"user_id"`
	Features []float64     `json:"features,omitempty"`
	Graph    *SessionGraph `json:"graph,omitempty"`
}

type scoreResponse struct {
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// Client calls one external model service over HTTP. Every call is
// bounded by the configured timeout; on any failure it reports a
// neutral degraded signal and ErrScorerUnavailable so the pipeline
// keeps moving.
type Client struct {
	source     Source
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	timeoutFn  func() time.Duration
	healthy    atomic.Bool
}

// NewContextClient builds a client for the context anomaly model.
func NewContextClient(baseURL string, timeout time.Duration) *Client {
	return newClient(SourceContext, baseURL, timeout)
}

// NewGraphClient builds a client for the session graph model.
func NewGraphClient(baseURL string, timeout time.Duration) *Client {
	return newClient(SourceGraph, baseURL, timeout)
}

func newClient(src Source, baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	c := &Client{
		source:     src,
		baseURL:    baseURL,
		timeout:    timeout,
		httpClient: &http.Client{},
	}
	c.healthy.Store(true)
	return c
}

// WithTimeoutSource makes the client resolve its per-call timeout from
// f, so reloaded configuration takes effect without a rebuild. A
// non-positive value from f falls back to the constructed timeout.
func (c *Client) WithTimeoutSource(f func() time.Duration) *Client {
	c.timeoutFn = f
	return c
}

// Source returns the signal source this client produces.
func (c *Client) Source() Source { return c.source }

// Healthy reports whether the last call succeeded.
func (c *Client) Healthy() bool { return c.healthy.Load() }

// ScoreContext scores context features. See Score for failure behavior.
func (c *Client) ScoreContext(ctx context.Context, userID string, features []float64) (Signal, error) {
	return c.score(ctx, scoreRequest{UserID: userID, Features: features})
}

// ScoreGraph scores a session interaction graph.
func (c *Client) ScoreGraph(ctx context.Context, userID string, graph *SessionGraph) (Signal, error) {
	return c.score(ctx, scoreRequest{UserID: userID, Graph: graph})
}

func (c *Client) score(ctx context.Context, req scoreRequest) (Signal, error) {
	timeout := c.timeout
	if c.timeoutFn != nil {
		if d := c.timeoutFn(); d > 0 {
			timeout = d
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return c.degrade(), fmt.Errorf("%w: marshal request: %v", ErrScorerUnavailable, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return c.degrade(), fmt.Errorf("%w: build request: %v", ErrScorerUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return c.degrade(), fmt.Errorf("%w: %v", ErrScorerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.degrade(), fmt.Errorf("%w: score failed with status %d", ErrScorerUnavailable, resp.StatusCode)
	}
	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return c.degrade(), fmt.Errorf("%w: decode response: %v", ErrScorerUnavailable, err)
	}

	c.healthy.Store(true)
	return Signal{
		Source:     c.source,
		Value:      Clamp(out.Score),
		Confidence: Clamp(out.Confidence),
	}, nil
}

func (c *Client) degrade() Signal {
	c.healthy.Store(false)
	scorerDegraded.WithLabelValues(string(c.source)).Inc()
	return Neutral(c.source)
}

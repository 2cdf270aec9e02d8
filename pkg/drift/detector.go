// Package drift tracks how far a user's recent behavior has moved away
// from their adapted baseline. The baseline follows accepted sessions
// with a slow exponential moving average and refuses to adapt while
// drift is elevated, so an attacker cannot walk the profile toward
// their own behavior.
package drift

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"riskgate/pkg/scorer"
	"riskgate/pkg/vectorstore"
)

var (
	driftAlerts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "riskgate_drift_alerts_total",
		Help: "Sessions whose drift score exceeded the alert threshold",
	})
	driftScores = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "riskgate_drift_score",
		Help:    "Distribution of per-session drift scores",
		Buckets: prometheus.LinearBuckets(0, 0.05, 20),
	})
	baselineAdaptations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "riskgate_drift_baseline_adaptations_total",
		Help: "Baseline EMA updates applied after a calm window",
	})
	persistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "riskgate_drift_persist_failures_total",
		Help: "Baseline reads/writes that failed against Redis",
	})
)

func init() {
	prometheus.MustRegister(driftAlerts, driftScores, baselineAdaptations, persistFailures)
}

const baselineTTL = 30 * 24 * time.Hour

// Config tunes window size, alert threshold and baseline adaptation.
type Config struct {
	Dimension           int
	WindowSize          int     // sessions per rolling window
	DriftThreshold      float64 // alert above this score
	AdaptationThreshold float64 // baseline frozen at or above this score
	Smoothing           float64 // EMA factor for baseline updates
}

func (c Config) withDefaults() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = 20
	}
	if c.DriftThreshold <= 0 {
		c.DriftThreshold = 0.15
	}
	if c.AdaptationThreshold <= 0 {
		c.AdaptationThreshold = 0.3
	}
	if c.Smoothing <= 0 {
		c.Smoothing = 0.1
	}
	return c
}

// Baseline is a user's adapted behavioral center.
type Baseline struct {
	Centroid    []float64 `json:"centroid"`
	SampleCount int       `json:"sample_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type userState struct {
	baseline    *Baseline
	window      [][]float64
	belowStreak int // consecutive committed sessions under the adaptation threshold
	loaded      bool
}

// Result is the drift signal plus alert material for explanations.
type Result struct {
	Signal scorer.Signal
	Score  float64
	Alert  bool
}

// Detector keeps per-user drift state in memory. When a Redis client
// is supplied, baselines are persisted best-effort so they survive a
// restart; Redis being down never fails a decision.
type Detector struct {
	mu    sync.Mutex
	cfg   Config
	rdb   *redis.Client
	users map[string]*userState

	persistOK atomic.Bool
}

func NewDetector(cfg Config, rdb *redis.Client) *Detector {
	d := &Detector{
		cfg:   cfg.withDefaults(),
		rdb:   rdb,
		users: make(map[string]*userState),
	}
	d.persistOK.Store(true)
	return d
}

// Reconfigure applies reloaded thresholds and window size. The
// dimension is structural and keeps its construction value.
func (d *Detector) Reconfigure(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cfg.Dimension = d.cfg.Dimension
	d.cfg = cfg.withDefaults()
}

// Healthy reports whether baseline persistence is keeping up. Without
// Redis the in-memory detector is always healthy.
func (d *Detector) Healthy() bool {
	if d.rdb == nil {
		return true
	}
	return d.persistOK.Load()
}

// Score computes the prospective drift of the session vector against
// the user's baseline without mutating any state. Before a baseline
// exists it reports a degraded neutral signal.
func (d *Detector) Score(ctx context.Context, userID string, vec []float64) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.state(ctx, userID)
	if st.baseline == nil {
		return Result{Signal: scorer.Neutral(scorer.SourceDrift)}
	}

	score := d.windowDrift(st, vectorstore.Normalize(vec))
	driftScores.Observe(score)
	alert := score > d.cfg.DriftThreshold
	if alert {
		driftAlerts.Inc()
	}

	conf := float64(len(st.window)+1) / float64(d.cfg.WindowSize)
	if conf > 1 {
		conf = 1
	}
	return Result{
		Signal: scorer.Signal{
			Source:     scorer.SourceDrift,
			Value:      scorer.Clamp(score),
			Confidence: conf,
		},
		Score: score,
		Alert: alert,
	}
}

// Commit folds an accepted session into the rolling window and, when a
// full window has stayed calm, adapts the baseline by EMA. Callers
// must not commit blocked sessions.
func (d *Detector) Commit(ctx context.Context, userID string, vec []float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.state(ctx, userID)
	nv := vectorstore.Normalize(vec)

	if st.baseline == nil {
		st.baseline = &Baseline{
			Centroid:    nv,
			SampleCount: 1,
			UpdatedAt:   time.Now(),
		}
		st.window = append(st.window, nv)
		d.persist(ctx, userID, st.baseline)
		return
	}

	score := d.windowDrift(st, nv)
	st.window = append(st.window, nv)
	if len(st.window) > d.cfg.WindowSize {
		st.window = st.window[1:]
	}

	if score < d.cfg.AdaptationThreshold {
		st.belowStreak++
	} else {
		st.belowStreak = 0
	}
	if st.belowStreak >= d.cfg.WindowSize {
		d.adapt(st)
		st.belowStreak = 0
		baselineAdaptations.Inc()
		d.persist(ctx, userID, st.baseline)
	}
}

// BaselineSnapshot returns a copy of the user's baseline for status
// surfaces.
func (d *Detector) BaselineSnapshot(ctx context.Context, userID string) (Baseline, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.state(ctx, userID)
	if st.baseline == nil {
		return Baseline{}, false
	}
	out := *st.baseline
	out.Centroid = append([]float64(nil), st.baseline.Centroid...)
	return out, true
}

// HasBaseline reports whether the user has an established baseline.
func (d *Detector) HasBaseline(ctx context.Context, userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state(ctx, userID).baseline != nil
}

// Reset drops the user's drift state, including the persisted baseline.
func (d *Detector) Reset(ctx context.Context, userID string) {
	d.mu.Lock()
	delete(d.users, userID)
	d.mu.Unlock()
	if d.rdb != nil {
		d.rdb.Del(ctx, baselineKey(userID))
	}
}

// windowDrift measures the distance between the baseline and the
// centroid of the recent window extended with the incoming vector.
// With normalized vectors the score lands in [0,1].
func (d *Detector) windowDrift(st *userState, nv []float64) float64 {
	centroid := make([]float64, d.cfg.Dimension)
	for _, w := range st.window {
		for i, x := range w {
			centroid[i] += x
		}
	}
	for i, x := range nv {
		centroid[i] += x
	}
	n := float64(len(st.window) + 1)
	for i := range centroid {
		centroid[i] /= n
	}
	dot := vectorstore.Dot(vectorstore.Normalize(centroid), st.baseline.Centroid)
	return (1 - dot) / 2
}

func (d *Detector) adapt(st *userState) {
	centroid := make([]float64, d.cfg.Dimension)
	for _, w := range st.window {
		for i, x := range w {
			centroid[i] += x
		}
	}
	n := float64(len(st.window))
	a := d.cfg.Smoothing
	for i := range centroid {
		centroid[i] = (1-a)*st.baseline.Centroid[i] + a*(centroid[i]/n)
	}
	st.baseline.Centroid = vectorstore.Normalize(centroid)
	st.baseline.SampleCount++
	st.baseline.UpdatedAt = time.Now()
}

// state returns the user's in-memory state, lazily restoring the
// baseline from Redis on first contact after a restart.
func (d *Detector) state(ctx context.Context, userID string) *userState {
	st, ok := d.users[userID]
	if !ok {
		st = &userState{}
		d.users[userID] = st
	}
	if !st.loaded {
		st.loaded = true
		if st.baseline == nil && d.rdb != nil {
			raw, err := d.rdb.Get(ctx, baselineKey(userID)).Bytes()
			switch {
			case err == nil:
				var b Baseline
				if json.Unmarshal(raw, &b) == nil && len(b.Centroid) == d.cfg.Dimension {
					st.baseline = &b
				}
			case err != redis.Nil:
				persistFailures.Inc()
				d.persistOK.Store(false)
			}
		}
	}
	return st
}

func (d *Detector) persist(ctx context.Context, userID string, b *Baseline) {
	if d.rdb == nil {
		return
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return
	}
	if err := d.rdb.Set(ctx, baselineKey(userID), raw, baselineTTL).Err(); err != nil {
		persistFailures.Inc()
		d.persistOK.Store(false)
		return
	}
	d.persistOK.Store(true)
}

func baselineKey(userID string) string {
	return fmt.Sprintf("risk:drift:baseline:%s", userID)
}

// Package engine wires the full decision pipeline: validation,
// admission, concurrent signal fan-out, fusion, phase gating, policy,
// state feedback and audit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"riskgate/pkg/audit"
	"riskgate/pkg/config"
	"riskgate/pkg/drift"
	"riskgate/pkg/failures"
	"riskgate/pkg/fusion"
	"riskgate/pkg/phase"
	"riskgate/pkg/policy"
	"riskgate/pkg/scorer"
	"riskgate/pkg/similarity"
	"riskgate/pkg/structlog"
	"riskgate/pkg/vectorstore"
)

var (
	// ErrValidation rejects malformed requests before any state is
	// touched.
	ErrValidation = errors.New("engine: invalid request")
	// ErrCapacityExceeded is the admission-control rejection.
	ErrCapacityExceeded = errors.New("engine: capacity exceeded")
)

var (
	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riskgate_decisions_total",
		Help: "Decisions by action and deciding rule",
	}, []string{"action", "rule"})
	evaluateDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "riskgate_evaluate_duration_seconds",
		Help:    "End-to-end decision latency",
		Buckets: prometheus.DefBuckets,
	})
	admissionRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "riskgate_admission_rejected_total",
		Help: "Sessions rejected by the concurrency limit",
	})
	noopSessions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "riskgate_noop_sessions_total",
		Help: "Sessions carrying an all-zero behavioral vector",
	})
)

func init() {
	prometheus.MustRegister(decisionsTotal, evaluateDuration, admissionRejected, noopSessions)
}

// Confidence of external scorers is conditioned on how much material
// the session actually supplied; these saturation points map input
// size to a [0,1] factor.
const (
	contextFeatureSaturation = 10
	graphNodeSaturation      = 5
)

// ConfigSource yields the live configuration snapshot.
type ConfigSource interface {
	Current() config.Config
}

// ContextScorer scores session context features.
type ContextScorer interface {
	ScoreContext(ctx context.Context, userID string, features []float64) (scorer.Signal, error)
	Healthy() bool
}

// GraphScorer scores the session interaction graph.
type GraphScorer interface {
	ScoreGraph(ctx context.Context, userID string, graph *scorer.SessionGraph) (scorer.Signal, error)
	Healthy() bool
}

// Request is one session to evaluate.
type Request struct {
	UserID            string               `json:"user_id"`
	SessionID         string               `json:"session_id"`
	BehavioralVector  []float64            `json:"behavioral_vector"`
	SessionGraph      *scorer.SessionGraph `json:"session_graph,omitempty"`
	ContextFeatures   []float64            `json:"context_features,omitempty"`
	TransactionAmount float64              `json:"transaction_amount,omitempty"`
	DeviceIntegrityOK bool                 `json:"device_integrity_ok"`
}

// Decision is the immutable outcome of one evaluation.
type Decision struct {
	DecisionID  string                                `json:"decision_id"`
	Action      policy.Action                         `json:"decision"`
	FusedRisk   float64                               `json:"fused_risk"`
	Phase       phase.Phase                           `json:"phase"`
	Breakdown   map[scorer.Source]fusion.Contribution `json:"breakdown"`
	Degraded    []scorer.Source                       `json:"degraded_signals,omitempty"`
	Rule        string                                `json:"rule"`
	Explanation string                                `json:"explanation"`
}

// UserStatus is the learning-status surface for one user.
type UserStatus struct {
	UserID            string      `json:"user_id"`
	Known             bool        `json:"known"`
	Phase             phase.Phase `json:"phase"`
	SessionCount      int         `json:"session_count"`
	VectorCount       int         `json:"vector_count"`
	HasBaseline       bool        `json:"has_baseline"`
	SessionsUntilNext int         `json:"sessions_until_next_phase"`
}

// Options bundles the engine's collaborators.
type Options struct {
	Config        ConfigSource
	Audit         audit.Sink
	Redis         *redis.Client
	Logger        *structlog.Logger
	ContextScorer ContextScorer
	GraphScorer   GraphScorer
}

// Engine runs the decision pipeline. Only the vector dimension is
// fixed at construction; every threshold, weight, limit and window
// follows the live config snapshot on each evaluation.
type Engine struct {
	cfg      ConfigSource
	store    *vectorstore.Store
	drift    *drift.Detector
	phases   *phase.Manager
	failures *failures.Tracker
	audit    audit.Sink
	ctxSc    ContextScorer
	graphSc  GraphScorer
	log      *structlog.Logger

	dim      int
	inflight atomic.Int64
	locks    userLocks
}

// New builds the engine from the initial configuration snapshot.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("engine: config source required")
	}
	cfg := opts.Config.Current()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Audit == nil {
		opts.Audit = audit.NopSink{}
	}
	if opts.Logger == nil {
		opts.Logger = structlog.New("riskengine", structlog.LevelInfo, nil)
	}

	return &Engine{
		cfg:      opts.Config,
		store:    vectorstore.NewStore(cfg.VectorConfig()),
		drift:    drift.NewDetector(cfg.DriftConfig(), opts.Redis),
		phases:   phase.NewManager(cfg.PhaseConfig()),
		failures: failures.NewTracker(opts.Redis, time.Hour),
		audit:    opts.Audit,
		ctxSc:    opts.ContextScorer,
		graphSc:  opts.GraphScorer,
		log:      opts.Logger,
		dim:      cfg.Vector.Dimension,
	}, nil
}

// Evaluate runs the pipeline for one session and always returns a
// decision unless the request is malformed or admission fails.
func (e *Engine) Evaluate(ctx context.Context, req Request) (*Decision, error) {
	start := time.Now()
	cfg := e.cfg.Current()

	if req.UserID == "" || req.SessionID == "" {
		return nil, fmt.Errorf("%w: user_id and session_id are required", ErrValidation)
	}
	// Dimension is structural and fixed at construction; a hot reload
	// cannot change it.
	if len(req.BehavioralVector) != e.dim {
		return nil, fmt.Errorf("%w: behavioral vector has %d dimensions, want %d",
			ErrValidation, len(req.BehavioralVector), e.dim)
	}
	if err := req.SessionGraph.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if n := e.inflight.Add(1); n > int64(cfg.Limits.MaxConcurrentSessions) {
		e.inflight.Add(-1)
		admissionRejected.Inc()
		return nil, ErrCapacityExceeded
	}
	defer e.inflight.Add(-1)

	// Push the reloaded snapshot into the stateful components so tier
	// boundaries, windows and caps match what this decision reports.
	e.store.Reconfigure(cfg.VectorConfig())
	e.drift.Reconfigure(cfg.DriftConfig())
	e.phases.Reconfigure(cfg.PhaseConfig())
	matcher := similarity.NewMatcher(e.store, cfg.Vector.TopK, cfg.SimilarityThresholds())

	unlock := e.locks.lock(req.UserID)
	defer unlock()

	state := e.phases.Ensure(req.UserID)
	noop := vectorstore.IsZero(req.BehavioralVector)
	if noop {
		noopSessions.Inc()
	}

	simRes, driftRes, ctxSig, graphSig := e.fanOut(ctx, matcher, req, noop)

	fused, err := fusion.Fuse([]scorer.Signal{simRes.Signal, driftRes.Signal, ctxSig, graphSig}, cfg.Weights())
	if err != nil {
		return nil, fmt.Errorf("fuse signals: %w", err)
	}

	failureCount := e.failures.Count(ctx, req.UserID)
	outcome := policy.Decide(cfg.PolicyConfig(), policy.Input{
		FusedRisk:         fused.Score,
		Phase:             state.Phase,
		TransactionAmount: req.TransactionAmount,
		DeviceIntegrityOK: req.DeviceIntegrityOK,
		FailureCount:      failureCount,
	})

	if !noop {
		if outcome.Action == policy.ActionBlock {
			// Blocked sessions never shape the profile.
			e.failures.Record(ctx, req.UserID)
		} else {
			if err := e.store.Insert(req.UserID, req.SessionID, req.BehavioralVector); err != nil {
				e.log.Error("vector insert failed", structlog.Fields{"user_id": req.UserID, "error": err.Error()})
			}
			e.drift.Commit(ctx, req.UserID, req.BehavioralVector)
			state = e.phases.CompleteSession(req.UserID)
		}
	}

	dec := &Decision{
		DecisionID:  uuid.NewString(),
		Action:      outcome.Action,
		FusedRisk:   fused.Score,
		Phase:       state.Phase,
		Breakdown:   fused.Breakdown,
		Degraded:    fused.Degraded,
		Rule:        outcome.Rule,
		Explanation: e.explain(outcome, simRes, driftRes, fused, noop),
	}

	e.writeAudit(ctx, req, dec)
	decisionsTotal.WithLabelValues(string(dec.Action), dec.Rule).Inc()
	evaluateDuration.Observe(time.Since(start).Seconds())

	if dec.Action == policy.ActionBlock {
		e.log.Security("session blocked", structlog.Fields{
			"user_id": req.UserID, "session_id": req.SessionID,
			"rule": dec.Rule, "fused_risk": dec.FusedRisk,
		})
	}
	return dec, nil
}

// fanOut computes all four signals concurrently. The external scorers
// bound themselves with the configured timeout, so the join is bounded
// too. No-op sessions carry no usable telemetry, so the profile-backed
// signals degrade to neutral.
func (e *Engine) fanOut(ctx context.Context, matcher *similarity.Matcher, req Request, noop bool) (similarity.Result, drift.Result, scorer.Signal, scorer.Signal) {
	var (
		wg       sync.WaitGroup
		simRes   similarity.Result
		driftRes drift.Result
		ctxSig   = scorer.Neutral(scorer.SourceContext)
		graphSig = scorer.Neutral(scorer.SourceGraph)
	)

	if noop {
		simRes = similarity.Result{Signal: scorer.Neutral(scorer.SourceSimilarity), Tier: similarity.TierNone}
		driftRes = drift.Result{Signal: scorer.Neutral(scorer.SourceDrift)}
	} else {
		wg.Add(2)
		go func() {
			defer wg.Done()
			res, err := matcher.Score(req.UserID, req.BehavioralVector)
			if err != nil {
				e.log.Error("similarity scoring failed", structlog.Fields{"user_id": req.UserID, "error": err.Error()})
				res = similarity.Result{Signal: scorer.Neutral(scorer.SourceSimilarity), Tier: similarity.TierNone}
			}
			simRes = res
		}()
		go func() {
			defer wg.Done()
			driftRes = e.drift.Score(ctx, req.UserID, req.BehavioralVector)
		}()
	}

	if e.ctxSc != nil && len(req.ContextFeatures) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sig, err := e.ctxSc.ScoreContext(ctx, req.UserID, req.ContextFeatures)
			if err != nil {
				e.log.Warn("context scorer degraded", structlog.Fields{"user_id": req.UserID, "error": err.Error()})
			}
			sig.Confidence *= richness(len(req.ContextFeatures), contextFeatureSaturation)
			ctxSig = sig
		}()
	}
	if e.graphSc != nil && req.SessionGraph != nil && len(req.SessionGraph.Nodes) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sig, err := e.graphSc.ScoreGraph(ctx, req.UserID, req.SessionGraph)
			if err != nil {
				e.log.Warn("graph scorer degraded", structlog.Fields{"user_id": req.UserID, "error": err.Error()})
			}
			sig.Confidence *= richness(len(req.SessionGraph.Nodes), graphNodeSaturation)
			graphSig = sig
		}()
	}

	wg.Wait()
	return simRes, driftRes, ctxSig, graphSig
}

func richness(n, saturation int) float64 {
	r := float64(n) / float64(saturation)
	if r > 1 {
		return 1
	}
	return r
}

func (e *Engine) explain(out policy.Outcome, sim similarity.Result, dr drift.Result, fused fusion.Fused, noop bool) string {
	var b strings.Builder
	b.WriteString(out.Reason)
	if noop {
		b.WriteString("; session carried no usable telemetry")
	} else if sim.Compared == 0 {
		b.WriteString("; first session, no behavioral profile yet")
	} else {
		fmt.Fprintf(&b, "; similarity %s against %d previous sessions", sim.Tier, sim.Compared)
	}
	if dr.Alert {
		fmt.Fprintf(&b, "; drift alert (score %.2f)", dr.Score)
	}
	if len(fused.Degraded) > 0 {
		names := make([]string, len(fused.Degraded))
		for i, s := range fused.Degraded {
			names[i] = string(s)
		}
		fmt.Fprintf(&b, "; degraded signals: %s", strings.Join(names, ", "))
	}
	return b.String()
}

func (e *Engine) writeAudit(ctx context.Context, req Request, dec *Decision) {
	breakdown := make(map[string]float64, len(dec.Breakdown))
	for src, c := range dec.Breakdown {
		breakdown[string(src)] = c.Weighted
	}
	degraded := make([]string, len(dec.Degraded))
	for i, s := range dec.Degraded {
		degraded[i] = string(s)
	}
	rec := &audit.Record{
		ID:              dec.DecisionID,
		UserID:          req.UserID,
		SessionID:       req.SessionID,
		Action:          string(dec.Action),
		Rule:            dec.Rule,
		FusedRisk:       dec.FusedRisk,
		Phase:           string(dec.Phase),
		Breakdown:       breakdown,
		DegradedSignals: degraded,
		Explanation:     dec.Explanation,
		CreatedAt:       time.Now().UTC(),
	}
	if err := e.audit.Append(ctx, rec); err != nil {
		e.log.Error("audit append failed", structlog.Fields{"decision_id": dec.DecisionID, "error": err.Error()})
	}
	e.log.Audit("risk_decision", structlog.Fields{
		"decision_id": dec.DecisionID,
		"user_id":     req.UserID,
		"session_id":  req.SessionID,
		"action":      string(dec.Action),
		"rule":        dec.Rule,
		"fused_risk":  dec.FusedRisk,
		"phase":       string(dec.Phase),
	})
}

// RecordFailure lets the transport report a failed challenge so the
// lockout counter sees it.
func (e *Engine) RecordFailure(ctx context.Context, userID string) {
	e.failures.Record(ctx, userID)
}

// Status reports the user's learning progress.
func (e *Engine) Status(ctx context.Context, userID string) UserStatus {
	st, known := e.phases.Lookup(userID)
	return UserStatus{
		UserID:            userID,
		Known:             known,
		Phase:             st.Phase,
		SessionCount:      st.SessionCount,
		VectorCount:       e.store.Count(userID),
		HasBaseline:       e.drift.HasBaseline(ctx, userID),
		SessionsUntilNext: e.phases.SessionsUntilNext(userID),
	}
}

// ResetProfile wipes every per-user trace: vectors, drift state,
// failures, and phase. This is the single sanctioned phase regression.
func (e *Engine) ResetProfile(ctx context.Context, userID string) {
	unlock := e.locks.lock(userID)
	defer unlock()
	e.store.Reset(userID)
	e.drift.Reset(ctx, userID)
	e.failures.Reset(ctx, userID)
	e.phases.Reset(userID)
	e.log.Audit("profile_reset", structlog.Fields{"user_id": userID})
}

// PhaseStats derives the aggregate phase distribution on demand.
func (e *Engine) PhaseStats() phase.Stats {
	return e.phases.Snapshot()
}

// Health reports per-component availability. The vector store and
// similarity matcher are in-process memory with no failure mode short
// of the process itself; drift reflects baseline persistence.
func (e *Engine) Health() map[string]bool {
	h := map[string]bool{
		"vector_store":   true,
		"similarity":     true,
		"drift":          e.drift.Healthy(),
		"context_scorer": e.ctxSc != nil && e.ctxSc.Healthy(),
		"graph_scorer":   e.graphSc != nil && e.graphSc.Healthy(),
	}
	return h
}

// userLocks serializes evaluations per user with a sharded mutex map.
type userLocks struct {
	shards [64]sync.Mutex
}

func (u *userLocks) lock(userID string) func() {
	h := fnv.New32a()
	h.Write([]byte(userID))
	m := &u.shards[h.Sum32()%uint32(len(u.shards))]
	m.Lock()
	return m.Unlock
}

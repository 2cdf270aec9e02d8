// Package phase tracks each user's onboarding lifecycle. Transitions
// only move forward; the single allowed regression is an explicit
// profile reset.
package phase

import (
	"sync"
	"time"
)

// Phase is a user's position in the onboarding lifecycle.
type Phase string

const (
	PhaseColdStart   Phase = "cold_start"
	PhaseLearning    Phase = "learning"
	PhaseGradualRisk Phase = "gradual_risk"
	PhaseFullAuth    Phase = "full_auth"
)

func rank(p Phase) int {
	switch p {
	case PhaseColdStart:
		return 0
	case PhaseLearning:
		return 1
	case PhaseGradualRisk:
		return 2
	case PhaseFullAuth:
		return 3
	default:
		return -1
	}
}

// TrustsRisk reports whether risk scores are considered reliable in
// the phase. During cold start and learning the profile is too thin to
// act on.
func TrustsRisk(p Phase) bool {
	return p == PhaseGradualRisk || p == PhaseFullAuth
}

// Config sets the session counts gating phase promotion.
type Config struct {
	LearningSessions int // learning -> gradual_risk at this count
	GradualSessions  int // gradual_risk -> full_auth at this count
}

func (c Config) withDefaults() Config {
	if c.LearningSessions <= 0 {
		c.LearningSessions = 5
	}
	if c.GradualSessions <= c.LearningSessions {
		c.GradualSessions = c.LearningSessions + 10
	}
	return c
}

// State is one user's lifecycle position.
type State struct {
	UserID         string    `json:"user_id"`
	Phase          Phase     `json:"phase"`
	SessionCount   int       `json:"session_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastTransition time.Time `json:"last_transition"`
}

// Stats is an aggregate view derived on demand from per-user state.
type Stats struct {
	TotalUsers int           `json:"total_users"`
	ByPhase    map[Phase]int `json:"by_phase"`
}

// Manager owns per-user phase state.
type Manager struct {
	mu    sync.RWMutex
	cfg   Config
	users map[string]*State
}

func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg.withDefaults(), users: make(map[string]*State)}
}

// Reconfigure applies reloaded promotion thresholds. Already promoted
// users keep their phase; only future promotions see the new counts.
func (m *Manager) Reconfigure(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg.withDefaults()
}

// Lookup returns a copy of the user's state. The boolean distinguishes
// a genuinely new user from one sitting in cold start.
func (m *Manager) Lookup(userID string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.users[userID]
	if !ok {
		return State{UserID: userID, Phase: PhaseColdStart}, false
	}
	return *st, true
}

// Ensure registers the user in cold start on first contact and returns
// the current state.
func (m *Manager) Ensure(userID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.users[userID]
	if !ok {
		now := time.Now()
		st = &State{
			UserID:         userID,
			Phase:          PhaseColdStart,
			CreatedAt:      now,
			LastTransition: now,
		}
		m.users[userID] = st
	}
	return *st
}

// CompleteSession counts a successfully analyzed session and applies
// any promotion it earns. Promotions are strictly monotonic.
func (m *Manager) CompleteSession(userID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.users[userID]
	if !ok {
		now := time.Now()
		st = &State{UserID: userID, Phase: PhaseColdStart, CreatedAt: now, LastTransition: now}
		m.users[userID] = st
	}
	st.SessionCount++

	next := st.Phase
	switch {
	case st.SessionCount >= m.cfg.GradualSessions:
		next = PhaseFullAuth
	case st.SessionCount >= m.cfg.LearningSessions:
		next = PhaseGradualRisk
	case st.SessionCount >= 1:
		next = PhaseLearning
	}
	if rank(next) > rank(st.Phase) {
		st.Phase = next
		st.LastTransition = time.Now()
	}
	return *st
}

// SessionsUntilNext returns how many more completed sessions promote
// the user, or 0 in full auth.
func (m *Manager) SessionsUntilNext(userID string) int {
	st, _ := m.Lookup(userID)
	m.mu.RLock()
	cfg := m.cfg
	m.mu.RUnlock()
	switch st.Phase {
	case PhaseColdStart, PhaseLearning:
		return cfg.LearningSessions - st.SessionCount
	case PhaseGradualRisk:
		return cfg.GradualSessions - st.SessionCount
	default:
		return 0
	}
}

// Reset returns the user to cold start with a zero session count. This
// is the only phase regression the manager permits.
func (m *Manager) Reset(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.users[userID]; ok {
		st.Phase = PhaseColdStart
		st.SessionCount = 0
		st.LastTransition = time.Now()
	}
}

// Snapshot derives aggregate phase statistics by walking the per-user
// state, so counters can never disagree with the truth.
func (m *Manager) Snapshot() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{ByPhase: map[Phase]int{
		PhaseColdStart:   0,
		PhaseLearning:    0,
		PhaseGradualRisk: 0,
		PhaseFullAuth:    0,
	}}
	for _, st := range m.users {
		stats.TotalUsers++
		stats.ByPhase[st.Phase]++
	}
	return stats
}

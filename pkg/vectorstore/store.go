// Package vectorstore keeps per-user behavioral vectors in memory and
// answers nearest-neighbor queries by inner product. Vectors are
// L2-normalized on insert, so inner product equals cosine similarity.
package vectorstore

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrDimensionMismatch is returned when a vector does not match the
	// configured dimensionality.
	ErrDimensionMismatch = errors.New("vectorstore: dimension mismatch")
	// ErrInsufficientData is returned by Search when a user has fewer
	// stored vectors than the configured search minimum.
	ErrInsufficientData = errors.New("vectorstore: insufficient data")
)

var (
	vectorsStored = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "riskgate_vectorstore_vectors",
		Help: "Total behavioral vectors currently stored",
	})
	vectorsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "riskgate_vectorstore_evictions_total",
		Help: "Vectors evicted because a user hit the per-user cap",
	})
)

func init() {
	prometheus.MustRegister(vectorsStored, vectorsEvicted)
}

// Vector is a stored behavioral sample for one session.
type Vector struct {
	SessionID string
	Values    []float64
	StoredAt  time.Time
}

// Match pairs a stored vector with its similarity to the query.
type Match struct {
	SessionID  string
	Similarity float64
	StoredAt   time.Time
}

// Config controls store capacity and search admission.
type Config struct {
	Dimension    int // vector dimensionality, typically 90
	MaxPerUser   int // oldest vector evicted beyond this
	MinForSearch int // Search returns ErrInsufficientData below this
}

// Store holds normalized vectors per user. Reads dominate writes, so a
// single RWMutex over the user map is enough; callers serialize writes
// for the same user.
type Store struct {
	mu    sync.RWMutex
	cfg   Config
	users map[string][]Vector
}

func NewStore(cfg Config) *Store {
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = 1000
	}
	if cfg.MinForSearch <= 0 {
		cfg.MinForSearch = 5
	}
	return &Store{cfg: cfg, users: make(map[string][]Vector)}
}

// Reconfigure applies reloaded capacity and search-admission limits.
// The dimension is structural and keeps its construction value; a
// lowered cap takes effect as users insert.
func (s *Store) Reconfigure(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.MaxPerUser > 0 {
		s.cfg.MaxPerUser = cfg.MaxPerUser
	}
	if cfg.MinForSearch > 0 {
		s.cfg.MinForSearch = cfg.MinForSearch
	}
}

// Normalize returns an L2-normalized copy of v. A zero vector is
// returned unchanged.
func Normalize(v []float64) []float64 {
	out := make([]float64, len(v))
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		copy(out, v)
		return out
	}
	norm := math.Sqrt(sum)
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

// IsZero reports whether every component of v is exactly zero. Zero
// vectors mark sessions with no usable telemetry and must not be stored.
func IsZero(v []float64) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// Dot computes the inner product of two equal-length vectors.
func Dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// Insert normalizes and stores a vector for the user, evicting the
// oldest vector when the per-user cap is reached.
func (s *Store) Insert(userID, sessionID string, values []float64) error {
	if len(values) != s.cfg.Dimension {
		return ErrDimensionMismatch
	}
	v := Vector{SessionID: sessionID, Values: Normalize(values), StoredAt: time.Now()}

	s.mu.Lock()
	defer s.mu.Unlock()
	vecs := s.users[userID]
	for len(vecs) >= s.cfg.MaxPerUser {
		copy(vecs, vecs[1:])
		vecs = vecs[:len(vecs)-1]
		vectorsEvicted.Inc()
		vectorsStored.Dec()
	}
	s.users[userID] = append(vecs, v)
	vectorsStored.Inc()
	return nil
}

// Search returns the top-k most similar stored vectors for the user,
// ordered by descending similarity with the most recent winning ties.
// The query is normalized before comparison.
func (s *Store) Search(userID string, query []float64, k int) ([]Match, error) {
	if len(query) != s.cfg.Dimension {
		return nil, ErrDimensionMismatch
	}
	q := Normalize(query)

	s.mu.RLock()
	defer s.mu.RUnlock()
	vecs := s.users[userID]
	if len(vecs) < s.cfg.MinForSearch {
		return nil, ErrInsufficientData
	}

	// Candidates are collected newest first, so the stable sort breaks
	// similarity ties toward the most recent vector.
	matches := make([]Match, 0, len(vecs))
	for i := len(vecs) - 1; i >= 0; i-- {
		matches = append(matches, Match{
			SessionID:  vecs[i].SessionID,
			Similarity: Dot(q, vecs[i].Values),
			StoredAt:   vecs[i].StoredAt,
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Count returns the number of vectors stored for the user.
func (s *Store) Count(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID])
}

// Centroid returns the mean of the user's most recent window vectors,
// or nil when none are stored. The result is not normalized.
func (s *Store) Centroid(userID string, window int) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vecs := s.users[userID]
	if len(vecs) == 0 {
		return nil
	}
	if window > 0 && len(vecs) > window {
		vecs = vecs[len(vecs)-window:]
	}
	out := make([]float64, s.cfg.Dimension)
	for _, v := range vecs {
		for i, x := range v.Values {
			out[i] += x
		}
	}
	n := float64(len(vecs))
	for i := range out {
		out[i] /= n
	}
	return out
}

// Reset drops all vectors stored for the user.
func (s *Store) Reset(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vectorsStored.Sub(float64(len(s.users[userID])))
	delete(s.users, userID)
}

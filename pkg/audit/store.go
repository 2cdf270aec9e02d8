// Package audit persists decisions as immutable, hash-chained records.
// Each record's chain hash covers the previous record's hash, so any
// tampering with history breaks the chain.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// Record is one decision written to the audit trail. It is never
// mutated after creation.
type Record struct {
	ID              string             `json:"id"`
	UserID          string             `json:"user_id"`
	SessionID       string             `json:"session_id"`
	Action          string             `json:"action"`
	Rule            string             `json:"rule"`
	FusedRisk       float64            `json:"fused_risk"`
	Phase           string             `json:"phase"`
	Breakdown       map[string]float64 `json:"breakdown"`
	DegradedSignals []string           `json:"degraded_signals,omitempty"`
	Explanation     string             `json:"explanation"`
	CreatedAt       time.Time          `json:"created_at"`
	PrevHash        string             `json:"prev_hash"`
	ChainHash       string             `json:"chain_hash"`
}

// Sink receives audit records. Implementations must tolerate being
// called concurrently.
type Sink interface {
	Append(ctx context.Context, rec *Record) error
	Close() error
}

// NopSink discards records; used when persistence is disabled.
type NopSink struct{}

func (NopSink) Append(context.Context, *Record) error { return nil }
func (NopSink) Close() error                          { return nil }

// chainHash links a record to its predecessor with a rolling SHA-256.
func chainHash(prevHash string, rec *Record) string {
	core := struct {
		UserID    string             `json:"user_id"`
		SessionID string             `json:"session_id"`
		Action    string             `json:"action"`
		Rule      string             `json:"rule"`
		FusedRisk float64            `json:"fused_risk"`
		Phase     string             `json:"phase"`
		Breakdown map[string]float64 `json:"breakdown"`
		CreatedAt time.Time          `json:"created_at"`
	}{rec.UserID, rec.SessionID, rec.Action, rec.Rule, rec.FusedRisk, rec.Phase, rec.Breakdown, rec.CreatedAt}

	h := sha256.New()
	h.Write([]byte(prevHash))
	body, _ := json.Marshal(core)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// PostgresStore appends records to the risk_decisions table. Decisions
// for different users run concurrently, so a mutex serializes appends
// and keeps the chain tip advancing linearly.
type PostgresStore struct {
	db *sql.DB

	mu       sync.Mutex
	lastHash string
}

// NewPostgresStore connects, runs the schema migration and loads the
// chain tip.
func NewPostgresStore(dbURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit database: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadChainTip(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS risk_decisions (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		action TEXT NOT NULL,
		rule TEXT NOT NULL,
		fused_risk DOUBLE PRECISION NOT NULL,
		phase TEXT NOT NULL,
		breakdown JSONB,
		degraded_signals JSONB,
		explanation TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		prev_hash TEXT NOT NULL,
		chain_hash TEXT NOT NULL,
		seq BIGSERIAL
	);
	CREATE INDEX IF NOT EXISTS idx_risk_decisions_user ON risk_decisions(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_risk_decisions_action ON risk_decisions(action, created_at DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate audit schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) loadChainTip() error {
	err := s.db.QueryRow(
		`SELECT chain_hash FROM risk_decisions ORDER BY seq DESC LIMIT 1`,
	).Scan(&s.lastHash)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load audit chain tip: %w", err)
	}
	return nil
}

// Append computes the chain hash and inserts the record.
func (s *PostgresStore) Append(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.PrevHash = s.lastHash
	rec.ChainHash = chainHash(s.lastHash, rec)

	breakdown, _ := json.Marshal(rec.Breakdown)
	degraded, _ := json.Marshal(rec.DegradedSignals)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_decisions
		(id, user_id, session_id, action, rule, fused_risk, phase, breakdown, degraded_signals, explanation, created_at, prev_hash, chain_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		rec.ID, rec.UserID, rec.SessionID, rec.Action, rec.Rule, rec.FusedRisk,
		rec.Phase, breakdown, degraded, rec.Explanation, rec.CreatedAt,
		rec.PrevHash, rec.ChainHash,
	)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	s.lastHash = rec.ChainHash
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

package audit

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func sampleRecord(session string) *Record {
	return &Record{
		ID:        "00000000-0000-0000-0000-000000000001",
		UserID:    "u1",
		SessionID: session,
		Action:    "allow",
		Rule:      "risk_threshold",
		FusedRisk: 0.12,
		Phase:     "full_auth",
		Breakdown: map[string]float64{"similarity": 0.05, "drift": 0.07},
		CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestChainHashDeterministic(t *testing.T) {
	a := chainHash("", sampleRecord("s1"))
	b := chainHash("", sampleRecord("s1"))
	if a != b {
		t.Errorf("same record hashed differently: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}

func TestChainHashLinksPredecessor(t *testing.T) {
	rec := sampleRecord("s1")
	genesis := chainHash("", rec)
	linked := chainHash(genesis, rec)
	if genesis == linked {
		t.Error("chain hash ignores the previous hash")
	}
}

func TestChainHashCoversDecision(t *testing.T) {
	base := chainHash("", sampleRecord("s1"))

	tampered := sampleRecord("s1")
	tampered.Action = "block"
	if chainHash("", tampered) == base {
		t.Error("changing the action did not change the hash")
	}

	tampered = sampleRecord("s1")
	tampered.FusedRisk = 0.99
	if chainHash("", tampered) == base {
		t.Error("changing the risk did not change the hash")
	}

	if chainHash("", sampleRecord("s2")) == base {
		t.Error("changing the session did not change the hash")
	}
}

// chainCapture records the (prev_hash, chain_hash) pair of every
// insert the stub driver sees.
type chainCapture struct {
	mu    sync.Mutex
	links [][2]string
}

func (c *chainCapture) add(prev, chain string) {
	c.mu.Lock()
	c.links = append(c.links, [2]string{prev, chain})
	c.mu.Unlock()
}

func (c *chainCapture) snapshot() [][2]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][2]string(nil), c.links...)
}

type stubDriver struct{ cap *chainCapture }

func (d *stubDriver) Open(string) (driver.Conn, error) { return &stubConn{cap: d.cap}, nil }

type stubConn struct{ cap *chainCapture }

func (c *stubConn) Prepare(string) (driver.Stmt, error) { return &stubStmt{cap: c.cap}, nil }
func (c *stubConn) Close() error                        { return nil }
func (c *stubConn) Begin() (driver.Tx, error)           { return nil, errors.New("not supported") }

type stubStmt struct{ cap *chainCapture }

func (s *stubStmt) Close() error  { return nil }
func (s *stubStmt) NumInput() int { return -1 }

func (s *stubStmt) Exec(args []driver.Value) (driver.Result, error) {
	if len(args) == 13 {
		s.cap.add(args[11].(string), args[12].(string))
	}
	return driver.RowsAffected(1), nil
}

func (s *stubStmt) Query([]driver.Value) (driver.Rows, error) {
	return nil, errors.New("not supported")
}

var (
	stubCap      = &chainCapture{}
	registerStub sync.Once
)

func stubStore(t *testing.T) *PostgresStore {
	t.Helper()
	registerStub.Do(func() { sql.Register("auditstub", &stubDriver{cap: stubCap}) })
	db, err := sql.Open("auditstub", "")
	if err != nil {
		t.Fatalf("open stub db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &PostgresStore{db: db}
}

func TestAppendConcurrentKeepsChainLinear(t *testing.T) {
	store := stubStore(t)

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				rec := sampleRecord(fmt.Sprintf("w%d-s%d", w, i))
				if err := store.Append(context.Background(), rec); err != nil {
					t.Errorf("append: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	links := stubCap.snapshot()
	if len(links) != workers*perWorker {
		t.Fatalf("records inserted = %d, want %d", len(links), workers*perWorker)
	}

	// A linear chain uses every prev_hash exactly once, and every
	// non-genesis prev_hash must be some record's chain hash.
	prevSeen := make(map[string]int, len(links))
	chainHashes := make(map[string]bool, len(links))
	for _, l := range links {
		prevSeen[l[0]]++
		chainHashes[l[1]] = true
	}
	for prev, n := range prevSeen {
		if n != 1 {
			t.Errorf("chain forked: prev_hash %s used by %d records", prev, n)
		}
		if prev != "" && !chainHashes[prev] {
			t.Errorf("prev_hash %s does not match any chain hash", prev)
		}
	}
}

func TestNopSink(t *testing.T) {
	var sink Sink = NopSink{}
	if err := sink.Append(context.Background(), sampleRecord("s1")); err != nil {
		t.Errorf("nop append: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("nop close: %v", err)
	}
}

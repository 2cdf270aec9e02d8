// Package failures counts authentication failures per user over a
// sliding window, backing the lockout rule. Redis keeps the counter
// shared across instances; without Redis an in-memory window serves a
// single instance.
package failures

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "risk:failures:"

// Tracker records and counts failures inside the configured window.
type Tracker struct {
	rdb    *redis.Client
	window time.Duration

	mu    sync.Mutex
	local map[string][]time.Time
}

func NewTracker(rdb *redis.Client, window time.Duration) *Tracker {
	if window <= 0 {
		window = time.Hour
	}
	return &Tracker{
		rdb:    rdb,
		window: window,
		local:  make(map[string][]time.Time),
	}
}

// Record registers one failure for the user.
func (t *Tracker) Record(ctx context.Context, userID string) {
	now := time.Now()
	if t.rdb != nil {
		key := keyPrefix + userID
		pipe := t.rdb.Pipeline()
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(now.UnixNano()),
			Member: fmt.Sprintf("%d", now.UnixNano()),
		})
		pipe.Expire(ctx, key, t.window)
		if _, err := pipe.Exec(ctx); err == nil {
			return
		}
		// fall through to the local window on Redis failure
	}
	t.mu.Lock()
	t.local[userID] = append(t.prune(t.local[userID], now), now)
	t.mu.Unlock()
}

// Count returns the user's failures inside the window. Counting never
// fails: if Redis is unreachable the local window answers, so a Redis
// outage cannot lock users out or waive the lockout entirely.
func (t *Tracker) Count(ctx context.Context, userID string) int {
	now := time.Now()
	if t.rdb != nil {
		key := keyPrefix + userID
		cutoff := fmt.Sprintf("%d", now.Add(-t.window).UnixNano())
		pipe := t.rdb.Pipeline()
		pipe.ZRemRangeByScore(ctx, key, "0", cutoff)
		card := pipe.ZCard(ctx, key)
		if _, err := pipe.Exec(ctx); err == nil {
			return int(card.Val())
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local[userID] = t.prune(t.local[userID], now)
	return len(t.local[userID])
}

// Reset clears the user's failure history.
func (t *Tracker) Reset(ctx context.Context, userID string) {
	if t.rdb != nil {
		t.rdb.Del(ctx, keyPrefix+userID)
	}
	t.mu.Lock()
	delete(t.local, userID)
	t.mu.Unlock()
}

func (t *Tracker) prune(times []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-t.window)
	out := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			out = append(out, ts)
		}
	}
	return out
}

// Package health tracks backend health passively. Every failed proxy
// attempt increments a per-address counter; any success clears it. A
// route whose counter reaches the threshold is demoted to the back of
// the failover sequence, never dropped, so stale health data can't make
// a tenant unreachable.
package health

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultThreshold = 3
	DefaultTTL       = 60 * time.Second
)

type entry struct {
	failures  int
	expiresAt time.Time
}

// SnapshotEntry is the admin-facing view of one tracked address.
type SnapshotEntry struct {
	Address   string    `json:"address"`
	Failures  int       `json:"failures"`
	Unhealthy bool      `json:"unhealthy"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Tracker holds failure counters keyed by "ip:port". All methods are
// safe for concurrent use; increments are race-free under the lock.
type Tracker struct {
	mu        sync.Mutex
	entries   map[string]*entry
	threshold int
	ttl       time.Duration
	log       *zap.SugaredLogger
}

// NewTracker builds a Tracker with the given demotion threshold and
// counter TTL. Zero values select the defaults.
func NewTracker(threshold int, ttl time.Duration, log *zap.SugaredLogger) *Tracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		entries:   make(map[string]*entry),
		threshold: threshold,
		ttl:       ttl,
		log:       log,
	}
}

// SetPolicy adjusts threshold and TTL; applied to subsequent calls.
func (t *Tracker) SetPolicy(threshold int, ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if threshold > 0 {
		t.threshold = threshold
	}
	if ttl > 0 {
		t.ttl = ttl
	}
}

// MarkFailed records one failed attempt against addr. The counter's
// expiry is pushed out on every failure.
func (t *Tracker) MarkFailed(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[addr]
	if !ok || !time.Now().Before(e.expiresAt) {
		e = &entry{}
		t.entries[addr] = e
	}
	e.failures++
	e.expiresAt = time.Now().Add(t.ttl)
	if e.failures == t.threshold {
		t.log.Warnw("backend passively unhealthy", "addr", addr, "failures", e.failures)
	}
}

// MarkHealthy clears any failure history for addr.
func (t *Tracker) MarkHealthy(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[addr]; ok {
		if e.failures > 0 {
			t.log.Infow("backend recovered", "addr", addr, "failures", e.failures)
		}
		delete(t.entries, addr)
	}
}

// IsUnhealthy reports whether addr has reached the failure threshold.
// Expired counters are discarded on read.
func (t *Tracker) IsUnhealthy(addr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[addr]
	if !ok {
		return false
	}
	if !time.Now().Before(e.expiresAt) {
		delete(t.entries, addr)
		return false
	}
	return e.failures >= t.threshold
}

// Failures returns the live counter for addr, zero if absent or expired.
func (t *Tracker) Failures(addr string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[addr]
	if !ok || !time.Now().Before(e.expiresAt) {
		return 0
	}
	return e.failures
}

// Snapshot lists live counters for the admin state endpoint.
func (t *Tracker) Snapshot() []SnapshotEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	out := make([]SnapshotEntry, 0, len(t.entries))
	for addr, e := range t.entries {
		if !now.Before(e.expiresAt) {
			continue
		}
		out = append(out, SnapshotEntry{
			Address:   addr,
			Failures:  e.failures,
			Unhealthy: e.failures >= t.threshold,
			ExpiresAt: e.expiresAt,
		})
	}
	return out
}

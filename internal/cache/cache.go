// Package cache memoizes computed chat answers by fingerprint with TTL
// expiry. Expiry is checked on every read, so a stale entry is a miss the
// instant its deadline passes; the optional background sweep only bounds
// memory, it is never the source of truth for freshness.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Entry is one cached answer.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	Value       string    `json:"value"`
	ModelUsed   string    `json:"model_used"`
	ExpiresAt   time.Time `json:"expires_at"`
	StoredAt    time.Time `json:"stored_at"`
	UsageCount  int       `json:"usage_count"`
}

// Stats mirrors the counters the cache exposes for observability.
type Stats struct {
	Hits          int     `json:"hits"`
	Misses        int     `json:"misses"`
	TotalRequests int     `json:"total_requests"`
	HitRate       float64 `json:"hit_rate"`
	Size          int     `json:"size"`
}

// ResponseCache is a TTL-bounded fingerprint → answer map, safe for
// concurrent use.
type ResponseCache struct {
	mu      sync.Mutex
	entries map[string]*Entry

	defaultTTL time.Duration
	maxEntries int

	hits   int
	misses int

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger

	now func() time.Time
}

// New creates a response cache. maxEntries bounds memory: when exceeded, the
// entries closest to expiry are dropped first.
func New(defaultTTL time.Duration, maxEntries int, logger *zap.Logger) *ResponseCache {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 2000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResponseCache{
		entries:    make(map[string]*Entry),
		defaultTTL: defaultTTL,
		maxEntries: maxEntries,
		stopCh:     make(chan struct{}),
		logger:     logger,
		now:        time.Now,
	}
}

// Fingerprint derives the deterministic cache key for a message within a
// scope. The message is normalized (lowercased, trimmed, newlines collapsed
// to spaces) so trivially different phrasings of the same text share a key.
// The scope partitions the keyspace; the orchestrator passes the
// conversation id, making the cache history-sensitive.
func Fingerprint(message, scope string) string {
	normalized := strings.ToLower(strings.TrimSpace(message))
	normalized = strings.ReplaceAll(normalized, "\n", " ")
	sum := sha256.Sum256([]byte(normalized + "|" + scope))
	return hex.EncodeToString(sum[:])[:16]
}

// Get returns the cached entry for the fingerprint, or ok=false on a miss.
// An entry at or past its expiry is a miss, never a stale hit.
func (c *ResponseCache) Get(fingerprint string) (Entry, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fingerprint]
	if !ok || !now.Before(e.ExpiresAt) {
		if ok {
			delete(c.entries, fingerprint)
		}
		c.misses++
		return Entry{}, false
	}
	e.UsageCount++
	c.hits++
	return *e, true
}

// Put stores a value under the fingerprint, overwriting any existing entry.
// A ttl of zero uses the cache default.
func (c *ResponseCache) Put(fingerprint, value, modelUsed string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[fingerprint] = &Entry{
		Fingerprint: fingerprint,
		Value:       value,
		ModelUsed:   modelUsed,
		StoredAt:    now,
		ExpiresAt:   now.Add(ttl),
	}

	if len(c.entries) > c.maxEntries {
		c.evictNearestExpiry(len(c.entries) - c.maxEntries)
	}
}

// Invalidate removes one entry. Unknown fingerprints are a no-op.
func (c *ResponseCache) Invalidate(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, fingerprint)
}

// Clear drops every entry and resets the hit/miss counters.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
	c.hits = 0
	c.misses = 0
}

// Sweep removes expired entries and returns the number removed.
func (c *ResponseCache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for fp, e := range c.entries {
		if !now.Before(e.ExpiresAt) {
			delete(c.entries, fp)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("swept expired cache entries", zap.Int("removed", removed))
	}
	return removed
}

// evictNearestExpiry drops the n entries with the earliest expiry.
// Caller holds c.mu.
func (c *ResponseCache) evictNearestExpiry(n int) {
	for ; n > 0; n-- {
		var victim string
		var earliest time.Time
		for fp, e := range c.entries {
			if victim == "" || e.ExpiresAt.Before(earliest) {
				victim = fp
				earliest = e.ExpiresAt
			}
		}
		if victim == "" {
			return
		}
		delete(c.entries, victim)
	}
}

// GetStats returns a snapshot of the cache counters.
func (c *ResponseCache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		TotalRequests: c.hits + c.misses,
		Size:          len(c.entries),
	}
	if s.TotalRequests > 0 {
		s.HitRate = float64(s.Hits) / float64(s.TotalRequests)
	}
	return s
}

// StartSweeper launches a background loop that calls Sweep every interval
// until Stop is called.
func (c *ResponseCache) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.doneCh = make(chan struct{})
	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Sweep()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the background sweeper, if running, and waits for it to
// exit.
func (c *ResponseCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	if c.doneCh != nil {
		<-c.doneCh
	}
}

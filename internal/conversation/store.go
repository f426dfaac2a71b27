// Package conversation provides the in-memory registry of chat histories.
// Entries expire after a configurable idle TTL and individual histories are
// pruned to a bounded number of recent turns, so the store's memory use is
// proportional to active conversations rather than total traffic.
package conversation

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a conversation history.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Entry tracks the state of a single conversation.
type Entry struct {
	ID         string    `json:"id"`
	Messages   []Message `json:"messages"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// Store is a TTL-bounded registry of conversation entries. All methods are
// safe for concurrent use; operations on different conversation ids never
// block each other beyond the top-level map access.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	ttl        time.Duration
	maxHistory int

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger

	// now is overridable in tests.
	now func() time.Time
}

// DefaultTTL is used when the configured TTL is not positive.
const DefaultTTL = time.Hour

// NewStore creates a conversation store. maxHistory is the configured
// max-history-messages count; histories are pruned to twice that (a turn is
// two messages).
func NewStore(ttl time.Duration, maxHistory int, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxHistory <= 0 {
		maxHistory = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		entries:    make(map[string]*Entry),
		ttl:        ttl,
		maxHistory: maxHistory,
		stopCh:     make(chan struct{}),
		logger:     logger,
		now:        time.Now,
	}
}

// expired reports whether e is past its TTL at instant now.
// Callers hold at least a read lock.
func (s *Store) expired(e *Entry, now time.Time) bool {
	return now.Sub(e.LastActive) > s.ttl
}

// Append adds a message to the conversation, creating the entry if it does
// not exist. An expired entry is replaced, not resurrected: its old messages
// are discarded before the new one is stored.
func (s *Store) Append(conversationID string, role Role, content string) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[conversationID]
	if !ok || s.expired(e, now) {
		e = &Entry{ID: conversationID, CreatedAt: now}
		s.entries[conversationID] = e
	}

	e.Messages = append(e.Messages, Message{Role: role, Content: content, Timestamp: now})
	e.LastActive = now

	// Soft cap: keep the most recent 2*maxHistory messages.
	if cap := 2 * s.maxHistory; len(e.Messages) > cap {
		pruned := len(e.Messages) - cap
		e.Messages = append(e.Messages[:0:0], e.Messages[pruned:]...)
		s.logger.Debug("pruned conversation history",
			zap.String("conversation_id", conversationID),
			zap.Int("pruned", pruned))
	}
}

// Read returns a copy of the conversation's messages in insertion order.
// Expired or unknown conversations yield an empty slice. Reading never
// refreshes LastActive; only Append keeps a conversation alive.
func (s *Store) Read(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[conversationID]
	if !ok || s.expired(e, s.now()) {
		return nil
	}
	out := make([]Message, len(e.Messages))
	copy(out, e.Messages)
	return out
}

// Delete removes a conversation. Deleting an unknown id is a no-op.
func (s *Store) Delete(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, conversationID)
}

// Clear removes every conversation and returns how many were dropped.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	s.entries = make(map[string]*Entry)
	return n
}

// Sweep removes all expired entries and returns the number removed.
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("swept expired conversations", zap.Int("removed", removed))
	}
	return removed
}

// ListActive returns the ids of all non-expired conversations.
func (s *Store) ListActive() []string {
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.entries))
	for id, e := range s.entries {
		if !s.expired(e, now) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Stats returns counters for observability.
func (s *Store) Stats() map[string]int {
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	active := 0
	messages := 0
	for _, e := range s.entries {
		if !s.expired(e, now) {
			active++
			messages += len(e.Messages)
		}
	}
	return map[string]int{
		"total":    len(s.entries),
		"active":   active,
		"messages": messages,
	}
}

// StartSweeper launches a background loop that calls Sweep every interval.
// It runs until Stop is called.
func (s *Store) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.doneCh = make(chan struct{})
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the background sweeper, if running, and waits for it to
// exit. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.doneCh != nil {
		<-s.doneCh
	}
}

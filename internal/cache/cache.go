// Package cache stores suggested follow-up questions per server message id,
// in process or in Redis when several gateway instances share the work.
package cache

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultTTL        = 30 * time.Minute
	defaultMaxEntries = 1024
)

// SuggestionCache maps a server message id to its suggested questions.
type SuggestionCache interface {
	Get(ctx context.Context, messageID string) ([]string, bool, error)
	Set(ctx context.Context, messageID string, questions []string) error
}

type memoryEntry struct {
	questions []string
	expires   time.Time
}

// Memory is an in-process SuggestionCache with per-entry expiry. When full,
// the entry closest to expiry is evicted.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

func NewMemory(ttl time.Duration, maxEntries int) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &Memory{
		entries:    make(map[string]memoryEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (m *Memory) Get(_ context.Context, messageID string) ([]string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[messageID]
	if !ok {
		return nil, false, nil
	}
	if m.now().After(e.expires) {
		delete(m.entries, messageID)
		return nil, false, nil
	}
	return append([]string(nil), e.questions...), true, nil
}

func (m *Memory) Set(_ context.Context, messageID string, questions []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[messageID]; !exists && len(m.entries) >= m.maxEntries {
		m.evictLocked()
	}
	m.entries[messageID] = memoryEntry{
		questions: append([]string(nil), questions...),
		expires:   m.now().Add(m.ttl),
	}
	return nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) evictLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range m.entries {
		if oldestKey == "" || e.expires.Before(oldest) {
			oldestKey, oldest = k, e.expires
		}
	}
	delete(m.entries, oldestKey)
}

package amocrm

import (
	"context"
	"strings"
	"sync"
	"time"
)

const DefaultDedupTTL = 10 * time.Second

// Deduplicator is a set with expiring members. SeenBefore records key and
// reports whether it was already present and unexpired.
type Deduplicator interface {
	SeenBefore(ctx context.Context, key string) (bool, error)
}

type MemoryDeduplicator struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]time.Time
}

func NewMemoryDeduplicator(ttl time.Duration) *MemoryDeduplicator {
	return NewMemoryDeduplicatorWithClock(ttl, time.Now)
}

func NewMemoryDeduplicatorWithClock(ttl time.Duration, now func() time.Time) *MemoryDeduplicator {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryDeduplicator{
		ttl:     ttl,
		now:     now,
		entries: map[string]time.Time{},
	}
}

func (d *MemoryDeduplicator) SeenBefore(_ context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, ErrInvalidInput
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for seenKey, expiresAt := range d.entries {
		if !now.Before(expiresAt) {
			delete(d.entries, seenKey)
		}
	}
	if expiresAt, exists := d.entries[key]; exists && now.Before(expiresAt) {
		return true, nil
	}
	d.entries[key] = now.Add(d.ttl)
	return false, nil
}

func (d *MemoryDeduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count     int64
	expiresAt time.Time
}

// MemoryCounterStore keeps counters in process memory
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*window
	now      func() time.Time
}

// NewMemoryCounterStore creates an empty store
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		counters: make(map[string]*window),
		now:      time.Now,
	}
}

// Incr increments key, starting a new window when none is active
func (s *MemoryCounterStore) Incr(_ context.Context, key string, ttl time.Duration) (Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.counters[key]
	if !ok || !now.Before(w.expiresAt) {
		w = &window{expiresAt: now.Add(ttl)}
		s.counters[key] = w
	}
	w.count++

	return Counter{Count: w.count, ResetAt: w.expiresAt}, nil
}

// Len returns the number of tracked keys
func (s *MemoryCounterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

// CleanupExpired drops finished windows and returns how many were removed
func (s *MemoryCounterStore) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, w := range s.counters {
		if !now.Before(w.expiresAt) {
			delete(s.counters, key)
			removed++
		}
	}
	return removed
}

// StartCleanupWorker periodically drops finished windows until stopCh closes
func (s *MemoryCounterStore) StartCleanupWorker(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.CleanupExpired()
		case <-stopCh:
			return
		}
	}
}

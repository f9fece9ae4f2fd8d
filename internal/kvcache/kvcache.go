// Package kvcache provides the durable key-value cache collaborator used by
// the grounding layer: get/set with TTL, delete by key, and delete by
// pattern. The in-memory implementation suffices for single-instance
// deployments; multi-instance deployments swap in a distributed backend
// behind the same interface.
package kvcache

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Cache is the narrow contract the rest of the system depends on.
type Cache interface {
	// Get returns the value for key and whether it was present and unexpired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes a single key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// DeletePattern removes every key matching the path.Match pattern and
	// returns how many were removed.
	DeletePattern(ctx context.Context, pattern string) (int, error)
}

type entry struct {
	value     []byte
	expiresAt time.Time // zero means never
}

// Memory is an in-process Cache. Keys expire lazily on read and eagerly via
// Sweep, which StartSweeper runs on an interval. Safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
	clock   clock.Clock

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ Cache = (*Memory)(nil)

// NewMemory returns an empty in-memory cache using the wall clock.
func NewMemory() *Memory {
	return NewMemoryWithClock(clock.New())
}

// NewMemoryWithClock returns an in-memory cache driven by the given clock.
// Tests inject a mock clock to exercise TTL behavior deterministically.
func NewMemoryWithClock(c clock.Clock) *Memory {
	return &Memory{entries: make(map[string]entry), clock: c, stop: make(chan struct{})}
}

// StartSweeper evicts expired entries every interval until Close. Without it
// an expired key is only reclaimed when that exact key is read again.
func (m *Memory) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := m.clock.Ticker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Close stops the sweeper. Idempotent.
func (m *Memory) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !m.clock.Now().Before(e.expiresAt) {
		m.mu.Lock()
		// Re-check under the write lock; a concurrent Set may have refreshed it.
		if cur, still := m.entries[key]; still && !cur.expiresAt.IsZero() && !m.clock.Now().Before(cur.expiresAt) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = m.clock.Now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeletePattern(_ context.Context, pattern string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key := range m.entries {
		matched, err := path.Match(pattern, key)
		if err != nil {
			return removed, err
		}
		if matched {
			delete(m.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Sweep removes all expired entries and returns how many were dropped.
func (m *Memory) Sweep() int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, e := range m.entries {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of live entries, including not-yet-swept expired ones.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

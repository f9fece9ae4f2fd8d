package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ErrNotFound is returned when no session exists for a key. Callers must
// restart the session rather than fabricate one.
var ErrNotFound = errors.New("session not found")

// Store is the narrow persistence contract for sessions. The in-memory
// implementation below serves single-instance deployments; a distributed
// cache can stand in for multi-instance ones.
type Store interface {
	Get(ctx context.Context, key Key) (*Session, error)
	Put(ctx context.Context, s *Session) error
	Delete(ctx context.Context, key Key) error
}

// MemoryStore keeps sessions in a keyed map with idle expiry. Access across
// keys is safe and concurrent; there is no global serialization beyond the
// map lock.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	clock    clock.Clock
	idleTTL  time.Duration
	logger   *zap.Logger
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store and starts its idle-expiry sweeper. A zero
// idleTTL disables expiry.
func NewMemoryStore(c clock.Clock, idleTTL, sweepInterval time.Duration, logger *zap.Logger) *MemoryStore {
	m := &MemoryStore{
		sessions: make(map[string]*Session),
		clock:    c,
		idleTTL:  idleTTL,
		logger:   logger.Named("session_store"),
		stop:     make(chan struct{}),
	}
	if idleTTL > 0 && sweepInterval > 0 {
		m.wg.Add(1)
		go m.sweepLoop(sweepInterval)
	}
	return m
}

func (m *MemoryStore) Get(_ context.Context, key Key) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[key.String()]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if m.expired(s) {
		m.mu.Lock()
		delete(m.sessions, key.String())
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) Put(_ context.Context, s *Session) error {
	s.Touch(m.clock.Now())
	m.mu.Lock()
	m.sessions[s.Key.String()] = s
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	delete(m.sessions, key.String())
	m.mu.Unlock()
	return nil
}

// Len reports the number of stored sessions, expired ones included until the
// next sweep.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close stops the sweeper. Idempotent.
func (m *MemoryStore) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *MemoryStore) expired(s *Session) bool {
	return m.idleTTL > 0 && m.clock.Now().Sub(s.LastActive) > m.idleTTL
}

func (m *MemoryStore) sweepLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := m.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if n := m.sweep(); n > 0 {
				m.logger.Debug("Evicted idle sessions", zap.Int("count", n))
			}
		}
	}
}

func (m *MemoryStore) sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, s := range m.sessions {
		if m.expired(s) {
			delete(m.sessions, key)
			removed++
		}
	}
	return removed
}

package kvstore

import (
	"context"
	"sync"
	"time"

	clockpkg "github.com/drblury/reflow/internal/pipeline/clock"
)

const janitorInterval = 30 * time.Second

// Memory is an in-process Store suitable for single-process deployments and
// tests. Expired entries are dropped lazily on read and swept by a janitor
// tick so the map stays bounded.
type Memory struct {
	clock clockpkg.Clock

	mu      sync.RWMutex
	entries map[string]memoryEntry

	stopOnce sync.Once
	stop     chan struct{}
}

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemory creates a Memory store. A nil clock falls back to the system
// clock.
func NewMemory(clk clockpkg.Clock) *Memory {
	if clk == nil {
		clk = clockpkg.System()
	}
	m := &Memory{
		clock:   clk,
		entries: make(map[string]memoryEntry),
		stop:    make(chan struct{}),
	}
	go m.janitor()
	return m
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return "", false, nil
	}
	if m.expired(entry) {
		m.mu.Lock()
		// Re-check under the write lock; a newer Set may have replaced it.
		if current, still := m.entries[key]; still && m.expired(current) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return "", false, nil
	}
	return entry.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = m.clock.Now().Add(ttl)
	}

	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

// Len reports the number of live entries. Intended for tests and metrics.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, entry := range m.entries {
		if !m.expired(entry) {
			n++
		}
	}
	return n
}

func (m *Memory) expired(entry memoryEntry) bool {
	return !entry.expiresAt.IsZero() && m.clock.Now().After(entry.expiresAt)
}

func (m *Memory) janitor() {
	ticker := m.clock.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C():
			m.sweep()
		}
	}
}

func (m *Memory) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, entry := range m.entries {
		if m.expired(entry) {
			delete(m.entries, key)
		}
	}
}

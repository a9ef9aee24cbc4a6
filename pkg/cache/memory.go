package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process TTL cache. A background janitor evicts expired
// entries so abandoned owners don't pin memory.
type Memory struct {
	mu   sync.RWMutex
	data map[string]memoryEntry

	janitor *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemory creates a memory cache. cleanupInterval controls how often
// expired entries are swept; zero means every minute.
func NewMemory(cleanupInterval time.Duration) *Memory {
	if cleanupInterval == 0 {
		cleanupInterval = time.Minute
	}
	m := &Memory{
		data:    make(map[string]memoryEntry),
		janitor: time.NewTicker(cleanupInterval),
		stop:    make(chan struct{}),
	}
	m.wg.Add(1)
	go m.sweep()
	return m
}

func (m *Memory) sweep() {
	defer m.wg.Done()
	for {
		select {
		case <-m.janitor.C:
			now := time.Now()
			m.mu.Lock()
			for k, e := range m.data {
				if now.After(e.expiresAt) {
					delete(m.data, k)
				}
			}
			m.mu.Unlock()
		case <-m.stop:
			return
		}
	}
}

// Get implements Cache.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	e, ok := m.data[key]
	m.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return nil, ErrCacheMiss
	}
	return e.value, nil
}

// Set implements Cache.
func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.data[key] = memoryEntry{value: value, expiresAt: time.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

// Delete implements Cache.
func (m *Memory) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	for _, k := range keys {
		delete(m.data, k)
	}
	m.mu.Unlock()
	return nil
}

// Name implements Cache.
func (m *Memory) Name() string { return "memory" }

// Close stops the janitor.
func (m *Memory) Close() error {
	close(m.stop)
	m.janitor.Stop()
	m.wg.Wait()
	return nil
}

package knowledge

import (
	"context"
	"sync"
	"time"
)

// VectorStore is the swappable backend behind the repository.
// Implementations must exclude items expired at now from Search and apply
// filter before scoring.
type VectorStore interface {
	Put(ctx context.Context, item *Item) error
	Get(ctx context.Context, id string) (*Item, error)
	Search(ctx context.Context, query []float32, k int, filter Filter, now time.Time) ([]ScoredItem, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Sweeper is implemented by stores that can purge expired items in bulk
type Sweeper interface {
	DeleteExpired(ctx context.Context, now time.Time) ([]string, error)
}

// MemoryStore is a process-local VectorStore doing an exact linear scan.
// Concurrency: protected by RWMutex.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Item
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Item)}
}

// Put stores a copy of item, replacing any item with the same id
func (m *MemoryStore) Put(_ context.Context, item *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = item.Clone()
	return nil
}

// Get returns a copy of the stored item
func (m *MemoryStore) Get(_ context.Context, id string) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return it.Clone(), nil
}

// Search filters, scores and ranks every live item
func (m *MemoryStore) Search(_ context.Context, query []float32, k int, filter Filter, now time.Time) ([]ScoredItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := make([]ScoredItem, 0, len(m.items))
	for _, it := range m.items {
		if it.Expired(now) || !filter.Match(it) {
			continue
		}
		hits = append(hits, ScoredItem{Item: it.Clone(), Score: CosineSimilarity(query, it.Embedding)})
	}
	return rankResults(hits, k), nil
}

// Delete removes an item; deleting a missing id is not an error
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

// DeleteExpired removes all items expired at now and returns their ids
func (m *MemoryStore) DeleteExpired(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []string
	for id, it := range m.items {
		if it.Expired(now) {
			delete(m.items, id)
			removed = append(removed, id)
		}
	}
	return removed, nil
}

// Len returns the number of stored items, expired or not
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Close is a no-op
func (m *MemoryStore) Close() error { return nil }

package budgeteer

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store.
//
// It is safe for concurrent use by multiple goroutines, but its state is local
// to the process and lost on restart. Use RedisStore or one of the SQL stores
// when budgets must survive restarts or be shared between processes.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string][]byte
	closed bool
}

// NewMemoryStore constructs a MemoryStore with empty state.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string][]byte),
	}
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false, Unavailable("get", errStoreClosed)
	}
	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Unavailable("put", errStoreClosed)
	}
	m.values[key] = append([]byte(nil), value...)
	return nil
}

// Len reports how many keys are stored.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.values)
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

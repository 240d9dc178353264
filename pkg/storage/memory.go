package storage

import (
	"context"
	"sync"

	"github.com/fystack/orion/pkg/digest"
)

// MemoryStore is a volatile Store for tests and ephemeral nodes.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[digest.Digest][]byte
	closed  bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[digest.Digest][]byte)}
}

func (m *MemoryStore) Put(ctx context.Context, d digest.Digest, envelope []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkRecord(d, envelope); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if existing, ok := m.records[d]; ok {
		return checkExisting(d, existing, envelope)
	}
	m.records[d] = append([]byte(nil), envelope...)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, d digest.Digest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	value, ok := m.records[d]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (m *MemoryStore) Exists(ctx context.Context, d digest.Digest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.records[d]
	return ok, nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.records = nil
	return nil
}

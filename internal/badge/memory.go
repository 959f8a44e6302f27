package badge

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// InMemory is a Store kept in process memory.
type InMemory struct {
	mu     sync.RWMutex
	badges map[string]Badge
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{badges: make(map[string]Badge)}
}

func (m *InMemory) Create(ctx context.Context, b Badge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.badges[b.ID]; ok {
		return ErrConflict
	}
	b.Image = bytes.Clone(b.Image)
	m.badges[b.ID] = b
	return nil
}

func (m *InMemory) Get(ctx context.Context, id string) (Badge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.badges[id]
	if !ok {
		return Badge{}, ErrNotFound
	}
	b.Image = bytes.Clone(b.Image)
	return b, nil
}

func (m *InMemory) UpdateName(ctx context.Context, id, name string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.badges[id]
	if !ok {
		return ErrNotFound
	}
	b.Name = name
	b.ChangedAt = at
	m.badges[id] = b
	return nil
}

func (m *InMemory) UpdateImage(ctx context.Context, id string, image []byte, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.badges[id]
	if !ok {
		return ErrNotFound
	}
	b.Image = bytes.Clone(image)
	b.ChangedAt = at
	m.badges[id] = b
	return nil
}

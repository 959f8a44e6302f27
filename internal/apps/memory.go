package apps

import (
	"context"
	"sort"
	"sync"
	"time"
)

type record struct {
	Bundle
	ready bool
}

// InMemory is a Store kept in process memory.
type InMemory struct {
	mu      sync.Mutex
	bundles map[string][]record
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{bundles: make(map[string][]record)}
}

func (m *InMemory) Create(ctx context.Context, name, title string, at time.Time) (Bundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	version := 1
	if versions := m.bundles[name]; len(versions) > 0 {
		version = versions[len(versions)-1].Version + 1
	}
	b := Bundle{Name: name, Version: version, Title: title, CreatedAt: at}
	m.bundles[name] = append(m.bundles[name], record{Bundle: b})
	return b, nil
}

func (m *InMemory) Publish(ctx context.Context, name string, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.bundles[name] {
		if m.bundles[name][i].Version == version {
			m.bundles[name][i].ready = true
			return nil
		}
	}
	return ErrNotFound
}

func (m *InMemory) Delete(ctx context.Context, name string, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.bundles[name]
	for i, b := range versions {
		if b.Version == version {
			m.bundles[name] = append(versions[:i:i], versions[i+1:]...)
			if len(m.bundles[name]) == 0 {
				delete(m.bundles, name)
			}
			return nil
		}
	}
	return ErrNotFound
}

func (m *InMemory) Latest(ctx context.Context) ([]Bundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Bundle, 0, len(m.bundles))
	for _, versions := range m.bundles {
		for i := len(versions) - 1; i >= 0; i-- {
			if versions[i].ready {
				out = append(out, versions[i].Bundle)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

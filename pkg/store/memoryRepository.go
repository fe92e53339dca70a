package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/zoff-tech/payload-gateway/pkg/payload"
)

// MemoryRepository keeps payloads in process memory. Payloads do not survive a restart.
type MemoryRepository struct {
	mu       sync.RWMutex
	payloads map[string]*payload.Payload
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{payloads: make(map[string]*payload.Payload)}
}

func (m *MemoryRepository) Add(_ context.Context, p *payload.Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.payloads[p.ID]; exists {
		return fmt.Errorf("payload %s already exists", p.ID)
	}
	m.payloads[p.ID] = p.Clone()
	return nil
}

func (m *MemoryRepository) Update(_ context.Context, p *payload.Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.payloads[p.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != p.Version {
		return ErrConflict
	}
	p.Version++
	m.payloads[p.ID] = p.Clone()
	return nil
}

func (m *MemoryRepository) Remove(_ context.Context, p *payload.Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.payloads[p.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != p.Version {
		return ErrConflict
	}
	delete(m.payloads, p.ID)
	return nil
}

func (m *MemoryRepository) ListByStates(_ context.Context, states ...payload.State) ([]*payload.Payload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []*payload.Payload{}
	for _, p := range m.payloads {
		for _, state := range states {
			if p.State == state {
				result = append(result, p.Clone())
				break
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryRepository) Contains(_ context.Context, predicate func(*payload.Payload) bool) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.payloads {
		if predicate(p.Clone()) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryRepository) Exists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.payloads[id]
	return ok, nil
}

// Len returns the number of stored payloads.
func (m *MemoryRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.payloads)
}

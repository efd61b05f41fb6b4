package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bizmatters/loan-assistant/internal/loanflow"
	"github.com/bizmatters/loan-assistant/internal/models"
)

type memoryEntry struct {
	state     loanflow.State
	events    []models.SessionEvent
	expiresAt time.Time
}

// MemoryStore keeps sessions in process memory. States are deep-copied on
// the way in and out so callers never share memory with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memoryEntry
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryStore creates an in-memory store
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		sessions: make(map[string]*memoryEntry),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, state loanflow.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if entry, ok := m.sessions[state.SessionID]; ok && now.Before(entry.expiresAt) {
		return fmt.Errorf("failed to create session %s: %w", state.SessionID, ErrAlreadyExists)
	}
	state = state.Clone()
	state.UpdatedAt = now
	m.sessions[state.SessionID] = &memoryEntry{state: state, expiresAt: now.Add(m.ttl)}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (loanflow.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.sessions[id]
	if !ok || !m.now().Before(entry.expiresAt) {
		return loanflow.State{}, ErrNotFound
	}
	return entry.state.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, state *loanflow.State, events ...models.SessionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	entry, ok := m.sessions[state.SessionID]
	if !ok || !now.Before(entry.expiresAt) {
		return ErrNotFound
	}
	if entry.state.Version != state.Version {
		return fmt.Errorf("failed to save session %s at version %d: %w", state.SessionID, state.Version, ErrConflict)
	}
	state.Version++
	state.UpdatedAt = now
	entry.state = state.Clone()
	entry.expiresAt = now.Add(m.ttl)
	for _, event := range events {
		entry.events = append(entry.events, copyEvent(event))
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) Events(ctx context.Context, id string) ([]models.SessionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.sessions[id]
	if !ok || !m.now().Before(entry.expiresAt) {
		return nil, ErrNotFound
	}
	out := make([]models.SessionEvent, 0, len(entry.events))
	for _, event := range entry.events {
		out = append(out, copyEvent(event))
	}
	return out, nil
}

func (m *MemoryStore) PurgeExpired(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	purged := 0
	for id, entry := range m.sessions {
		if !now.Before(entry.expiresAt) {
			delete(m.sessions, id)
			purged++
		}
	}
	return purged, nil
}

func copyEvent(event models.SessionEvent) models.SessionEvent {
	if event.EventData != nil {
		data := make(map[string]interface{}, len(event.EventData))
		for k, v := range event.EventData {
			data[k] = v
		}
		event.EventData = data
	}
	return event
}

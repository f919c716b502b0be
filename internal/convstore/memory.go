package convstore

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store with the same version-check semantics
// as the Postgres store. It backs local development and tests.
type Memory struct {
	mu   sync.Mutex
	recs map[string]Record
	// clock is swappable so tests can control version tokens
	clock func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		recs:  make(map[string]Record),
		clock: time.Now,
	}
}

func (m *Memory) Get(_ context.Context, conversationID string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.recs[conversationID]
	if !ok {
		return Record{}, false, nil
	}
	// Copy the history so callers can't mutate stored state
	history := make([]Turn, len(rec.History))
	copy(history, rec.History)
	rec.History = history
	return rec, true, nil
}

func (m *Memory) PutIfUnchanged(_ context.Context, rec Record, expected time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.recs[rec.ConversationID]
	if expected.IsZero() {
		if exists {
			return ErrConflict
		}
	} else {
		if !exists || !current.UpdatedAt.Equal(expected) {
			return ErrConflict
		}
	}

	history := make([]Turn, len(rec.History))
	copy(history, rec.History)

	stamp := m.clock()
	// updated_at is the version token; make sure it moves even when the
	// clock resolution is coarse
	if exists && !stamp.After(current.UpdatedAt) {
		stamp = current.UpdatedAt.Add(time.Nanosecond)
	}

	m.recs[rec.ConversationID] = Record{
		ConversationID: rec.ConversationID,
		History:        history,
		UpdatedAt:      stamp,
	}
	return nil
}

// Package convstore persists per-conversation turn history behind an
// optimistic-concurrency write. The version token is the record's
// updated_at timestamp: a write only lands if the row still carries the
// timestamp the caller read, so two workers appending to the same
// conversation can never silently overwrite each other.
package convstore

import (
	"context"
	"errors"
	"time"
)

// ErrConflict is returned by PutIfUnchanged when the record changed
// since the caller loaded it. The caller reloads and retries the append.
var ErrConflict = errors.New("conversation record version conflict")

// Turn is one entry in a conversation history.
type Turn struct {
	Role      string    `json:"role"` // "user", "assistant", "system"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is the persisted state of one conversation.
type Record struct {
	ConversationID string
	History        []Turn
	UpdatedAt      time.Time // version token, set by the store on write
}

// AppendTurn returns a copy of the record with the turn appended. The
// receiver's history slice is not shared with the copy.
func (r Record) AppendTurn(t Turn) Record {
	history := make([]Turn, 0, len(r.History)+1)
	history = append(history, r.History...)
	history = append(history, t)
	return Record{
		ConversationID: r.ConversationID,
		History:        history,
		UpdatedAt:      r.UpdatedAt,
	}
}

// Store is the conversation persistence contract.
//
// PutIfUnchanged writes rec only if the stored version token still
// equals expected. A zero expected time means "create": the write fails
// with ErrConflict if the conversation already exists.
type Store interface {
	Get(ctx context.Context, conversationID string) (Record, bool, error)
	PutIfUnchanged(ctx context.Context, rec Record, expected time.Time) error
}

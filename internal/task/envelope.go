package task

import (
	"time"

	"github.com/google/uuid"
)

// Payload carries the platform-agnostic content of an inbound chat event.
// The worker never interprets Metadata; it is passed through to the reply.
type Payload struct {
	Text     string            `json:"text"`
	Sender   string            `json:"sender,omitempty"`
	Platform string            `json:"platform,omitempty"`
	ReplyURL string            `json:"reply_url,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Envelope is one unit of work flowing through the queue. Envelopes are
// immutable once published; a retry is a fresh copy with Attempt bumped,
// never an in-place mutation of a consumed message.
type Envelope struct {
	TaskID         string            `json:"task_id"`
	ConversationID string            `json:"conversation_id"`
	Payload        Payload           `json:"payload"`
	EnqueuedAt     string            `json:"enqueued_at"` // RFC3339
	Attempt        int               `json:"attempt"`
	TraceHeaders   map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// New builds a first-attempt envelope with a fresh task ID.
func New(conversationID string, p Payload) Envelope {
	return Envelope{
		TaskID:         uuid.NewString(),
		ConversationID: conversationID,
		Payload:        p,
		EnqueuedAt:     time.Now().UTC().Format(time.RFC3339),
		Attempt:        0,
	}
}

// NextAttempt returns a copy of the envelope with the attempt counter
// incremented. The original is left untouched.
func (e Envelope) NextAttempt() Envelope {
	next := e
	next.Attempt++
	return next
}

// Age reports how long ago the envelope was enqueued. A malformed
// timestamp reports zero so staleness checks never fire on it.
func (e Envelope) Age(now time.Time) time.Duration {
	t, err := time.Parse(time.RFC3339, e.EnqueuedAt)
	if err != nil {
		return 0
	}
	return now.Sub(t)
}

package task

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		conversationID string
		payload        Payload
	}{
		{
			name:           "full payload",
			conversationID: "c-123",
			payload: Payload{
				Text:     "hello there",
				Sender:   "U123",
				Platform: "slack",
				ReplyURL: "https://platform.example.com/reply/c-123",
				Metadata: map[string]string{"thread_ts": "171234.5678"},
			},
		},
		{
			name:           "minimal payload",
			conversationID: "c-min",
			payload:        Payload{Text: "hi"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := time.Now().UTC().Add(-time.Second)
			e := New(tt.conversationID, tt.payload)
			after := time.Now().UTC().Add(time.Second)

			if e.TaskID == "" {
				t.Error("New() TaskID is empty")
			}
			if e.ConversationID != tt.conversationID {
				t.Errorf("New() ConversationID = %q, want %q", e.ConversationID, tt.conversationID)
			}
			if e.Attempt != 0 {
				t.Errorf("New() Attempt = %d, want 0", e.Attempt)
			}
			if e.Payload.Text != tt.payload.Text {
				t.Errorf("New() Payload.Text = %q, want %q", e.Payload.Text, tt.payload.Text)
			}

			enq, err := time.Parse(time.RFC3339, e.EnqueuedAt)
			if err != nil {
				t.Fatalf("New() EnqueuedAt parse error: %v", err)
			}
			if enq.Before(before) || enq.After(after) {
				t.Errorf("New() EnqueuedAt %v not between %v and %v", enq, before, after)
			}
		})
	}
}

func TestNewUniqueTaskIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		e := New("c1", Payload{Text: "x"})
		if seen[e.TaskID] {
			t.Fatalf("duplicate task id %q after %d envelopes", e.TaskID, i)
		}
		seen[e.TaskID] = true
	}
}

func TestNextAttempt(t *testing.T) {
	e := New("c1", Payload{Text: "retry me"})
	next := e.NextAttempt()

	if next.Attempt != e.Attempt+1 {
		t.Errorf("NextAttempt() Attempt = %d, want %d", next.Attempt, e.Attempt+1)
	}
	if e.Attempt != 0 {
		t.Errorf("NextAttempt() mutated original: Attempt = %d, want 0", e.Attempt)
	}
	if next.TaskID != e.TaskID {
		t.Errorf("NextAttempt() TaskID = %q, want %q (retries keep the idempotency key)", next.TaskID, e.TaskID)
	}
	if next.ConversationID != e.ConversationID || next.EnqueuedAt != e.EnqueuedAt {
		t.Error("NextAttempt() changed fields other than Attempt")
	}

	third := next.NextAttempt()
	if third.Attempt != 2 {
		t.Errorf("NextAttempt() chained Attempt = %d, want 2", third.Attempt)
	}
}

func TestAge(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		enqueuedAt string
		want       time.Duration
	}{
		{
			name:       "five minutes old",
			enqueuedAt: now.Add(-5 * time.Minute).Format(time.RFC3339),
			want:       5 * time.Minute,
		},
		{
			name:       "fresh",
			enqueuedAt: now.Format(time.RFC3339),
			want:       0,
		},
		{
			name:       "malformed timestamp reports zero",
			enqueuedAt: "not-a-timestamp",
			want:       0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Envelope{EnqueuedAt: tt.enqueuedAt}
			if got := e.Age(now); got != tt.want {
				t.Errorf("Age() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEnvelopeJSONRoundTrip(t *testing.T) {
	e := Envelope{
		TaskID:         "task-123",
		ConversationID: "c-456",
		Payload: Payload{
			Text:     "what is the weather",
			Sender:   "U789",
			Platform: "discord",
			ReplyURL: "https://platform.example.com/reply",
			Metadata: map[string]string{"channel": "general"},
		},
		EnqueuedAt:   "2025-06-01T12:00:00Z",
		Attempt:      2,
		TraceHeaders: map[string]string{"traceparent": "00-abc-def-01"},
	}

	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	var got Envelope
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if got.TaskID != e.TaskID || got.ConversationID != e.ConversationID {
		t.Errorf("round-trip identity mismatch: got %+v", got)
	}
	if got.Attempt != e.Attempt {
		t.Errorf("round-trip Attempt = %d, want %d", got.Attempt, e.Attempt)
	}
	if got.Payload.Text != e.Payload.Text || got.Payload.ReplyURL != e.Payload.ReplyURL {
		t.Errorf("round-trip Payload mismatch: got %+v", got.Payload)
	}
	if got.TraceHeaders["traceparent"] != e.TraceHeaders["traceparent"] {
		t.Errorf("round-trip TraceHeaders mismatch: got %v", got.TraceHeaders)
	}
}

func TestNewDeadLetter(t *testing.T) {
	e := Envelope{
		TaskID:         "task-dead",
		ConversationID: "c-dead",
		Payload:        Payload{Text: "doomed"},
		EnqueuedAt:     "2025-06-01T12:00:00Z",
		Attempt:        5,
	}

	before := time.Now()
	dl := NewDeadLetter(e, 6, "upstream error: status 503", "max attempts reached (6)")
	after := time.Now()

	if dl.Type != DLQType {
		t.Errorf("NewDeadLetter() Type = %q, want %q", dl.Type, DLQType)
	}
	if dl.Version != "v1" {
		t.Errorf("NewDeadLetter() Version = %q, want %q", dl.Version, "v1")
	}
	if dl.Attempt != 6 {
		t.Errorf("NewDeadLetter() Attempt = %d, want 6", dl.Attempt)
	}
	if dl.LastError != "upstream error: status 503" {
		t.Errorf("NewDeadLetter() LastError = %q", dl.LastError)
	}
	if dl.Task.TaskID != e.TaskID {
		t.Errorf("NewDeadLetter() Task.TaskID = %q, want %q", dl.Task.TaskID, e.TaskID)
	}

	at, err := time.Parse(time.RFC3339Nano, dl.At)
	if err != nil {
		t.Fatalf("NewDeadLetter() At parse error: %v", err)
	}
	if at.Before(before) || at.After(after) {
		t.Errorf("NewDeadLetter() At %v not between %v and %v", at, before, after)
	}
}

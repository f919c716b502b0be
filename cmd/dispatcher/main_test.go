package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/chatpipe/chatpipe/internal/convstore"
	"github.com/chatpipe/chatpipe/internal/dispatch"
	"github.com/chatpipe/chatpipe/internal/logging"
	"github.com/chatpipe/chatpipe/internal/metrics"
	"github.com/chatpipe/chatpipe/internal/task"
)

type fakeSubmitter struct {
	taskID string
	err    error
	got    dispatch.InboundEvent
}

func (f *fakeSubmitter) Submit(_ context.Context, ev dispatch.InboundEvent) (string, error) {
	f.got = ev
	return f.taskID, f.err
}

type fakeConvReader struct {
	rec   convstore.Record
	found bool
	err   error
}

func (f *fakeConvReader) Get(_ context.Context, _ string) (convstore.Record, bool, error) {
	return f.rec, f.found, f.err
}

type fakeDLQReader struct {
	rows    []convstore.DeadLetterRow
	env     task.Envelope
	hasEnv  bool
	deleted []string
	err     error
}

func (f *fakeDLQReader) List(_ context.Context, _ int) ([]convstore.DeadLetterRow, error) {
	return f.rows, f.err
}

func (f *fakeDLQReader) GetEnvelope(_ context.Context, _ string) (task.Envelope, error) {
	if f.err != nil {
		return task.Envelope{}, f.err
	}
	if !f.hasEnv {
		return task.Envelope{}, errors.New("no rows in result set")
	}
	return f.env, nil
}

func (f *fakeDLQReader) Delete(_ context.Context, taskID string) error {
	f.deleted = append(f.deleted, taskID)
	f.hasEnv = false
	return nil
}

type fakePub struct {
	published []task.Envelope
	err       error
}

func (f *fakePub) Publish(env task.Envelope) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, env)
	return nil
}

func newTestAPI() (*api, *fakeSubmitter, *fakeConvReader, *fakeDLQReader, *fakePub) {
	sub := &fakeSubmitter{taskID: "task-123"}
	conv := &fakeConvReader{}
	dlq := &fakeDLQReader{}
	pub := &fakePub{}
	a := &api{
		submitter: sub,
		store:     conv,
		dlq:       dlq,
		pub:       pub,
		maxBody:   64 * 1024,
		logger:    logging.New("test"),
	}
	return a, sub, conv, dlq, pub
}

func serve(a *api, method, target, body string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	a.routes(mux)
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestSubmitEvent(t *testing.T) {
	a, sub, _, _, _ := newTestAPI()

	w := serve(a, http.MethodPost, "/v1/events",
		`{"conversation_id":"conv-1","text":"hi","platform":"slack"}`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, http.StatusAccepted, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["task_id"] != "task-123" || resp["status"] != "queued" {
		t.Errorf("response = %v", resp)
	}
	if sub.got.ConversationID != "conv-1" || sub.got.Text != "hi" || sub.got.Platform != "slack" {
		t.Errorf("submitted event = %+v", sub.got)
	}
}

func TestSubmitEventErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		submitErr  error
		wantStatus int
	}{
		{
			name:       "malformed JSON",
			body:       `{"conversation_id":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid payload",
			body:       `{"text":"hi"}`,
			submitErr:  fmt.Errorf("%w: conversation_id is required", dispatch.ErrInvalidPayload),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "queue unavailable",
			body:       `{"conversation_id":"conv-1","text":"hi"}`,
			submitErr:  fmt.Errorf("%w: nsqd down", dispatch.ErrPublishFailed),
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "unexpected error",
			body:       `{"conversation_id":"conv-1","text":"hi"}`,
			submitErr:  errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, sub, _, _, _ := newTestAPI()
			sub.err = tt.submitErr

			w := serve(a, http.MethodPost, "/v1/events", tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestSubmitEventBodyTooLarge(t *testing.T) {
	a, _, _, _, _ := newTestAPI()
	a.maxBody = 64

	big := strings.Repeat("x", 1024)
	w := serve(a, http.MethodPost, "/v1/events",
		`{"conversation_id":"conv-1","text":"`+big+`"}`)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestGetConversation(t *testing.T) {
	a, _, conv, _, _ := newTestAPI()
	conv.found = true
	conv.rec = convstore.Record{
		ConversationID: "conv-1",
		History: []convstore.Turn{
			{Role: "assistant", Content: "hello", Timestamp: time.Now().UTC()},
		},
	}

	w := serve(a, http.MethodGet, "/v1/conversations/conv-1", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var rec convstore.Record
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if rec.ConversationID != "conv-1" || len(rec.History) != 1 {
		t.Errorf("record = %+v", rec)
	}
}

func TestGetConversationNotFound(t *testing.T) {
	a, _, _, _, _ := newTestAPI()

	w := serve(a, http.MethodGet, "/v1/conversations/missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestListDeadLetters(t *testing.T) {
	a, _, _, dlq, _ := newTestAPI()
	dlq.rows = []convstore.DeadLetterRow{
		{TaskID: "task-1", ConversationID: "conv-1", Reason: "max attempts reached (5)", Attempt: 5},
	}

	w := serve(a, http.MethodGet, "/v1/dlq?limit=10", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		DeadLetters []convstore.DeadLetterRow `json:"dead_letters"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.DeadLetters) != 1 || resp.DeadLetters[0].TaskID != "task-1" {
		t.Errorf("response = %+v", resp)
	}
}

func TestReplayDeadLetter(t *testing.T) {
	a, _, _, dlq, pub := newTestAPI()
	old := task.New("conv-1", task.Payload{Text: "hi", Platform: "slack"})
	old.Attempt = 5
	old.EnqueuedAt = time.Now().Add(-2 * time.Hour).UTC().Format(time.RFC3339)
	dlq.env = old
	dlq.hasEnv = true

	published := testutil.ToFloat64(metrics.TasksPublishedTotal.WithLabelValues("slack"))
	w := serve(a, http.MethodPost, "/v1/dlq/"+old.TaskID+"/replay", "")

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", w.Code, w.Body.String())
	}
	if len(pub.published) != 1 {
		t.Fatalf("published = %d, want 1", len(pub.published))
	}
	replayed := pub.published[0]
	if replayed.TaskID != old.TaskID {
		t.Errorf("task id changed on replay: %s -> %s", old.TaskID, replayed.TaskID)
	}
	if replayed.Attempt != 0 {
		t.Errorf("attempt = %d, want 0", replayed.Attempt)
	}
	if age := replayed.Age(time.Now()); age > time.Minute {
		t.Errorf("enqueued_at not refreshed, age = %v", age)
	}
	if len(dlq.deleted) != 1 || dlq.deleted[0] != old.TaskID {
		t.Errorf("deleted rows = %v, want [%s]", dlq.deleted, old.TaskID)
	}
	if got := testutil.ToFloat64(metrics.TasksPublishedTotal.WithLabelValues("slack")); got != published+1 {
		t.Errorf("published counter = %v, want %v", got, published+1)
	}
}

// A second replay of the same task finds no row and must not enqueue
// another copy.
func TestReplayDeadLetterTwice(t *testing.T) {
	a, _, _, dlq, pub := newTestAPI()
	old := task.New("conv-1", task.Payload{Text: "hi"})
	dlq.env = old
	dlq.hasEnv = true

	if w := serve(a, http.MethodPost, "/v1/dlq/"+old.TaskID+"/replay", ""); w.Code != http.StatusAccepted {
		t.Fatalf("first replay status = %d, want 202", w.Code)
	}
	w := serve(a, http.MethodPost, "/v1/dlq/"+old.TaskID+"/replay", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("second replay status = %d, want 404", w.Code)
	}
	if len(pub.published) != 1 {
		t.Errorf("published = %d, want 1 after repeated replay", len(pub.published))
	}
}

func TestReplayDeadLetterNotFound(t *testing.T) {
	a, _, _, dlq, _ := newTestAPI()
	dlq.err = errors.New("no rows")

	w := serve(a, http.MethodPost, "/v1/dlq/task-x/replay", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

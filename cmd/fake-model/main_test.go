package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func doComplete(t *testing.T, f *fakeModel, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/complete", strings.NewReader(body))
	w := httptest.NewRecorder()
	f.handleComplete(w, req)
	return w
}

const validBody = `{"model":"test","messages":[{"role":"user","content":"hi"}]}`

func TestHandleCompleteSuccess(t *testing.T) {
	f := &fakeModel{replyText: "hello there"}

	w := doComplete(t, f, validBody)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp completeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Text != "hello there" {
		t.Errorf("text = %q, want %q", resp.Text, "hello there")
	}
}

func TestHandleCompleteBadRequest(t *testing.T) {
	f := &fakeModel{replyText: "hello"}

	if w := doComplete(t, f, `{"model":`); w.Code != http.StatusBadRequest {
		t.Errorf("malformed JSON: status = %d, want 400", w.Code)
	}
	if w := doComplete(t, f, `{"model":"test","messages":[]}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty messages: status = %d, want 400", w.Code)
	}
}

func TestHandleCompleteRateLimitThenFailThenSucceed(t *testing.T) {
	f := &fakeModel{replyText: "ok", rateLimitFirstN: 2, failFirstN: 1}

	wantStatuses := []int{
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusOK,
	}
	for i, want := range wantStatuses {
		if w := doComplete(t, f, validBody); w.Code != want {
			t.Fatalf("request %d: status = %d, want %d", i+1, w.Code, want)
		}
	}
}

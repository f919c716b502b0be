// fake-model is a canned completion endpoint for local pipeline runs.
// It speaks the same wire contract as the real model service and can
// simulate failures and rate limits for the first N requests.
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/chatpipe/chatpipe/internal/config"
)

type completeRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

type completeResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

type fakeModel struct {
	mu              sync.Mutex
	reqCount        int
	failFirstN      int
	rateLimitFirstN int
	responseDelay   time.Duration
	replyText       string
}

func (f *fakeModel) handleComplete(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.reqCount++
	n := f.reqCount
	f.mu.Unlock()

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	if len(req.Messages) == 0 {
		http.Error(w, "messages required", http.StatusBadRequest)
		return
	}

	if f.responseDelay > 0 {
		time.Sleep(f.responseDelay)
	}

	// Simulate flakiness: rate limits first, then hard failures
	if n <= f.rateLimitFirstN {
		log.Printf("RATE LIMITING (%d/%d)", n, f.rateLimitFirstN)
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	if n <= f.rateLimitFirstN+f.failFirstN {
		log.Printf("FAILING (%d/%d)", n-f.rateLimitFirstN, f.failFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	last := req.Messages[len(req.Messages)-1]
	log.Printf("fake-model OK model=%s messages=%d last=%q", req.Model, len(req.Messages), last.Content)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(completeResponse{Text: f.replyText})
}

func main() {
	cfg := config.FromEnv().FakeModel

	f := &fakeModel{
		failFirstN:      cfg.FailFirstN,
		rateLimitFirstN: cfg.RateLimitFirstN,
		responseDelay:   time.Duration(cfg.ResponseDelayMS) * time.Millisecond,
		replyText:       cfg.ReplyText,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("POST /v1/complete", f.handleComplete)

	log.Printf("fake-model listening on %s", cfg.Port)
	log.Fatal(http.ListenAndServe(cfg.Port, mux))
}

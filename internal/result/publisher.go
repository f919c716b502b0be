// Package result delivers worker outcomes back to the originating
// platform channel. Delivery failures here are logged and metered,
// never bubbled back into the worker's retry loop: the model call
// already succeeded and must not run again for a reply hiccup.
package result

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/chatpipe/chatpipe/internal/metrics"
)

// Outcome is the terminal result of processing one envelope.
type Outcome struct {
	ConversationID string `json:"conversation_id"`
	TaskID         string `json:"task_id"`
	ReplyURL       string `json:"-"`
	Text           string `json:"text,omitempty"`
	Failed         bool   `json:"failed,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Failure builds a failure outcome for an envelope.
func Failure(conversationID, taskID, replyURL, reason string) Outcome {
	return Outcome{
		ConversationID: conversationID,
		TaskID:         taskID,
		ReplyURL:       replyURL,
		Failed:         true,
		Reason:         reason,
	}
}

// Success builds a success outcome carrying the model's reply.
func Success(conversationID, taskID, replyURL, text string) Outcome {
	return Outcome{
		ConversationID: conversationID,
		TaskID:         taskID,
		ReplyURL:       replyURL,
		Text:           text,
	}
}

// Publisher posts outcomes to the platform's reply callback.
type Publisher struct {
	hc        *http.Client
	secret    string
	sigHeader string
	tsHeader  string
}

func NewPublisher(secret, sigHeader, tsHeader string, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if sigHeader == "" {
		sigHeader = "X-Chatpipe-Signature"
	}
	if tsHeader == "" {
		tsHeader = "X-Chatpipe-Timestamp"
	}
	return &Publisher{
		hc:        &http.Client{Timeout: timeout},
		secret:    secret,
		sigHeader: sigHeader,
		tsHeader:  tsHeader,
	}
}

// Publish delivers one outcome. The body is signed with HMAC over
// body||timestamp so the platform can verify origin and freshness.
func (p *Publisher) Publish(ctx context.Context, oc Outcome) error {
	// Reply targets are optional at submission; an outcome without one
	// has nowhere to go and is not a delivery failure
	if oc.ReplyURL == "" {
		metrics.RecordResult("skipped")
		return nil
	}

	body, err := json.Marshal(oc)
	if err != nil {
		metrics.RecordResult("failed")
		return fmt.Errorf("encode outcome: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, oc.ReplyURL, bytes.NewReader(body))
	if err != nil {
		metrics.RecordResult("failed")
		return fmt.Errorf("build reply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if p.secret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		mac := hmac.New(sha256.New, []byte(p.secret))
		mac.Write(body)
		mac.Write([]byte(ts))
		req.Header.Set(p.tsHeader, ts)
		req.Header.Set(p.sigHeader, "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := p.hc.Do(req)
	if err != nil {
		metrics.RecordResult("failed")
		return fmt.Errorf("deliver reply: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.RecordResult("failed")
		return fmt.Errorf("reply endpoint returned status %d", resp.StatusCode)
	}

	metrics.RecordResult("delivered")
	return nil
}

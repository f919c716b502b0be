package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chatpipe/chatpipe/internal/convstore"
	"github.com/chatpipe/chatpipe/internal/metrics"
)

// HTTPClient calls a completion endpoint over HTTP. The wire contract
// is a flat messages array in, a text field out.
type HTTPClient struct {
	baseURL string
	apiKey  string
	model   string
	hc      *http.Client
}

func NewHTTPClient(baseURL, apiKey, modelName string, deadline time.Duration) *HTTPClient {
	if deadline <= 0 {
		deadline = 45 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   modelName,
		hc:      &http.Client{Timeout: deadline},
	}
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completeRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
}

type completeResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

func (c *HTTPClient) Complete(ctx context.Context, history []convstore.Turn, prompt string) (string, error) {
	msgs := make([]wireMessage, 0, len(history)+1)
	for _, turn := range history {
		msgs = append(msgs, wireMessage{Role: turn.Role, Content: turn.Content})
	}
	msgs = append(msgs, wireMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(completeRequest{Model: c.model, Messages: msgs})
	if err != nil {
		return "", &Error{Kind: KindInvalidRequest, Msg: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/complete", bytes.NewReader(body))
	if err != nil {
		return "", &Error{Kind: KindInvalidRequest, Msg: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	metrics.ObserveModelCall(time.Since(start))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return "", &Error{Kind: KindTimeout, Msg: err.Error()}
		}
		return "", &Error{Kind: KindUpstream, Msg: err.Error()}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp.StatusCode, raw)
	}

	var out completeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &Error{Kind: KindUpstream, Msg: fmt.Sprintf("malformed response: %v", err)}
	}
	if out.Text == "" {
		return "", &Error{Kind: KindUpstream, Msg: "empty completion"}
	}
	return out.Text, nil
}

func classifyStatus(status int, body []byte) *Error {
	msg := string(body)
	if len(msg) > 200 {
		msg = msg[:200]
	}
	switch {
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Status: status, Msg: msg}
	case status == http.StatusUnprocessableEntity || status == http.StatusForbidden:
		// The upstream signals content-policy rejections on these
		return &Error{Kind: KindContentFiltered, Status: status, Msg: msg}
	case status >= 400 && status < 500:
		return &Error{Kind: KindInvalidRequest, Status: status, Msg: msg}
	default:
		return &Error{Kind: KindUpstream, Status: status, Msg: msg}
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

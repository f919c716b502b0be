// Package model wraps the language-model service behind a small
// completion interface with a typed failure taxonomy, so the worker's
// retry policy can tell a rate limit from a bad request.
package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/chatpipe/chatpipe/internal/convstore"
)

// Kind classifies a completion failure for retry decisions.
type Kind string

const (
	KindRateLimited     Kind = "rate_limited"     // upstream 429, retry with a longer floor
	KindTimeout         Kind = "timeout"          // deadline exceeded, retry
	KindUpstream        Kind = "upstream_error"   // upstream 5xx or network fault, retry
	KindInvalidRequest  Kind = "invalid_request"  // upstream 4xx, never retry
	KindContentFiltered Kind = "content_filtered" // policy rejection, never retry
)

// Error is a classified completion failure.
type Error struct {
	Kind   Kind
	Status int // HTTP status when known, 0 otherwise
	Msg    string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("model %s (status %d): %s", e.Kind, e.Status, e.Msg)
	}
	return fmt.Sprintf("model %s: %s", e.Kind, e.Msg)
}

// Permanent reports whether err is a completion failure that retrying
// cannot fix.
func Permanent(err error) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind == KindInvalidRequest || me.Kind == KindContentFiltered
	}
	return false
}

// RateLimited reports whether err is an upstream rate limit.
func RateLimited(err error) bool {
	var me *Error
	return errors.As(err, &me) && me.Kind == KindRateLimited
}

// KindOf returns the failure kind, or KindUpstream for unclassified errors.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUpstream
}

// Client is the language-model completion contract. Implementations own
// the call's deadline; a blocked upstream surfaces as KindTimeout.
type Client interface {
	Complete(ctx context.Context, history []convstore.Turn, prompt string) (string, error)
}

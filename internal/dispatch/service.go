// Package dispatch accepts inbound chat events, validates them, and
// publishes task envelopes to the broker. Submission is synchronous up
// to the publish only; processing happens in the worker pool.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/chatpipe/chatpipe/internal/logging"
	"github.com/chatpipe/chatpipe/internal/metrics"
	"github.com/chatpipe/chatpipe/internal/task"
	"github.com/chatpipe/chatpipe/internal/tracing"
)

var (
	// ErrInvalidPayload marks a caller error: missing conversation id or
	// an oversized payload. Never retried.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrPublishFailed marks a broker failure at submission time. The
	// event source decides whether to resubmit.
	ErrPublishFailed = errors.New("publish failed")
)

// InboundEvent is an opaque chat-platform event, already parsed by the
// platform adapter.
type InboundEvent struct {
	ConversationID string            `json:"conversation_id"`
	Text           string            `json:"text"`
	Sender         string            `json:"sender,omitempty"`
	Platform       string            `json:"platform,omitempty"`
	ReplyURL       string            `json:"reply_url,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// publisher is the broker surface the dispatcher needs.
type publisher interface {
	Publish(env task.Envelope) error
}

// Service validates events and turns them into published envelopes.
type Service struct {
	pub             publisher
	maxPayloadBytes int
	logger          *logging.Logger
}

func NewService(pub publisher, maxPayloadBytes int, logger *logging.Logger) *Service {
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = 32 * 1024
	}
	if logger == nil {
		logger = logging.New("chatpipe-dispatch")
	}
	return &Service{pub: pub, maxPayloadBytes: maxPayloadBytes, logger: logger}
}

// Submit builds and publishes exactly one envelope for the event and
// returns its task id. The id is returned as soon as the broker has
// accepted the publish; it does not wait for processing.
func (s *Service) Submit(ctx context.Context, ev InboundEvent) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.Submit",
		attribute.String("conversation_id", ev.ConversationID),
		attribute.String("platform", ev.Platform),
	)
	defer span.End()

	if ev.ConversationID == "" {
		err := fmt.Errorf("%w: conversation_id is required", ErrInvalidPayload)
		tracing.SetSpanError(ctx, err)
		return "", err
	}
	if ev.Text == "" {
		err := fmt.Errorf("%w: text is required", ErrInvalidPayload)
		tracing.SetSpanError(ctx, err)
		return "", err
	}
	if len(ev.Text) > s.maxPayloadBytes {
		err := fmt.Errorf("%w: text is %d bytes, limit %d", ErrInvalidPayload, len(ev.Text), s.maxPayloadBytes)
		tracing.SetSpanError(ctx, err)
		return "", err
	}

	env := task.New(ev.ConversationID, task.Payload{
		Text:     ev.Text,
		Sender:   ev.Sender,
		Platform: ev.Platform,
		ReplyURL: ev.ReplyURL,
		Metadata: ev.Metadata,
	})
	env.TraceHeaders = tracing.PropagateTraceToNSQ(ctx)
	span.SetAttributes(attribute.String("task_id", env.TaskID))

	if err := s.pub.Publish(env); err != nil {
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithConversation(ev.ConversationID).WithError(err).Error("envelope publish failed")
		return "", fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	metrics.RecordPublished(ev.Platform)
	s.logger.WithContext(ctx).WithConversation(ev.ConversationID).WithTask(env.TaskID).Info("envelope published")
	return env.TaskID, nil
}

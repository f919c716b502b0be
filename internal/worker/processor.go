// Package worker implements the envelope processing state machine:
// consume, dedup, load conversation, call the model, append the reply
// under optimistic concurrency, publish the result, and convert every
// failure into an ack/requeue/dead-letter decision. Errors never escape
// a processing iteration.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/chatpipe/chatpipe/internal/convstore"
	"github.com/chatpipe/chatpipe/internal/logging"
	"github.com/chatpipe/chatpipe/internal/metrics"
	"github.com/chatpipe/chatpipe/internal/model"
	"github.com/chatpipe/chatpipe/internal/result"
	"github.com/chatpipe/chatpipe/internal/task"
	"github.com/chatpipe/chatpipe/internal/tracing"
)

// Status is the terminal state of one processing iteration.
type Status string

const (
	StatusCompleted    Status = "completed"     // reply stored and delivered, ack
	StatusDeduped      Status = "deduped"       // redelivery of a processed task, ack
	StatusRequeued     Status = "requeued"      // transient failure, retry scheduled
	StatusFailed       Status = "failed"        // permanent failure, no retry
	StatusDeadLettered Status = "dead_lettered" // retry budget exhausted or stale
)

// Decision tells the consumer glue what to do with the delivery. All
// side effects (retry copy, dead letter, failure notice) have already
// happened; the glue only acks, except when RequeueDelay is set, which
// means the retry copy could not be published and the broker's native
// requeue must carry the envelope instead.
type Decision struct {
	Status       Status
	Reason       string
	RequeueDelay time.Duration
}

// Config bounds the retry state machine.
type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterPercent  float64
	RateLimitFloor time.Duration
	StoreRetries   int
	MaxTaskAge     time.Duration
}

// RetryPublisher schedules a retry copy of an envelope.
type RetryPublisher interface {
	PublishDelayed(env task.Envelope, delay time.Duration) error
}

// DeadLetterSink accepts envelopes whose retry budget is exhausted.
type DeadLetterSink interface {
	PublishDeadLetter(dl task.DeadLetter) error
}

// DeadLetterStore mirrors dead letters into a queryable table.
type DeadLetterStore interface {
	Record(ctx context.Context, dl task.DeadLetter) error
}

// ResultSink delivers outcomes back to the platform.
type ResultSink interface {
	Publish(ctx context.Context, oc result.Outcome) error
}

// Deps wires a Processor.
type Deps struct {
	Store       convstore.Store
	Model       model.Client
	Results     ResultSink
	Retries     RetryPublisher
	DeadLetters DeadLetterSink  // optional
	DLQStore    DeadLetterStore // optional
	Dedup       Deduper
	Logger      *logging.Logger
	Config      Config
}

// Processor runs the per-envelope state machine. One Processor is
// shared by all concurrent handlers in a worker process.
type Processor struct {
	store       convstore.Store
	model       model.Client
	results     ResultSink
	retries     RetryPublisher
	deadLetters DeadLetterSink
	dlqStore    DeadLetterStore
	dedup       Deduper
	locks       *conversationLocks
	logger      *logging.Logger
	cfg         Config
}

func New(deps Deps) *Processor {
	cfg := deps.Config
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Minute
	}
	if cfg.StoreRetries <= 0 {
		cfg.StoreRetries = 4
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.New("chatpipe-worker")
	}
	dedup := deps.Dedup
	if dedup == nil {
		dedup = NewMemoryDeduper(10 * time.Minute)
	}
	return &Processor{
		store:       deps.Store,
		model:       deps.Model,
		results:     deps.Results,
		retries:     deps.Retries,
		deadLetters: deps.DeadLetters,
		dlqStore:    deps.DLQStore,
		dedup:       dedup,
		locks:       newConversationLocks(64),
		logger:      logger,
		cfg:         cfg,
	}
}

// errConflictExhausted marks a store append that lost the version race
// more times than the in-worker budget allows.
var errConflictExhausted = errors.New("concurrent update retries exhausted")

// Process runs one envelope through the state machine and returns the
// decision for the delivery. It never panics and never returns an
// error: every failure maps to a Status.
func (p *Processor) Process(ctx context.Context, env task.Envelope) Decision {
	metrics.RecordConsumed()

	ctx = tracing.ExtractTraceFromNSQ(ctx, env.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "worker.process",
		attribute.String("task_id", env.TaskID),
		attribute.String("conversation_id", env.ConversationID),
		attribute.Int("attempt", env.Attempt),
	)
	defer span.End()

	if p.cfg.MaxTaskAge > 0 {
		if age := env.Age(time.Now()); age > p.cfg.MaxTaskAge {
			reason := fmt.Sprintf("stale envelope: enqueued %s ago", age.Round(time.Second))
			return p.deadLetter(ctx, env, "", reason)
		}
	}

	seen, err := p.dedup.Seen(ctx, env.TaskID)
	if err != nil {
		// A broken dedup store degrades to at-least-once, not to a stall
		p.logger.WithContext(ctx).WithTask(env.TaskID).WithError(err).Warn("dedup check failed, processing anyway")
	}
	if seen {
		tracing.AddSpanEvent(ctx, "dedup.hit")
		metrics.RecordDeduped()
		return Decision{Status: StatusDeduped}
	}

	// One envelope at a time per conversation within this process
	unlock := p.locks.Lock(env.ConversationID)
	defer unlock()

	// Re-check under the lock: a redelivery racing its original passes
	// the first check while the original is still mid-flight, then waits
	// here until the original has marked the task
	if seen, err := p.dedup.Seen(ctx, env.TaskID); err == nil && seen {
		tracing.AddSpanEvent(ctx, "dedup.hit")
		metrics.RecordDeduped()
		return Decision{Status: StatusDeduped}
	}

	rec, found, err := p.store.Get(ctx, env.ConversationID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return p.transient(ctx, env, "store_error", err)
	}
	if !found {
		rec = convstore.Record{ConversationID: env.ConversationID}
	}

	tracing.AddSpanEvent(ctx, "model.complete")
	start := time.Now()
	reply, err := p.model.Complete(ctx, rec.History, env.Payload.Text)
	span.SetAttributes(attribute.Int64("model.latency_ms", time.Since(start).Milliseconds()))
	if err != nil {
		tracing.SetSpanError(ctx, err)
		kind := string(model.KindOf(err))
		if model.Permanent(err) {
			p.notifyFailure(ctx, env, err.Error())
			p.logger.WithContext(ctx).WithTask(env.TaskID).WithConversation(env.ConversationID).
				WithError(err).Error("permanent model failure, dropping envelope")
			return Decision{Status: StatusFailed, Reason: kind}
		}
		return p.transient(ctx, env, kind, err)
	}

	if err := p.appendReply(ctx, env.ConversationID, reply); err != nil {
		tracing.SetSpanError(ctx, err)
		reason := "store_error"
		if errors.Is(err, errConflictExhausted) {
			reason = "store_conflict"
		}
		return p.transient(ctx, env, reason, err)
	}

	oc := result.Success(env.ConversationID, env.TaskID, env.Payload.ReplyURL, reply)
	if err := p.results.Publish(ctx, oc); err != nil {
		// The model call and store write are done; a reply hiccup must
		// not re-trigger them
		p.logger.WithContext(ctx).WithTask(env.TaskID).WithError(err).Error("result delivery failed")
	}

	if err := p.dedup.Mark(ctx, env.TaskID); err != nil {
		p.logger.WithContext(ctx).WithTask(env.TaskID).WithError(err).Warn("dedup mark failed")
	}

	metrics.RecordAcked()
	return Decision{Status: StatusCompleted}
}

// appendReply appends the assistant turn under the store's version
// check, reloading and retrying on conflict up to the configured budget.
func (p *Processor) appendReply(ctx context.Context, conversationID, reply string) error {
	turn := convstore.Turn{Role: "assistant", Content: reply, Timestamp: time.Now().UTC()}

	for i := 0; i <= p.cfg.StoreRetries; i++ {
		rec, found, err := p.store.Get(ctx, conversationID)
		if err != nil {
			return err
		}
		if !found {
			rec = convstore.Record{ConversationID: conversationID}
		}

		err = p.store.PutIfUnchanged(ctx, rec.AppendTurn(turn), rec.UpdatedAt)
		if err == nil {
			return nil
		}
		if !errors.Is(err, convstore.ErrConflict) {
			return err
		}
	}
	return errConflictExhausted
}

// transient schedules a retry, or dead-letters when the budget is gone.
func (p *Processor) transient(ctx context.Context, env task.Envelope, reason string, cause error) Decision {
	next := env.NextAttempt()
	if next.Attempt >= p.cfg.MaxAttempts {
		return p.deadLetter(ctx, env, cause.Error(), fmt.Sprintf("max attempts reached (%d)", next.Attempt))
	}

	delay := Backoff(env.Attempt, p.cfg.BaseDelay, p.cfg.MaxDelay, p.cfg.JitterPercent)
	if reason == string(model.KindRateLimited) && delay < p.cfg.RateLimitFloor {
		delay = p.cfg.RateLimitFloor
	}

	tracing.AddSpanEvent(ctx, "envelope.requeue",
		attribute.Int("attempt", next.Attempt),
		attribute.String("delay", delay.String()),
	)
	p.logger.WithContext(ctx).WithTask(env.TaskID).WithConversation(env.ConversationID).WithFields(map[string]any{
		"attempt": next.Attempt,
		"delay":   delay.String(),
		"reason":  reason,
	}).Info("requeue envelope")
	metrics.RecordRequeued(reason)

	if err := p.retries.PublishDelayed(next, delay); err != nil {
		// Broker publish failed; let the broker's own requeue redeliver
		// the original. The attempt counter stalls but nothing is lost.
		p.logger.WithContext(ctx).WithTask(env.TaskID).WithError(err).Error("retry publish failed, falling back to broker requeue")
		return Decision{Status: StatusRequeued, Reason: reason, RequeueDelay: delay}
	}
	return Decision{Status: StatusRequeued, Reason: reason}
}

// deadLetter routes the envelope to the dead-letter destinations and
// sends the user-facing failure notice.
func (p *Processor) deadLetter(ctx context.Context, env task.Envelope, lastErr, reason string) Decision {
	dl := task.NewDeadLetter(env, env.Attempt+1, lastErr, reason)

	if p.deadLetters != nil {
		if err := p.deadLetters.PublishDeadLetter(dl); err != nil {
			p.logger.WithContext(ctx).WithTask(env.TaskID).WithError(err).Error("dead letter publish failed")
		}
	}
	if p.dlqStore != nil {
		if err := p.dlqStore.Record(ctx, dl); err != nil {
			p.logger.WithContext(ctx).WithTask(env.TaskID).WithError(err).Error("dead letter insert failed")
		}
	}

	p.notifyFailure(ctx, env, reason)

	tracing.AddSpanEvent(ctx, "envelope.dead_lettered", attribute.String("reason", reason))
	p.logger.WithContext(ctx).WithTask(env.TaskID).WithConversation(env.ConversationID).
		WithField("reason", reason).Error("envelope dead-lettered")
	metrics.RecordDeadLettered(reason)

	return Decision{Status: StatusDeadLettered, Reason: reason}
}

func (p *Processor) notifyFailure(ctx context.Context, env task.Envelope, reason string) {
	oc := result.Failure(env.ConversationID, env.TaskID, env.Payload.ReplyURL, reason)
	if err := p.results.Publish(ctx, oc); err != nil {
		p.logger.WithContext(ctx).WithTask(env.TaskID).WithError(err).Error("failure notice delivery failed")
	}
}

package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/chatpipe/chatpipe/internal/logging"
	"github.com/chatpipe/chatpipe/internal/task"
)

// ackHandle is the subset of an nsq.Message a handler may act on.
type ackHandle interface {
	Finish()
	Requeue(delay time.Duration)
}

// Delivery is one consumed envelope plus its ack handle. Exactly one of
// Ack or Requeue must be called per delivery; the consumer finishes
// anything left unanswered so a handler bug cannot wedge the queue.
type Delivery struct {
	Envelope task.Envelope
	handle   ackHandle
}

// NewDelivery builds a delivery around an ack handle. Tests pass fakes.
func NewDelivery(env task.Envelope, handle ackHandle) *Delivery {
	return &Delivery{Envelope: env, handle: handle}
}

// Ack removes the message from the queue.
func (d *Delivery) Ack() {
	d.handle.Finish()
}

// Requeue returns the message to the queue after delay.
func (d *Delivery) Requeue(delay time.Duration) {
	d.handle.Requeue(delay)
}

// Handler processes one delivery.
type Handler func(ctx context.Context, d *Delivery)

// Consumer pulls envelopes from the tasks topic with a bounded number
// of concurrent handlers. MsgTimeout is the visibility timeout: an
// envelope neither acked nor requeued within it is redelivered by nsqd.
type Consumer struct {
	consumer *nsq.Consumer
	logger   *logging.Logger
}

type ConsumerOpts struct {
	Topic       string
	Channel     string
	Concurrency int
	MaxInFlight int
	MsgTimeout  time.Duration
}

func NewConsumer(opts ConsumerOpts, logger *logging.Logger) (*Consumer, error) {
	conf := nsq.NewConfig()
	if opts.MaxInFlight > 0 {
		conf.MaxInFlight = opts.MaxInFlight
	}
	if opts.MsgTimeout > 0 {
		conf.MsgTimeout = opts.MsgTimeout
	}
	// The worker owns retry scheduling; nsqd must not add its own backoff
	conf.MaxAttempts = 0

	consumer, err := nsq.NewConsumer(opts.Topic, opts.Channel, conf)
	if err != nil {
		return nil, err
	}

	return &Consumer{consumer: consumer, logger: logger}, nil
}

// Start registers the handler and connects to nsqd and nsqlookupd.
func (c *Consumer) Start(ctx context.Context, concurrency int, nsqdTCPAddr, lookupHTTPAddr string, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	c.consumer.AddConcurrentHandlers(nsq.HandlerFunc(func(m *nsq.Message) error {
		m.DisableAutoResponse() // ack/requeue decisions are explicit
		defer func() {
			if !m.HasResponded() {
				c.logger.Plain().Warn("delivery had no response, finishing")
				m.Finish()
			}
		}()

		var env task.Envelope
		if err := json.Unmarshal(m.Body, &env); err != nil {
			c.logger.Plain().WithError(err).Error("bad envelope payload")
			m.Finish() // terminal: don't retry undecodable envelopes
			return nil
		}

		handler(ctx, NewDelivery(env, m))
		return nil
	}), concurrency)

	// Connecting directly to nsqd forces channel creation, instead of the
	// channel being lazily created on first publish
	if err := c.consumer.ConnectToNSQD(nsqdTCPAddr); err != nil {
		return err
	}
	if lookupHTTPAddr != "" {
		if err := c.consumer.ConnectToNSQLookupd(lookupHTTPAddr); err != nil {
			return err
		}
	}
	return nil
}

// Stop initiates a graceful drain and blocks until in-flight handlers
// have responded.
func (c *Consumer) Stop() {
	c.consumer.Stop()
	<-c.consumer.StopChan
}

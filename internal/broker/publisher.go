// Package broker adapts NSQ into the pipeline's durable queue: publish
// with durability, consume with explicit ack/requeue handles, and an
// nsqd-enforced visibility timeout that requeues whatever a crashed
// worker left unacknowledged.
package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/chatpipe/chatpipe/internal/task"
)

// Publisher writes envelopes to the tasks topic and dead letters to the
// DLQ topic.
type Publisher struct {
	prod     *nsq.Producer
	topic    string
	dlqTopic string
}

func NewPublisher(nsqdTCPAddr, topic, dlqTopic string) (*Publisher, error) {
	prod, err := nsq.NewProducer(nsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("create producer: %w", err)
	}
	return &Publisher{prod: prod, topic: topic, dlqTopic: dlqTopic}, nil
}

// Publish writes one envelope to the tasks topic. nsqd persists the
// message before acknowledging the publish, so a confirmed envelope
// survives broker and publisher restarts.
func (p *Publisher) Publish(env task.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := p.prod.Publish(p.topic, b); err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}
	return nil
}

// PublishDelayed writes one envelope that becomes visible to consumers
// only after delay. Used for retry copies with an incremented attempt.
func (p *Publisher) PublishDelayed(env task.Envelope, delay time.Duration) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if delay <= 0 {
		if err := p.prod.Publish(p.topic, b); err != nil {
			return fmt.Errorf("publish envelope: %w", err)
		}
		return nil
	}
	if err := p.prod.DeferredPublish(p.topic, delay, b); err != nil {
		return fmt.Errorf("deferred publish envelope: %w", err)
	}
	return nil
}

// PublishDeadLetter writes one dead letter to the DLQ topic for
// operational consumers.
func (p *Publisher) PublishDeadLetter(dl task.DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := p.prod.Publish(p.dlqTopic, b); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

// Ping checks nsqd reachability, lazily connecting if needed.
func (p *Publisher) Ping() error {
	return p.prod.Ping()
}

func (p *Publisher) Stop() {
	p.prod.Stop()
}

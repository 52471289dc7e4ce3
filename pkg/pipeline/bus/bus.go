// Package bus defines the delivery substrate contract the orchestrator
// consumes, plus a partitioned in-memory implementation for tests and
// single-node deployments.
//
// The substrate is at-least-once: consumers must tolerate duplicate
// deliveries. Envelopes sharing a business id land on the same partition
// and are delivered in publish order within a subject; a partition does
// not advance until the current delivery is settled.
package bus

import (
	"context"
	"time"

	"github.com/insightengine/pipeline/pkg/pipeline/envelope"
)

// Delivery is a single at-least-once delivery of an envelope.
// Exactly one of Ack or Retry must eventually be called.
type Delivery interface {
	// Envelope returns the delivered envelope.
	Envelope() *envelope.Envelope

	// Ack acknowledges the delivery, removing it from the work queue.
	Ack()

	// Retry schedules a redelivery after delay. The redelivered envelope
	// is a new instance with the attempt counter incremented and the
	// causation id pointing at this one.
	Retry(delay time.Duration)
}

// HandlerFunc receives deliveries for a subscription. It may settle the
// delivery asynchronously; the partition blocks until it is settled.
type HandlerFunc func(d Delivery)

// Subscription is an active consumer-group binding on a subject.
type Subscription interface {
	// Unsubscribe stops delivery. In-flight deliveries may still settle.
	Unsubscribe()
}

// Bus is the pub/sub substrate. Publish is durable before it returns;
// a stage-N envelope is never published before its triggering stage-(N-1)
// completion is recorded, but that ordering is the consumer's duty.
type Bus interface {
	// Publish sends an envelope on its stage's subject.
	Publish(ctx context.Context, env *envelope.Envelope) error

	// PublishSubject sends an envelope on an explicit subject. Used for
	// dead-letter subjects, which differ from the envelope's own subject.
	PublishSubject(ctx context.Context, subject string, env *envelope.Envelope) error

	// Subscribe binds a consumer group to a subject. Each group receives
	// every envelope once (modulo at-least-once redelivery).
	Subscribe(subject, group string, fn HandlerFunc) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

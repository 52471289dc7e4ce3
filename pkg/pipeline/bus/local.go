package bus

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/insightengine/pipeline/pkg/pipeline/envelope"
)

// Config configures the local bus.
type Config struct {
	// Partitions is the number of partitions per subscription.
	// Default: 16
	Partitions int

	// BufferSize is the per-partition queue capacity before Publish blocks.
	// Default: 256
	BufferSize int

	// DeduplicateTTL enables publish-side deduplication by event id.
	// Default: 0 (disabled)
	DeduplicateTTL time.Duration
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	Partitions: 16,
	BufferSize: 256,
}

// LocalBus is an in-memory Bus implementation with per-partition FIFO
// ordering keyed by (tenant, business_id).
type LocalBus struct {
	cfg Config

	mu   sync.RWMutex
	subs map[string][]*groupSub // subject -> subscriptions

	dedupeMu    sync.Mutex
	dedupeCache map[string]time.Time

	closed  atomic.Bool
	closeCh chan struct{}
}

// NewLocalBus creates a new local bus.
func NewLocalBus(cfg Config) *LocalBus {
	if cfg.Partitions <= 0 {
		cfg.Partitions = DefaultConfig.Partitions
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig.BufferSize
	}

	b := &LocalBus{
		cfg:     cfg,
		subs:    make(map[string][]*groupSub),
		closeCh: make(chan struct{}),
	}

	if cfg.DeduplicateTTL > 0 {
		b.dedupeCache = make(map[string]time.Time)
		go b.cleanupDedupe()
	}

	return b
}

// groupSub is one consumer group's binding on a subject.
type groupSub struct {
	subject    string
	group      string
	fn         HandlerFunc
	partitions []chan *envelope.Envelope
	done       chan struct{}
	bus        *LocalBus
	stopOnce   sync.Once
}

// Publish implements Bus.
func (b *LocalBus) Publish(ctx context.Context, env *envelope.Envelope) error {
	return b.PublishSubject(ctx, env.Subject(), env)
}

// PublishSubject implements Bus.
func (b *LocalBus) PublishSubject(ctx context.Context, subject string, env *envelope.Envelope) error {
	if b.closed.Load() {
		return fmt.Errorf("publish %s: bus is closed", subject)
	}
	if err := env.Validate(); err != nil {
		return err
	}

	if b.cfg.DeduplicateTTL > 0 && b.isDuplicate(env.EventID) {
		return nil // silently skip duplicates
	}

	b.mu.RLock()
	subs := b.subs[subject]
	b.mu.RUnlock()

	for _, sub := range subs {
		part := sub.partitions[b.partitionFor(env)]
		select {
		case part <- env:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closeCh:
			return fmt.Errorf("publish %s: bus closed during publish", subject)
		}
	}

	if b.cfg.DeduplicateTTL > 0 {
		b.recordPublish(env.EventID)
	}
	return nil
}

// Subscribe implements Bus.
func (b *LocalBus) Subscribe(subject, group string, fn HandlerFunc) (Subscription, error) {
	if b.closed.Load() {
		return nil, fmt.Errorf("subscribe %s: bus is closed", subject)
	}
	if subject == "" || fn == nil {
		return nil, fmt.Errorf("subscribe: subject and handler are required")
	}

	sub := &groupSub{
		subject:    subject,
		group:      group,
		fn:         fn,
		partitions: make([]chan *envelope.Envelope, b.cfg.Partitions),
		done:       make(chan struct{}),
		bus:        b,
	}
	for i := range sub.partitions {
		sub.partitions[i] = make(chan *envelope.Envelope, b.cfg.BufferSize)
		go sub.run(sub.partitions[i])
	}

	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], sub)
	b.mu.Unlock()

	return sub, nil
}

// partitionFor routes envelopes sharing a business id to one partition.
func (b *LocalBus) partitionFor(env *envelope.Envelope) int {
	h := fnv.New32a()
	h.Write([]byte(env.Tenant))
	h.Write([]byte{0})
	h.Write([]byte(env.BusinessID))
	return int(h.Sum32() % uint32(b.cfg.Partitions))
}

// Close implements Bus.
func (b *LocalBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil // already closed
	}
	close(b.closeCh)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.stop()
		}
	}
	return nil
}

// run drains one partition, delivering strictly one at a time. A retried
// delivery is redelivered at the head of the partition after its delay, so
// later envelopes for the same key never overtake it.
func (s *groupSub) run(part chan *envelope.Envelope) {
	for {
		var env *envelope.Envelope
		select {
		case env = <-part:
		case <-s.done:
			return
		}

		for env != nil {
			d := &localDelivery{env: env, settled: make(chan settleResult, 1)}
			s.fn(d)

			var res settleResult
			select {
			case res = <-d.settled:
			case <-s.done:
				return
			}

			if res.ack {
				env = nil
				continue
			}

			// Backoff in place, then redeliver the retry instance
			select {
			case <-time.After(res.delay):
			case <-s.done:
				return
			}
			env = env.WithRetry()
		}
	}
}

func (s *groupSub) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Unsubscribe implements Subscription.
func (s *groupSub) Unsubscribe() {
	s.stop()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subs[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// settleResult records how a delivery was settled.
type settleResult struct {
	ack   bool
	delay time.Duration
}

// localDelivery implements Delivery.
type localDelivery struct {
	env     *envelope.Envelope
	settled chan settleResult
	once    sync.Once
}

// Envelope implements Delivery.
func (d *localDelivery) Envelope() *envelope.Envelope { return d.env }

// Ack implements Delivery.
func (d *localDelivery) Ack() {
	d.once.Do(func() { d.settled <- settleResult{ack: true} })
}

// Retry implements Delivery.
func (d *localDelivery) Retry(delay time.Duration) {
	d.once.Do(func() { d.settled <- settleResult{delay: delay} })
}

// Deduplication helpers

func (b *LocalBus) isDuplicate(eventID string) bool {
	b.dedupeMu.Lock()
	defer b.dedupeMu.Unlock()
	_, exists := b.dedupeCache[eventID]
	return exists
}

func (b *LocalBus) recordPublish(eventID string) {
	b.dedupeMu.Lock()
	defer b.dedupeMu.Unlock()
	b.dedupeCache[eventID] = time.Now()
}

func (b *LocalBus) cleanupDedupe() {
	ticker := time.NewTicker(b.cfg.DeduplicateTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.dedupeMu.Lock()
			cutoff := time.Now().Add(-b.cfg.DeduplicateTTL)
			for id, ts := range b.dedupeCache {
				if ts.Before(cutoff) {
					delete(b.dedupeCache, id)
				}
			}
			b.dedupeMu.Unlock()
		case <-b.closeCh:
			return
		}
	}
}

// Compile-time check that LocalBus implements Bus.
var _ Bus = (*LocalBus)(nil)

// Package sched implements weighted fair scheduling across tenants with
// aging. Each tenant owns a FIFO queue; every fetch picks the queue with
// the highest score:
//
//	score = weight / (1 + in_flight) + aging_factor * wait_seconds
//
// where wait_seconds is how long the queue's head item has waited. The
// in-flight divisor throttles tenants that already occupy workers, and the
// aging term grows without bound, so every non-empty queue is eventually
// picked regardless of weight.
package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/insightengine/pipeline/pkg/pipeline/bus"
	"github.com/insightengine/pipeline/pkg/pipeline/envelope"
)

// Config configures the scheduler.
type Config struct {
	// DefaultWeight applies to tenants without an explicit weight.
	// Default: 1.0
	DefaultWeight float64

	// Weights assigns per-tenant weights. Higher is more throughput.
	Weights map[string]float64

	// AgingFactor is the score added per second the head item has waited.
	// Default: 0.1
	AgingFactor float64
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	DefaultWeight: 1.0,
	AgingFactor:   0.1,
}

// Item is one schedulable unit of work.
type Item struct {
	Env        *envelope.Envelope
	Delivery   bus.Delivery
	EnqueuedAt time.Time
}

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("scheduler is closed")

// Scheduler dispatches items across tenants with weighted fairness.
type Scheduler struct {
	cfg Config

	mu       sync.Mutex
	queues   map[string][]*Item // tenant -> FIFO, head at index 0
	inFlight map[string]int
	closed   bool

	signal chan struct{}
	done   chan struct{}

	now func() time.Time
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	if cfg.DefaultWeight <= 0 {
		cfg.DefaultWeight = DefaultConfig.DefaultWeight
	}
	if cfg.AgingFactor <= 0 {
		cfg.AgingFactor = DefaultConfig.AgingFactor
	}
	return &Scheduler{
		cfg:      cfg,
		queues:   make(map[string][]*Item),
		inFlight: make(map[string]int),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// Enqueue appends an item to its tenant's queue.
func (s *Scheduler) Enqueue(item *Item) error {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = s.now()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	tenant := item.Env.Tenant
	s.queues[tenant] = append(s.queues[tenant], item)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return nil
}

// Next blocks until an item is available and returns the head of the
// highest-scoring tenant queue. The caller must call Done(tenant) when the
// item's processing finishes, acked or not.
func (s *Scheduler) Next(ctx context.Context) (*Item, error) {
	for {
		if item, err := s.tryNext(); item != nil || err != nil {
			return item, err
		}

		select {
		case <-s.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrClosed
		}
	}
}

// tryNext pops the best head item, or returns (nil, nil) when all queues
// are empty. Scores are recomputed on every call so aging and in-flight
// counts always reflect the current state.
func (s *Scheduler) tryNext() (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	var (
		bestTenant string
		bestScore  float64
		found      bool
	)
	now := s.now()
	for tenant, queue := range s.queues {
		if len(queue) == 0 {
			continue
		}
		score := s.scoreLocked(tenant, queue[0], now)
		if !found || score > bestScore {
			bestTenant, bestScore, found = tenant, score, true
		}
	}
	if !found {
		return nil, nil
	}

	queue := s.queues[bestTenant]
	item := queue[0]
	if len(queue) == 1 {
		delete(s.queues, bestTenant)
	} else {
		s.queues[bestTenant] = queue[1:]
	}
	s.inFlight[bestTenant]++

	// More items may remain; wake the next waiter.
	select {
	case s.signal <- struct{}{}:
	default:
	}
	return item, nil
}

func (s *Scheduler) scoreLocked(tenant string, head *Item, now time.Time) float64 {
	weight := s.cfg.DefaultWeight
	if w, ok := s.cfg.Weights[tenant]; ok && w > 0 {
		weight = w
	}
	wait := now.Sub(head.EnqueuedAt).Seconds()
	if wait < 0 {
		wait = 0
	}
	return weight/float64(1+s.inFlight[tenant]) + s.cfg.AgingFactor*wait
}

// Done releases one in-flight slot for a tenant.
func (s *Scheduler) Done(tenant string) {
	s.mu.Lock()
	if s.inFlight[tenant] > 0 {
		s.inFlight[tenant]--
	}
	if s.inFlight[tenant] == 0 {
		delete(s.inFlight, tenant)
	}
	s.mu.Unlock()

	// A freed slot changes scores; wake a waiter to re-evaluate.
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Len returns the number of queued (not in-flight) items.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, queue := range s.queues {
		total += len(queue)
	}
	return total
}

// InFlight returns the number of items handed out but not yet Done.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.inFlight {
		total += n
	}
	return total
}

// Close stops the scheduler. Queued items are dropped; blocked Next calls
// return ErrClosed.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queues = make(map[string][]*Item)
	s.mu.Unlock()
	close(s.done)
}

package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/insightengine/pipeline/pkg/pipeline/envelope"
)

// Result is what a stage handler produces on success.
type Result struct {
	// Payload is the payload for the next stage. Nil means the stage is
	// terminal for this envelope and nothing is published downstream.
	Payload json.RawMessage

	// Entities is the number of entities extracted from the document.
	// Recorded as a metric when positive.
	Entities int

	// BatchSize is the embedding batch size used. Recorded as a metric
	// when positive.
	BatchSize int
}

// Handler performs one stage's work on an envelope.
//
// Handlers must treat the envelope as read-only and must tolerate being
// invoked more than once for the same business id: redelivery after a
// crash re-runs the handler, and only the ledger guarantees the completed
// effect is recorded once.
type Handler interface {
	Handle(ctx context.Context, env *envelope.Envelope) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, env *envelope.Envelope) (*Result, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, env *envelope.Envelope) (*Result, error) {
	return f(ctx, env)
}

// Registry maps stages to their handlers. A consumer subscribes only to
// the input subjects of registered stages.
type Registry struct {
	mu       sync.RWMutex
	handlers map[envelope.Stage]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[envelope.Stage]Handler)}
}

// Register binds a handler to a stage. Registering a stage twice or an
// unknown stage is a programming error.
func (r *Registry) Register(stage envelope.Stage, h Handler) error {
	if !stage.Valid() {
		return fmt.Errorf("register handler: unknown stage %q", stage)
	}
	if h == nil {
		return fmt.Errorf("register handler: nil handler for stage %q", stage)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[stage]; exists {
		return fmt.Errorf("register handler: stage %q already registered", stage)
	}
	r.handlers[stage] = h
	return nil
}

// Lookup returns the handler for a stage.
func (r *Registry) Lookup(stage envelope.Stage) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[stage]
	return h, ok
}

// Stages returns the registered stages in stable order.
func (r *Registry) Stages() []envelope.Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stages := make([]envelope.Stage, 0, len(r.handlers))
	for stage := range r.handlers {
		stages = append(stages, stage)
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i] < stages[j] })
	return stages
}

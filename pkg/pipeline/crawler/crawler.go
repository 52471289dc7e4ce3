// Package crawler feeds externally fetched content into the pipeline.
// Connectors wrap individual sources (web, drive, wiki); the Source
// harness fetches through them, classifies rate limiting, and publishes
// fetched pages as crawler-fetched envelopes.
package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RawResult is one fetched page or document.
type RawResult struct {
	// Target is the source locator that was fetched.
	Target string `json:"target"`

	// ObjectKey is the storage key the content was written to.
	ObjectKey string `json:"object_key"`

	// Version identifies the content revision.
	Version string `json:"version"`

	// ContentType is the MIME type of the fetched body.
	ContentType string `json:"content_type"`

	// SizeBytes is the fetched body size.
	SizeBytes int64 `json:"size_bytes"`

	// FetchedAt is when the fetch completed.
	FetchedAt time.Time `json:"fetched_at"`
}

// Connector fetches content from one external source.
//
// Fetch must honor ctx cancellation and return a *RateLimitedError when
// the source throttles the request, so callers can distinguish throttling
// from genuine failures.
type Connector interface {
	// Name identifies the connector, e.g. "web", "gdrive".
	Name() string

	// Fetch retrieves one target.
	Fetch(ctx context.Context, target string) (*RawResult, error)
}

// RateLimitedError reports a fetch rejected by source-side throttling.
type RateLimitedError struct {
	Connector  string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("connector %s rate limited, retry after %s", e.Connector, e.RetryAfter)
	}
	return fmt.Sprintf("connector %s rate limited", e.Connector)
}

// IsRateLimited reports whether err is a rate-limit rejection.
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}

// Registry holds the available connectors.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register adds a connector. Registering the same name twice is an error.
func (r *Registry) Register(c Connector) error {
	if c == nil || c.Name() == "" {
		return errors.New("register connector: nil connector or empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connectors[c.Name()]; exists {
		return fmt.Errorf("register connector: %q already registered", c.Name())
	}
	r.connectors[c.Name()] = c
	return nil
}

// Lookup returns a connector by name.
func (r *Registry) Lookup(name string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	return c, ok
}

// Names returns registered connector names in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FetchedPayload is the wire payload of a crawler-fetched envelope.
type FetchedPayload struct {
	ObjectKey   string    `json:"object_key"`
	Version     string    `json:"version"`
	URL         string    `json:"url"`
	Connector   string    `json:"connector"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// ActivityPayload is the wire payload of a crawler user-activity envelope.
type ActivityPayload struct {
	UserID string          `json:"user_id"`
	Date   string          `json:"date"` // YYYY-MM-DD
	Events json.RawMessage `json:"events,omitempty"`
}

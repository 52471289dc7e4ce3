// Package envelope defines the immutable unit of work flowing through the
// pipeline bus.
//
// Envelopes are value objects: retries and next-stage derivations produce
// new instances, never mutate existing ones. The causation chain is
// recorded so operators can reconstruct an artifact's full processing
// lineage from the bus alone.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	perrors "github.com/insightengine/pipeline/pkg/pipeline/errors"
)

// BusinessIDSeparator joins object_key and version into a business id.
const BusinessIDSeparator = "::"

// Envelope is the versioned event unit carrying a pipeline payload plus
// correlation metadata. Immutable once published.
type Envelope struct {
	EventID     string          `json:"event_id"`
	TraceID     string          `json:"trace_id"`
	Tenant      string          `json:"tenant"`
	BusinessID  string          `json:"business_id"`
	Stage       Stage           `json:"stage"`
	Generation  int             `json:"generation"`
	Attempt     int             `json:"attempt"`
	CausationID string          `json:"causation_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	ProducedAt  time.Time       `json:"produced_at"`
}

// Option configures envelope creation.
type Option func(*Envelope)

// WithEventID sets a specific event ID (default: auto-generated UUID).
func WithEventID(id string) Option {
	return func(e *Envelope) { e.EventID = id }
}

// WithCausationID sets the ID of the causing envelope.
func WithCausationID(id string) Option {
	return func(e *Envelope) { e.CausationID = id }
}

// WithGeneration sets the re-run generation counter.
func WithGeneration(gen int) Option {
	return func(e *Envelope) { e.Generation = gen }
}

// WithProducedAt sets a specific production timestamp (default: time.Now).
func WithProducedAt(t time.Time) Option {
	return func(e *Envelope) { e.ProducedAt = t }
}

// New creates a validated envelope at attempt 0, generation 0.
// Returns a *perrors.ValidationError if a required field is empty.
func New(traceID, tenant, businessID string, stage Stage, payload json.RawMessage, opts ...Option) (*Envelope, error) {
	e := &Envelope{
		EventID:    uuid.New().String(),
		TraceID:    traceID,
		Tenant:     tenant,
		BusinessID: businessID,
		Stage:      stage,
		Payload:    payload,
		ProducedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate checks the envelope's required correlation fields.
func (e *Envelope) Validate() error {
	switch {
	case e.EventID == "":
		return &perrors.ValidationError{Field: "event_id", Message: "must not be empty"}
	case e.TraceID == "":
		return &perrors.ValidationError{Field: "trace_id", Message: "must not be empty"}
	case e.Tenant == "":
		return &perrors.ValidationError{Field: "tenant", Message: "must not be empty"}
	case e.BusinessID == "":
		return &perrors.ValidationError{Field: "business_id", Message: "must not be empty"}
	case !e.Stage.Valid():
		return &perrors.ValidationError{Field: "stage", Message: "unknown stage " + string(e.Stage)}
	case e.Attempt < 0:
		return &perrors.ValidationError{Field: "attempt", Message: "must not be negative"}
	}
	return nil
}

// DeriveNext produces the envelope for a downstream stage. The trace id,
// tenant, business id, and generation carry over unchanged; the causation
// id records the source event and the attempt counter resets.
func (e *Envelope) DeriveNext(stage Stage, payload json.RawMessage) (*Envelope, error) {
	return New(e.TraceID, e.Tenant, e.BusinessID, stage, payload,
		WithCausationID(e.EventID),
		WithGeneration(e.Generation),
	)
}

// WithRetry produces the redelivery instance for a failed attempt: a new
// event id, attempt incremented, causation pointing at the failed instance.
func (e *Envelope) WithRetry() *Envelope {
	clone := *e
	clone.EventID = uuid.New().String()
	clone.CausationID = e.EventID
	clone.Attempt = e.Attempt + 1
	clone.ProducedAt = time.Now().UTC()
	return &clone
}

// Subject returns the bus subject this envelope is delivered on.
func (e *Envelope) Subject() string {
	return e.Stage.InputSubject()
}

// Fingerprint returns a stable content hash of the envelope's identity and
// payload. The ledger stores the fingerprint of the output envelope so a
// stale duplicate completion from a non-deterministic re-execution can be
// detected downstream.
func (e *Envelope) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(e.Tenant))
	h.Write([]byte{0})
	h.Write([]byte(e.BusinessID))
	h.Write([]byte{0})
	h.Write([]byte(e.Stage))
	h.Write([]byte{0})
	h.Write(e.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Encode serializes the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses and validates an envelope from its wire form.
// A structurally invalid envelope returns a poison-classified error.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, perrors.Poison(err, "decode envelope")
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// BusinessID derives the stable artifact identity from an object key and
// version, e.g. "user/2025/09/foo.pdf::v1".
func BusinessID(objectKey, version string) string {
	return objectKey + BusinessIDSeparator + version
}

// ActivityBusinessID derives the identity for crawler activity events,
// which are keyed by user and day rather than object key.
func ActivityBusinessID(userID string, day time.Time) string {
	return userID + BusinessIDSeparator + day.UTC().Format("2006-01-02")
}

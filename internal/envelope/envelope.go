// Package envelope builds the immutable, serializable record of one domain
// event that the relay delivers to endpoints.
package envelope

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ValidationError reports input rejected before dispatch. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Envelope is one domain event. ID doubles as the receiver's idempotency key.
// Fields are unexported so an envelope cannot change after Build.
type Envelope struct {
	id         string
	eventType  string
	occurredAt time.Time
	payload    json.RawMessage
}

func (e Envelope) ID() string               { return e.id }
func (e Envelope) EventType() string        { return e.eventType }
func (e Envelope) OccurredAt() time.Time    { return e.occurredAt }
func (e Envelope) Payload() json.RawMessage { return append(json.RawMessage(nil), e.payload...) }

// wire is the body POSTed to endpoints.
type wire struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"created_at"`
	Object    json.RawMessage `json:"object"`
}

// Builder stamps envelopes. Now and NewID are replaceable in tests.
type Builder struct {
	Now   func() time.Time
	NewID func() string
}

// NewBuilder returns a Builder using the wall clock and random UUIDv4 ids.
func NewBuilder() *Builder {
	return &Builder{
		Now:   time.Now,
		NewID: func() string { return uuid.NewString() },
	}
}

// Build serializes payload once and returns the envelope.
func (b *Builder) Build(eventType string, payload any) (Envelope, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return Envelope{}, &ValidationError{Field: "event_type", Reason: "must not be empty"}
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return Envelope{}, &ValidationError{Field: "payload", Reason: err.Error()}
	}

	return Envelope{
		id:         b.NewID(),
		eventType:  eventType,
		occurredAt: b.Now().UTC().Truncate(time.Millisecond),
		payload:    raw,
	}, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, errors.New("must not be nil")
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("not serializable: %w", err)
	}
	return raw, nil
}

// Marshal renders the wire body. The signature is computed over exactly
// these bytes.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(wire{
		ID:        e.id,
		Type:      e.eventType,
		CreatedAt: e.occurredAt,
		Object:    e.payload,
	})
}

// MarshalJSON lets envelopes ride inside queued tasks.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return e.Marshal()
}

// UnmarshalJSON restores an envelope from its wire body.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.ID == "" || w.Type == "" {
		return &ValidationError{Field: "envelope", Reason: "id and type are required"}
	}
	*e = Envelope{id: w.ID, eventType: w.Type, occurredAt: w.CreatedAt.UTC(), payload: w.Object}
	return nil
}

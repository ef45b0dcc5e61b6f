// Package endpoint holds the configured webhook receivers and their signing
// secrets. The delivery engine reads endpoints; the only write it performs
// is secret rotation.
package endpoint

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"time"
)

// Wildcard subscribes an endpoint to every event type.
const Wildcard = "*"

var (
	ErrNotFound = errors.New("endpoint not found")
	ErrInvalid  = errors.New("invalid endpoint")
)

// Endpoint is one external receiver.
type Endpoint struct {
	ID              string    `json:"id"`
	URL             string    `json:"url"`
	EventTypes      []string  `json:"event_types"`
	Secret          string    `json:"-"`
	PreviousSecret  string    `json:"-"`
	SecretRotatedAt time.Time `json:"secret_rotated_at,omitzero"`
	Enabled         bool      `json:"enabled"`
}

// Subscribes reports whether the endpoint wants eventType.
func (e Endpoint) Subscribes(eventType string) bool {
	return slices.Contains(e.EventTypes, eventType) || slices.Contains(e.EventTypes, Wildcard)
}

// InGrace reports whether the previous secret is still accepted at now.
func (e Endpoint) InGrace(now time.Time, grace time.Duration) bool {
	return e.PreviousSecret != "" && !e.SecretRotatedAt.IsZero() && now.Sub(e.SecretRotatedAt) < grace
}

// VerificationSecrets returns the secrets a receiver should accept at now:
// the current one, plus the previous one inside the grace period.
func (e Endpoint) VerificationSecrets(now time.Time, grace time.Duration) []string {
	if e.InGrace(now, grace) {
		return []string{e.Secret, e.PreviousSecret}
	}
	return []string{e.Secret}
}

// Rotated returns a copy with newSecret current and the old secret kept as
// previous. Rotating again inside the grace window discards the older
// previous secret; grace windows never stack.
func (e Endpoint) Rotated(newSecret string, now time.Time) Endpoint {
	out := e.clone()
	out.PreviousSecret = e.Secret
	out.Secret = newSecret
	out.SecretRotatedAt = now
	return out
}

// Pruned clears the previous secret once the grace period is over.
func (e Endpoint) Pruned(now time.Time, grace time.Duration) Endpoint {
	out := e.clone()
	if out.PreviousSecret != "" && !out.InGrace(now, grace) {
		out.PreviousSecret = ""
	}
	return out
}

// Validate checks the fields the dispatcher depends on.
func (e Endpoint) Validate() error {
	switch {
	case e.ID == "":
		return errors.Join(ErrInvalid, errors.New("id is required"))
	case e.URL == "":
		return errors.Join(ErrInvalid, errors.New("url is required"))
	case e.Secret == "":
		return errors.Join(ErrInvalid, errors.New("secret is required"))
	}
	u, err := url.ParseRequestURI(e.URL)
	if err != nil {
		return errors.Join(ErrInvalid, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Join(ErrInvalid, errors.New("url scheme must be http or https"))
	}
	if u.Host == "" {
		return errors.Join(ErrInvalid, errors.New("url host is required"))
	}
	return nil
}

func (e Endpoint) clone() Endpoint {
	e.EventTypes = slices.Clone(e.EventTypes)
	return e
}

// Registry is the read handle the dispatcher receives, plus rotation.
type Registry interface {
	// Get returns the endpoint regardless of its enabled flag.
	Get(ctx context.Context, id string) (Endpoint, error)
	// Subscribed returns enabled endpoints subscribed to eventType.
	Subscribed(ctx context.Context, eventType string) ([]Endpoint, error)
	// RotateSecret atomically installs a fresh secret and returns it.
	RotateSecret(ctx context.Context, id string) (string, error)
}

// Store is a Registry that can also be written by operator tooling.
type Store interface {
	Registry
	Upsert(ctx context.Context, ep Endpoint) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
}

// Options configures registries.
type Options struct {
	Grace time.Duration
	Now   func() time.Time
	// NewSecret defaults to signing.GenerateSecret.
	NewSecret func() (string, error)
}

// Package circuit gates delivery attempts per endpoint. Each endpoint has a
// tri-state breaker (closed, open, half-open) driven by its own failures in
// a sliding time window. State lives in a Store so several worker processes
// can share it.
package circuit

import (
	"context"
	"errors"
	"time"

	"github.com/austindbirch/harbor_relay/internal/metrics"
)

// Status is the breaker position.
type Status string

const (
	StatusClosed   Status = "closed"
	StatusOpen     Status = "open"
	StatusHalfOpen Status = "half-open"
)

// Config holds breaker thresholds.
type Config struct {
	Threshold int           // failures within Window that open the circuit
	Window    time.Duration // sliding failure window
	Cooldown  time.Duration // Open -> HalfOpen delay; also the lost-probe timeout
}

// DefaultConfig matches the relay's env defaults.
func DefaultConfig() Config {
	return Config{Threshold: 5, Window: time.Minute, Cooldown: 30 * time.Second}
}

func (c Config) validate() error {
	if c.Threshold < 1 || c.Window <= 0 || c.Cooldown <= 0 {
		return errors.New("circuit: threshold, window and cooldown must be positive")
	}
	return nil
}

// State is the per-endpoint snapshot.
type State struct {
	EndpointID   string    `json:"endpoint_id"`
	Status       Status    `json:"state"`
	FailureCount int       `json:"failure_count"` // failures younger than Window
	SuccessCount int       `json:"success_count"` // successes since WindowStart
	WindowStart  time.Time `json:"window_start"`
	OpenedAt     time.Time `json:"opened_at,omitzero"`
}

// Op is an operation applied atomically by a Store.
type Op string

const (
	OpAcquire  Op = "acquire"
	OpSuccess  Op = "success"
	OpFailure  Op = "failure"
	OpSnapshot Op = "snapshot"
)

// Result is what a Store returns for one Apply.
type Result struct {
	Before  Status
	State   State
	Allowed bool // OpAcquire only
	Probe   bool // OpAcquire only: the caller holds the half-open probe
}

// Store applies an operation to one endpoint's state as a single atomic
// step, reading and writing a consistent snapshot.
type Store interface {
	Apply(ctx context.Context, endpointID string, op Op, now time.Time, cfg Config) (Result, error)
	Reset(ctx context.Context, endpointID string) error
}

// Listener is notified after a state transition.
type Listener interface {
	OnStateChange(endpointID string, from, to Status)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(endpointID string, from, to Status)

func (f ListenerFunc) OnStateChange(endpointID string, from, to Status) { f(endpointID, from, to) }

// Decision is the gate answer for one attempt.
type Decision struct {
	Allowed bool
	Probe   bool
	State   State
}

// MetricsListener exports transitions as Prometheus counters and the
// per-endpoint state gauge.
func MetricsListener() Listener {
	return ListenerFunc(func(endpointID string, from, to Status) {
		metrics.RecordCircuitTransition(endpointID, string(from), string(to))
	})
}

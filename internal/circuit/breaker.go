package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/austindbirch/harbor_relay/internal/logging"
)

// Breaker is the per-endpoint gate consulted before each transmission.
// Allow and Record are separate calls so no lock is held while the
// attempt is on the wire.
type Breaker struct {
	store Store
	cfg   Config
	now   func() time.Time
	log   *logging.Logger

	mu        sync.RWMutex
	listeners []Listener
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger sets the logger used for transition messages.
func WithLogger(l *logging.Logger) Option {
	return func(b *Breaker) { b.log = l }
}

// New builds a Breaker. A nil store means an in-process MemoryStore.
func New(store Store, cfg Config, opts ...Option) (*Breaker, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if store == nil {
		store = NewMemoryStore()
	}
	b := &Breaker{store: store, cfg: cfg, now: time.Now, log: logging.New("harborrelay-circuit")}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Config returns the thresholds in use.
func (b *Breaker) Config() Config { return b.cfg }

// Allow reports whether an attempt to endpointID may be transmitted now.
// An Open circuit whose cooldown has elapsed moves to HalfOpen and admits
// exactly one probe; a probe that never reports back is replaced after
// another cooldown.
func (b *Breaker) Allow(ctx context.Context, endpointID string) (Decision, error) {
	res, err := b.store.Apply(ctx, endpointID, OpAcquire, b.now(), b.cfg)
	if err != nil {
		return Decision{}, err
	}
	b.notify(endpointID, res)
	return Decision{Allowed: res.Allowed, Probe: res.Probe, State: res.State}, nil
}

// Record feeds an attempt outcome back into the window. Attempts skipped
// because the circuit was open must not be recorded.
func (b *Breaker) Record(ctx context.Context, endpointID string, success bool) (State, error) {
	op := OpFailure
	if success {
		op = OpSuccess
	}
	res, err := b.store.Apply(ctx, endpointID, op, b.now(), b.cfg)
	if err != nil {
		return State{}, err
	}
	b.notify(endpointID, res)
	return res.State, nil
}

// State returns the current snapshot without mutating it.
func (b *Breaker) State(ctx context.Context, endpointID string) (State, error) {
	res, err := b.store.Apply(ctx, endpointID, OpSnapshot, b.now(), b.cfg)
	if err != nil {
		return State{}, err
	}
	return res.State, nil
}

// Reset forgets all state for endpointID, closing its circuit.
func (b *Breaker) Reset(ctx context.Context, endpointID string) error {
	before, err := b.State(ctx, endpointID)
	if err != nil {
		return err
	}
	if err := b.store.Reset(ctx, endpointID); err != nil {
		return err
	}
	b.notify(endpointID, Result{Before: before.Status, State: State{EndpointID: endpointID, Status: StatusClosed}})
	return nil
}

// OnStateChange registers a listener. Listeners run synchronously on the
// goroutine that caused the transition.
func (b *Breaker) OnStateChange(l Listener) {
	if l == nil {
		return
	}
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

func (b *Breaker) notify(endpointID string, res Result) {
	from, to := res.Before, res.State.Status
	if from == to {
		return
	}

	entry := b.log.Plain().WithEndpoint(endpointID).WithFields(map[string]any{
		"from":          string(from),
		"to":            string(to),
		"failure_count": res.State.FailureCount,
	})
	switch to {
	case StatusOpen:
		entry.Warn("circuit opened")
	case StatusHalfOpen:
		entry.Info("circuit half-open, admitting probe")
	case StatusClosed:
		entry.Info("circuit closed")
	}

	b.mu.RLock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		b.safeNotify(l, endpointID, from, to)
	}
}

func (b *Breaker) safeNotify(l Listener, endpointID string, from, to Status) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Plain().WithEndpoint(endpointID).Errorf("circuit listener panic: %v", r)
		}
	}()
	l.OnStateChange(endpointID, from, to)
}

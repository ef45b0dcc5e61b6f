package endpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/austindbirch/harbor_relay/internal/signing"
)

func (o Options) withDefaults() Options {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewSecret == nil {
		o.NewSecret = signing.GenerateSecret
	}
	return o
}

// MemoryRegistry keeps endpoints in process memory. Used by tests and by
// single-process deployments that load endpoints from config.
type MemoryRegistry struct {
	opts Options

	mu        sync.RWMutex
	endpoints map[string]Endpoint
}

func NewMemoryRegistry(opts Options, eps ...Endpoint) *MemoryRegistry {
	r := &MemoryRegistry{opts: opts.withDefaults(), endpoints: make(map[string]Endpoint, len(eps))}
	for _, ep := range eps {
		r.endpoints[ep.ID] = ep.clone()
	}
	return r
}

func (r *MemoryRegistry) Get(_ context.Context, id string) (Endpoint, error) {
	r.mu.RLock()
	ep, ok := r.endpoints[id]
	r.mu.RUnlock()
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ep.Pruned(r.opts.Now(), r.opts.Grace), nil
}

func (r *MemoryRegistry) Subscribed(_ context.Context, eventType string) ([]Endpoint, error) {
	now := r.opts.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Endpoint
	for _, ep := range r.endpoints {
		if ep.Enabled && ep.Subscribes(eventType) {
			out = append(out, ep.Pruned(now, r.opts.Grace))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRegistry) RotateSecret(_ context.Context, id string) (string, error) {
	secret, err := r.opts.NewSecret()
	if err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.endpoints[id] = ep.Rotated(secret, r.opts.Now())
	return secret, nil
}

func (r *MemoryRegistry) Upsert(_ context.Context, ep Endpoint) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.endpoints[ep.ID] = ep.clone()
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) SetEnabled(_ context.Context, id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	ep.Enabled = enabled
	r.endpoints[id] = ep
	return nil
}

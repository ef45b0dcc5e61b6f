package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/austindbirch/harbor_relay/internal/endpoint"
	"github.com/austindbirch/harbor_relay/internal/envelope"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// ErrNotAccepted wraps failures to hand an envelope to the queue. Nothing was
// queued, so the caller may publish the event again.
var ErrNotAccepted = errors.New("envelope not accepted")

// PartialError is returned with an accepted envelope that could only be
// queued for some of its endpoints. Publishing the event again to Failed alone
// reaches the rest without duplicating it elsewhere.
type PartialError struct {
	Failed []string
	Err    error
}

func (e *PartialError) Error() string {
	return "envelope not queued for " + strings.Join(e.Failed, ", ") + ": " + e.Err.Error()
}

func (e *PartialError) Unwrap() error { return e.Err }

// Engine is the inbound side: it turns domain events into queued attempts.
type Engine struct {
	builder  *envelope.Builder
	registry endpoint.Registry
	queue    Enqueuer
	log      *logging.Logger
	now      func() time.Time
}

func NewEngine(builder *envelope.Builder, registry endpoint.Registry, queue Enqueuer, log *logging.Logger) *Engine {
	if builder == nil {
		builder = envelope.NewBuilder()
	}
	if log == nil {
		log = logging.New("harborrelay-engine")
	}
	return &Engine{builder: builder, registry: registry, queue: queue, log: log, now: time.Now}
}

// Publish builds an envelope and queues attempt 1 for every target. With
// no targets the envelope goes to all enabled subscribers of eventType.
// Delivery outcomes never come back through Publish: input problems are a
// *envelope.ValidationError, a *PartialError means the envelope was accepted
// for all but the endpoints it lists, and anything else means the envelope was
// not accepted (ErrNotAccepted).
func (e *Engine) Publish(ctx context.Context, eventType string, payload any, targets ...string) (envelope.Envelope, error) {
	env, err := e.builder.Build(eventType, payload)
	if err != nil {
		return envelope.Envelope{}, err
	}

	ctx, span := tracing.StartSpan(ctx, "engine.publish")
	defer span.End()

	eps, skipped, err := resolveTargets(ctx, e.registry, env.EventType(), targets)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return envelope.Envelope{}, fmt.Errorf("%w: %w", ErrNotAccepted, err)
	}
	var unknown []string
	for _, r := range skipped {
		if r.Reason == ReasonEndpointNotFound {
			unknown = append(unknown, r.EndpointID)
		}
	}
	if len(unknown) > 0 {
		return envelope.Envelope{}, &envelope.ValidationError{Field: "targets", Reason: "unknown endpoint " + strings.Join(unknown, ", ")}
	}

	headers := tracing.InjectTaskHeaders(ctx)
	now := e.now()
	var (
		errs   []error
		failed []string
	)
	for _, ep := range eps {
		t := Task{Envelope: env, EndpointID: ep.ID, Attempt: 1, ScheduledAt: now, TraceHeaders: headers}
		if err := e.queue.Enqueue(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("endpoint %s: %w", ep.ID, err))
			failed = append(failed, ep.ID)
		}
	}
	if err := errors.Join(errs...); err != nil {
		tracing.SetSpanError(ctx, err)
		if len(failed) == len(eps) {
			e.log.WithContext(ctx).WithEnvelope(env.ID(), env.EventType()).WithError(err).Error("enqueue failed")
			return envelope.Envelope{}, fmt.Errorf("%w: %w", ErrNotAccepted, err)
		}
		metrics.RecordEventPublished(env.EventType())
		e.log.WithContext(ctx).WithEnvelope(env.ID(), env.EventType()).
			WithFields(map[string]any{"endpoints": len(eps) - len(failed), "failed_endpoints": failed}).
			WithError(err).
			Warn("envelope accepted for some endpoints only")
		return env, &PartialError{Failed: failed, Err: err}
	}

	metrics.RecordEventPublished(env.EventType())
	e.log.WithContext(ctx).WithEnvelope(env.ID(), env.EventType()).
		WithField("endpoints", len(eps)).
		Info("envelope accepted")
	return env, nil
}

// Package delivery sends signed envelopes to endpoints, classifies the
// outcome, and schedules retries through a queue.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/circuit"
	"github.com/austindbirch/harbor_relay/internal/endpoint"
	"github.com/austindbirch/harbor_relay/internal/envelope"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/signing"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// ReasonDuplicate marks a task the ledger refused.
const ReasonDuplicate = "duplicate"

// Deps wires a Dispatcher. Registry, Breaker, Sender, Retry and Queue are
// required.
type Deps struct {
	Registry    endpoint.Registry
	Breaker     *circuit.Breaker
	Sender      *Sender
	Retry       *Scheduler
	Queue       Enqueuer
	Ledger      Ledger   // defaults to a MemoryLedger
	Observer    Observer // defaults to a LogObserver
	Logger      *logging.Logger
	Now         func() time.Time
	Parallelism int // endpoints attempted at once by Dispatch; default 16
}

// Dispatcher runs delivery attempts.
type Dispatcher struct {
	registry endpoint.Registry
	breaker  *circuit.Breaker
	sender   *Sender
	retry    *Scheduler
	queue    Enqueuer
	ledger   Ledger
	observer Observer
	log      *logging.Logger
	now      func() time.Time
	parallel int
}

func NewDispatcher(d Deps) (*Dispatcher, error) {
	var missing []string
	if d.Registry == nil {
		missing = append(missing, "registry")
	}
	if d.Breaker == nil {
		missing = append(missing, "breaker")
	}
	if d.Sender == nil {
		missing = append(missing, "sender")
	}
	if d.Retry == nil {
		missing = append(missing, "retry scheduler")
	}
	if d.Queue == nil {
		missing = append(missing, "queue")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("delivery: missing %s", strings.Join(missing, ", "))
	}

	if d.Logger == nil {
		d.Logger = logging.New("harborrelay-dispatcher")
	}
	if d.Ledger == nil {
		d.Ledger = NewMemoryLedger()
	}
	if d.Observer == nil {
		d.Observer = LogObserver{Log: d.Logger}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Parallelism <= 0 {
		d.Parallelism = 16
	}
	return &Dispatcher{
		registry: d.Registry,
		breaker:  d.Breaker,
		sender:   d.Sender,
		retry:    d.Retry,
		queue:    d.Queue,
		ledger:   d.Ledger,
		observer: d.Observer,
		log:      d.Logger,
		now:      d.Now,
		parallel: d.Parallelism,
	}, nil
}

// Dispatch makes attempt 1 of env to every enabled endpoint subscribed to
// its event type, or to exactly the given endpoint ids. Endpoints run in
// parallel; transient failures are handed to the queue for retry. Results
// are ordered by endpoint id.
//
// Dispatch is the synchronous entry point for callers that embed the
// dispatcher in-process and want first-attempt outcomes back. The binaries
// go through Engine.Publish and a queue instead, and run every attempt,
// the first included, through Attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, env envelope.Envelope, targets ...string) []Result {
	eps, skipped, err := resolveTargets(ctx, d.registry, env.EventType(), targets)
	if err != nil {
		d.log.WithContext(ctx).WithEnvelope(env.ID(), env.EventType()).WithError(err).Error("resolve endpoints failed")
		return nil
	}
	for i := range skipped {
		skipped[i].EnvelopeID = env.ID()
	}

	headers := tracing.InjectTaskHeaders(ctx)
	p := pool.NewWithResults[Result]().WithMaxGoroutines(d.parallel)
	for _, ep := range eps {
		t := Task{
			Envelope:     env,
			EndpointID:   ep.ID,
			Attempt:      1,
			ScheduledAt:  d.now(),
			TraceHeaders: headers,
		}
		p.Go(func() Result { return d.run(ctx, t, ep) })
	}
	results := append(p.Wait(), skipped...)
	slices.SortFunc(results, func(a, b Result) int { return strings.Compare(a.EndpointID, b.EndpointID) })
	return results
}

// Attempt processes one queued task. The endpoint is read fresh, so a
// rotation or disablement since the task was queued takes effect here.
func (d *Dispatcher) Attempt(ctx context.Context, t Task) Result {
	res := Result{EnvelopeID: t.Envelope.ID(), EndpointID: t.EndpointID, Attempt: t.Attempt}

	ep, err := d.registry.Get(ctx, t.EndpointID)
	switch {
	case errors.Is(err, endpoint.ErrNotFound):
		res.Outcome, res.Reason, res.Terminal = OutcomePermanent, ReasonEndpointNotFound, true
		d.log.WithContext(ctx).WithEnvelope(res.EnvelopeID, t.Envelope.EventType()).WithEndpoint(t.EndpointID).Warn("endpoint removed, dropping task")
		return res
	case err != nil:
		// Not the endpoint's fault: requeue the same attempt unclaimed.
		res.Outcome, res.Reason, res.Err = OutcomeTransient, ReasonRegistryUnavailable, err
		t.ScheduledAt = d.now().Add(d.retry.Backoff(t.Attempt))
		if qerr := d.queue.Enqueue(ctx, t); qerr != nil {
			res.Err = errors.Join(err, qerr)
		} else {
			res.NextAttempt = t.ScheduledAt
		}
		d.log.WithContext(ctx).WithEndpoint(t.EndpointID).WithError(res.Err).Warn("endpoint lookup failed, task requeued")
		return res
	case !ep.Enabled:
		res.Outcome, res.Reason, res.Terminal = OutcomePermanent, ReasonEndpointDisabled, true
		d.log.WithContext(ctx).WithEnvelope(res.EnvelopeID, t.Envelope.EventType()).WithEndpoint(t.EndpointID).Info("endpoint disabled, dropping task")
		return res
	}
	return d.run(ctx, t, ep)
}

// run executes one attempt against an endpoint snapshot. The secret used
// for signing is the one in ep, captured before transmission.
func (d *Dispatcher) run(ctx context.Context, t Task, ep endpoint.Endpoint) Result {
	env := t.Envelope
	ctx, span := tracing.StartSpan(ctx, "delivery.attempt",
		attribute.String("envelope_id", env.ID()),
		attribute.String("event_type", env.EventType()),
		attribute.String("endpoint_id", ep.ID),
		attribute.Int("attempt", t.Attempt),
	)
	defer span.End()

	log := func() *logging.LogEntry { return d.entry(ctx, t) }
	res := Result{EnvelopeID: env.ID(), EndpointID: ep.ID, Attempt: t.Attempt}

	claim := Attempt{
		EnvelopeID:    env.ID(),
		EndpointID:    ep.ID,
		EventType:     env.EventType(),
		AttemptNumber: t.Attempt,
		ScheduledAt:   t.ScheduledAt,
		Outcome:       OutcomePending,
	}
	if err := d.ledger.Claim(ctx, claim); err != nil {
		if errors.Is(err, ErrStaleAttempt) || errors.Is(err, ErrAlreadyTerminal) {
			metrics.RecordDuplicateAttempt()
			log().WithField("reason", err.Error()).Info("skipping duplicate attempt")
			res.Outcome, res.Reason, res.Err = OutcomePending, ReasonDuplicate, err
			return res
		}
		log().WithError(err).Warn("attempt ledger unavailable, delivering anyway")
	}

	var hint time.Duration
	decision, err := d.breaker.Allow(ctx, ep.ID)
	if err != nil {
		log().WithError(err).Warn("circuit store unavailable, allowing attempt")
		decision.Allowed = true
	}

	if !decision.Allowed {
		tracing.AddSpanEvent(ctx, "circuit.skip")
		res.Outcome, res.Reason = OutcomeTransient, ReasonCircuitOpen
		hint = d.cooldownLeft(decision.State)
	} else {
		var sent bool
		hint, sent = d.transmit(ctx, t, ep, &res)
		if sent {
			if _, err := d.breaker.Record(ctx, ep.ID, res.Outcome == OutcomeSuccess); err != nil {
				log().WithError(err).Warn("circuit record failed")
			}
		}
	}

	d.settle(ctx, t, ep, &res, hint)

	span.SetAttributes(
		attribute.String("delivery.outcome", string(res.Outcome)),
		attribute.String("delivery.reason", res.Reason),
		attribute.Bool("delivery.terminal", res.Terminal),
	)
	if res.Err != nil {
		tracing.SetSpanError(ctx, res.Err)
	}
	return res
}

// transmit signs and sends, filling res. It returns the receiver's
// Retry-After hint, if any, and whether a request went out.
func (d *Dispatcher) transmit(ctx context.Context, t Task, ep endpoint.Endpoint, res *Result) (time.Duration, bool) {
	body, err := t.Envelope.Marshal()
	if err != nil {
		res.Outcome, res.Reason, res.Err = OutcomePermanent, ReasonEncode, err
		return 0, false
	}

	resp, err := d.sender.Send(ctx, Request{
		URL:        ep.URL,
		Body:       body,
		Signature:  signing.Sign(body, ep.Secret),
		EventType:  t.Envelope.EventType(),
		EnvelopeID: t.Envelope.ID(),
		Attempt:    t.Attempt,
	})
	c := Classify(resp.Status, resp.Header, err, d.now())
	res.Outcome, res.Reason = c.Outcome, c.Reason
	res.HTTPStatus, res.Latency, res.Err = resp.Status, resp.Latency, err
	return c.RetryAfter, !errors.Is(err, ErrInvalidRequest)
}

// cooldownLeft is the least a skipped attempt should wait for the circuit
// to admit a probe.
func (d *Dispatcher) cooldownLeft(st circuit.State) time.Duration {
	cooldown := d.breaker.Config().Cooldown
	if st.Status == circuit.StatusOpen && !st.OpenedAt.IsZero() {
		if left := st.OpenedAt.Add(cooldown).Sub(d.now()); left > 0 {
			return left
		}
	}
	return cooldown
}

// settle decides retry or terminal state, records the attempt and surfaces
// terminal failures. For a circuit-open skip hint is the cooldown floor,
// otherwise the receiver's Retry-After.
func (d *Dispatcher) settle(ctx context.Context, t Task, ep endpoint.Endpoint, res *Result, hint time.Duration) {
	now := d.now()
	log := func() *logging.LogEntry { return d.entry(ctx, t) }

	switch res.Outcome {
	case OutcomeSuccess, OutcomePermanent:
		res.Terminal = true
	case OutcomeTransient:
		var next time.Time
		var ok bool
		if res.Reason == ReasonCircuitOpen {
			next, ok = d.retry.NextNotBefore(t.Attempt, now, hint)
		} else {
			next, ok = d.retry.Next(t.Attempt, now, hint)
		}
		if !ok {
			last := res.Reason
			res.Outcome, res.Reason, res.Terminal = OutcomePermanent, ReasonMaxAttempts, true
			if res.Err == nil {
				res.Err = fmt.Errorf("last failure: %s", last)
			}
			break
		}
		metrics.RecordRetry(res.Reason)
		nt := t
		nt.Attempt = t.Attempt + 1
		nt.ScheduledAt = next
		if nt.TraceHeaders == nil {
			nt.TraceHeaders = tracing.InjectTaskHeaders(ctx)
		}
		if err := d.queue.Enqueue(ctx, nt); err != nil {
			// A claimed attempt cannot be redelivered, so surface it.
			res.Err = errors.Join(res.Err, fmt.Errorf("enqueue retry: %w", err))
			res.Outcome, res.Reason, res.Terminal = OutcomePermanent, ReasonRetryNotQueued, true
			log().WithError(err).Error("enqueue retry failed")
		} else {
			res.NextAttempt = next
		}
	}

	if err := d.ledger.Complete(ctx, res.attemptRecord(t.Envelope.EventType(), t.ScheduledAt)); err != nil {
		log().WithError(err).Warn("attempt ledger update failed")
	}
	metrics.RecordDelivery(string(res.Outcome), res.Latency)

	fields := map[string]any{
		"outcome":     string(res.Outcome),
		"reason":      res.Reason,
		"http_status": res.HTTPStatus,
		"latency_ms":  res.Latency.Milliseconds(),
	}
	if !res.NextAttempt.IsZero() {
		fields["next_attempt_at"] = res.NextAttempt.Format(time.RFC3339Nano)
	}
	entry := log().WithFields(fields)
	switch res.Outcome {
	case OutcomeSuccess:
		entry.Info("delivered")
	case OutcomeTransient:
		entry.Warn("delivery failed, retry scheduled")
	case OutcomePermanent:
		d.observer.DeadLetter(ctx, NewDeadLetter(t, ep.URL, *res, now))
	}
}

// entry starts a log line for one task. Entries are single use.
func (d *Dispatcher) entry(ctx context.Context, t Task) *logging.LogEntry {
	return d.log.WithContext(ctx).WithEnvelope(t.Envelope.ID(), t.Envelope.EventType()).WithEndpoint(t.EndpointID).WithAttempt(t.Attempt)
}

// resolveTargets returns the endpoints an envelope goes to. With explicit
// targets, unknown or disabled ids come back as terminal results instead.
func resolveTargets(ctx context.Context, reg endpoint.Registry, eventType string, targets []string) ([]endpoint.Endpoint, []Result, error) {
	if len(targets) == 0 {
		eps, err := reg.Subscribed(ctx, eventType)
		if err != nil {
			return nil, nil, fmt.Errorf("subscribed endpoints: %w", err)
		}
		return eps, nil, nil
	}

	var (
		eps     []endpoint.Endpoint
		skipped []Result
		seen    = make(map[string]bool, len(targets))
	)
	for _, id := range targets {
		if seen[id] {
			continue
		}
		seen[id] = true

		ep, err := reg.Get(ctx, id)
		switch {
		case errors.Is(err, endpoint.ErrNotFound):
			skipped = append(skipped, Result{EndpointID: id, Outcome: OutcomePermanent, Reason: ReasonEndpointNotFound, Terminal: true})
		case err != nil:
			return nil, nil, fmt.Errorf("get endpoint %s: %w", id, err)
		case !ep.Enabled:
			skipped = append(skipped, Result{EndpointID: id, Outcome: OutcomePermanent, Reason: ReasonEndpointDisabled, Terminal: true})
		default:
			eps = append(eps, ep)
		}
	}
	return eps, skipped, nil
}

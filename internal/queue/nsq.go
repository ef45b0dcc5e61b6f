package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// MaxDefer is nsqd's default --max-req-timeout. Longer delays are split:
// the message is deferred by MaxDefer and re-deferred when it arrives early.
const MaxDefer = time.Hour

// Producer is the subset of *nsq.Producer the queue uses.
type Producer interface {
	Publish(topic string, body []byte) error
	DeferredPublish(topic string, delay time.Duration, body []byte) error
}

var _ Producer = (*nsq.Producer)(nil)

// NSQ publishes tasks to a topic. Future tasks use deferred publish, so
// retries survive a worker restart.
type NSQ struct {
	producer Producer
	topic    string
	now      func() time.Time
}

func NewNSQ(p Producer, topic string) *NSQ {
	return &NSQ{producer: p, topic: topic, now: time.Now}
}

func (q *NSQ) Enqueue(ctx context.Context, t delivery.Task) error {
	body, err := delivery.EncodeTask(t)
	if err != nil {
		return err
	}
	delay := t.ScheduledAt.Sub(q.now())
	if delay <= 0 {
		err = q.producer.Publish(q.topic, body)
	} else {
		err = q.producer.DeferredPublish(q.topic, min(delay, MaxDefer), body)
	}
	if err != nil {
		return fmt.Errorf("nsq publish %s: %w", q.topic, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published",
		attribute.String("topic", q.topic),
		attribute.String("delay", max(delay, 0).String()),
	)
	return nil
}

// Processor runs one task. *delivery.Dispatcher satisfies it.
type Processor interface {
	Attempt(ctx context.Context, t delivery.Task) delivery.Result
}

// Handler consumes tasks from NSQ. Messages are finished once processed:
// retries are new deferred messages, not requeues.
type Handler struct {
	proc Processor
	log  *logging.Logger
	now  func() time.Time
	base context.Context
}

func NewHandler(ctx context.Context, proc Processor, log *logging.Logger) *Handler {
	return &Handler{proc: proc, log: log, now: time.Now, base: ctx}
}

func (h *Handler) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	defer func() {
		if !m.HasResponded() {
			h.log.Plain().Warn("message had no response, finishing")
			m.Finish()
		}
	}()

	t, err := delivery.DecodeTask(m.Body)
	if err != nil {
		h.log.Plain().WithError(err).Error("bad task payload")
		m.Finish() // terminal: don't retry bad payloads
		return nil
	}

	if wait := t.ScheduledAt.Sub(h.now()); wait > 0 {
		m.RequeueWithoutBackoff(min(wait, MaxDefer))
		return nil
	}

	ctx := tracing.ExtractTaskHeaders(h.base, t.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "worker.task",
		attribute.String("envelope_id", t.Envelope.ID()),
		attribute.String("endpoint_id", t.EndpointID),
		attribute.Int("attempt", t.Attempt),
		attribute.Int("nsq.attempts", int(m.Attempts)),
	)
	defer span.End()

	res := h.proc.Attempt(ctx, t)
	if res.Reason == delivery.ReasonRegistryUnavailable && res.NextAttempt.IsZero() {
		// Never claimed, so nsqd may redeliver this same message.
		h.log.WithContext(ctx).WithEnvelope(t.Envelope.ID(), t.Envelope.EventType()).WithEndpoint(t.EndpointID).
			WithError(res.Err).Warn("task not rescheduled, requeueing message")
		m.Requeue(-1)
		return nil
	}
	m.Finish()
	return nil
}

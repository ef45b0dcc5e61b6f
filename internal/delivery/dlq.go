package delivery

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
)

const DLQType = "delivery.dead_letter"

// DeadLetter is the record surfaced when a delivery fails terminally.
type DeadLetter struct {
	Type        string `json:"type"`    // "delivery.dead_letter"
	Version     string `json:"version"` // schema version
	At          string `json:"at"`      // RFC3339 time the record was emitted
	Reason      string `json:"reason"`
	EnvelopeID  string `json:"envelope_id"`
	EventType   string `json:"event_type"`
	EndpointID  string `json:"endpoint_id"`
	EndpointURL string `json:"endpoint_url,omitempty"`
	Attempt     int    `json:"attempt"`
	HTTPStatus  int    `json:"http_status,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	Task        Task   `json:"task"` // full snapshot for replay
}

func NewDeadLetter(t Task, endpointURL string, r Result, at time.Time) DeadLetter {
	dl := DeadLetter{
		Type:        DLQType,
		Version:     "v1",
		At:          at.UTC().Format(time.RFC3339Nano),
		Reason:      r.Reason,
		EnvelopeID:  t.Envelope.ID(),
		EventType:   t.Envelope.EventType(),
		EndpointID:  t.EndpointID,
		EndpointURL: endpointURL,
		Attempt:     r.Attempt,
		HTTPStatus:  r.HTTPStatus,
		Task:        t,
	}
	if r.Err != nil {
		dl.LastError = r.Err.Error()
	}
	return dl
}

// Observer receives terminal failures. Implementations must not block for
// long; they run on the worker goroutine.
type Observer interface {
	DeadLetter(ctx context.Context, dl DeadLetter)
}

// Observers fans a dead letter out to several observers.
type Observers []Observer

func (o Observers) DeadLetter(ctx context.Context, dl DeadLetter) {
	for _, obs := range o {
		obs.DeadLetter(ctx, dl)
	}
}

// LogObserver writes dead letters to the structured log and counts them.
type LogObserver struct {
	Log *logging.Logger
}

func (o LogObserver) DeadLetter(ctx context.Context, dl DeadLetter) {
	metrics.RecordDeadLetter(dl.Reason)
	o.Log.WithContext(ctx).
		WithEnvelope(dl.EnvelopeID, dl.EventType).
		WithEndpoint(dl.EndpointID).
		WithAttempt(dl.Attempt).
		WithFields(map[string]any{"reason": dl.Reason, "http_status": dl.HTTPStatus, "last_error": dl.LastError}).
		Error("delivery failed terminally")
}

// Publisher is the subset of *nsq.Producer used for dead letters.
type Publisher interface {
	Publish(topic string, body []byte) error
}

var _ Publisher = (*nsq.Producer)(nil)

// NSQObserver publishes dead letters to a topic for operators to consume.
type NSQObserver struct {
	Producer Publisher
	Topic    string
	Log      *logging.Logger
}

func (o NSQObserver) DeadLetter(ctx context.Context, dl DeadLetter) {
	b, err := json.Marshal(dl)
	if err != nil {
		o.Log.WithContext(ctx).WithEnvelope(dl.EnvelopeID, dl.EventType).WithError(err).Error("dead letter encode failed")
		return
	}
	if err := o.Producer.Publish(o.Topic, b); err != nil {
		o.Log.WithContext(ctx).WithEnvelope(dl.EnvelopeID, dl.EventType).WithEndpoint(dl.EndpointID).WithError(err).Error("dead letter publish failed")
		return
	}
	o.Log.WithContext(ctx).WithEnvelope(dl.EnvelopeID, dl.EventType).WithEndpoint(dl.EndpointID).WithField("topic", o.Topic).Info("dead letter published")
}

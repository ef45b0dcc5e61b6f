package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/austindbirch/harbor_relay/internal/envelope"
)

// Outcome is the result of one delivery attempt.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSuccess   Outcome = "success"
	OutcomeTransient Outcome = "transient_failure"
	OutcomePermanent Outcome = "permanent_failure"
)

// Task is one queued (envelope, endpoint, attempt) unit of work.
type Task struct {
	Envelope     envelope.Envelope `json:"envelope"`
	EndpointID   string            `json:"endpoint_id"`
	Attempt      int               `json:"attempt"`
	ScheduledAt  time.Time         `json:"scheduled_at"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel propagation
}

// EncodeTask renders a task for a queue message body.
func EncodeTask(t Task) ([]byte, error) {
	return json.Marshal(t)
}

// DecodeTask parses a queue message body.
func DecodeTask(b []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(b, &t); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	if t.EndpointID == "" || t.Attempt < 1 {
		return Task{}, fmt.Errorf("decode task: endpoint_id and attempt are required")
	}
	return t, nil
}

// Enqueuer accepts tasks and hands them to workers no earlier than
// ScheduledAt.
type Enqueuer interface {
	Enqueue(ctx context.Context, t Task) error
}

// Attempt is the ledger record of one try.
type Attempt struct {
	EnvelopeID    string        `json:"envelope_id"`
	EndpointID    string        `json:"endpoint_id"`
	EventType     string        `json:"event_type"`
	AttemptNumber int           `json:"attempt_number"`
	ScheduledAt   time.Time     `json:"scheduled_at"`
	Outcome       Outcome       `json:"outcome"`
	Reason        string        `json:"reason,omitempty"`
	HTTPStatus    int           `json:"http_status,omitempty"`
	Latency       time.Duration `json:"latency,omitempty"`
	Terminal      bool          `json:"terminal"`
}

// Result reports what happened to one attempt.
type Result struct {
	EnvelopeID  string
	EndpointID  string
	Attempt     int
	Outcome     Outcome
	Reason      string
	HTTPStatus  int
	Latency     time.Duration
	Terminal    bool      // no further attempts will be made
	NextAttempt time.Time // zero unless a retry was scheduled
	Err         error     // transport or bookkeeping error, for logs
}

func (r Result) attemptRecord(eventType string, scheduledAt time.Time) Attempt {
	return Attempt{
		EnvelopeID:    r.EnvelopeID,
		EndpointID:    r.EndpointID,
		EventType:     eventType,
		AttemptNumber: r.Attempt,
		ScheduledAt:   scheduledAt,
		Outcome:       r.Outcome,
		Reason:        r.Reason,
		HTTPStatus:    r.HTTPStatus,
		Latency:       r.Latency,
		Terminal:      r.Terminal,
	}
}

package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// ErrInvalidRequest means no request could be built for the endpoint, so
// nothing was sent.
var ErrInvalidRequest = errors.New("delivery: invalid request")

// Headers names the outbound request headers.
type Headers struct {
	Signature string
	Event     string
	Delivery  string
	Attempt   string
}

func DefaultHeaders() Headers {
	return Headers{
		Signature: "X-HarborRelay-Signature",
		Event:     "X-HarborRelay-Event",
		Delivery:  "X-HarborRelay-Delivery",
		Attempt:   "X-HarborRelay-Attempt",
	}
}

// Request is one signed webhook POST.
type Request struct {
	URL        string
	Body       []byte
	Signature  string
	EventType  string
	EnvelopeID string
	Attempt    int
}

// Response is what came back from the receiver.
type Response struct {
	Status  int
	Header  http.Header
	Latency time.Duration
}

// Sender transmits webhook requests with a per-attempt timeout.
type Sender struct {
	client  *http.Client
	headers Headers
	timeout time.Duration
}

// NewSender builds a Sender. A nil client gets one that does not follow
// redirects, since the signature is bound to the configured URL.
func NewSender(client *http.Client, headers Headers, timeout time.Duration) *Sender {
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Sender{client: client, headers: headers, timeout: timeout}
}

// Send POSTs the request. A non-nil error means no HTTP status was
// received (network failure or timeout).
func (s *Sender) Send(ctx context.Context, r Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "delivery.send",
		attribute.String("envelope_id", r.EnvelopeID),
		attribute.String("event_type", r.EventType),
		attribute.Int("attempt", r.Attempt),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		tracing.SetSpanError(ctx, err)
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "harborrelay/1")
	req.Header.Set(s.headers.Signature, r.Signature)
	req.Header.Set(s.headers.Event, r.EventType)
	req.Header.Set(s.headers.Delivery, r.EnvelopeID)
	req.Header.Set(s.headers.Attempt, strconv.Itoa(r.Attempt))
	tracing.InjectHTTP(ctx, req.Header)

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Response{Latency: latency}, err
	}
	// Drain a bounded amount so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)
	return Response{Status: resp.StatusCode, Header: resp.Header, Latency: latency}, nil
}

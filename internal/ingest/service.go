// Package ingest is the operator-facing HTTP API: it accepts events for
// delivery and exposes endpoint administration (secret rotation, enable
// and disable, circuit state, attempt history).
package ingest

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/circuit"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/endpoint"
	"github.com/austindbirch/harbor_relay/internal/envelope"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/signing"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// maxBodyBytes bounds request bodies, payload included.
const maxBodyBytes = 1 << 20

// Publisher is satisfied by *delivery.Engine.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any, targets ...string) (envelope.Envelope, error)
}

// CircuitAdmin is satisfied by *circuit.Breaker.
type CircuitAdmin interface {
	State(ctx context.Context, endpointID string) (circuit.State, error)
	Reset(ctx context.Context, endpointID string) error
}

// History is satisfied by every delivery.Ledger.
type History interface {
	History(ctx context.Context, envelopeID, endpointID string) ([]delivery.Attempt, error)
}

type Server struct {
	engine    Publisher
	endpoints endpoint.Store
	breaker   CircuitAdmin
	ledger    History
	grace     time.Duration
	log       *logging.Logger
	now       func() time.Time
}

// NewServer wires the API. ledger may be nil, which disables the attempts
// route.
func NewServer(engine Publisher, endpoints endpoint.Store, breaker CircuitAdmin, ledger History, grace time.Duration, log *logging.Logger) *Server {
	if log == nil {
		log = logging.New("harborrelay-ingest")
	}
	return &Server{
		engine:    engine,
		endpoints: endpoints,
		breaker:   breaker,
		ledger:    ledger,
		grace:     grace,
		log:       log,
		now:       time.Now,
	}
}

// Routes registers the API on mux. Every route except ping requires the
// matching operator scope when auth is enabled.
func (s *Server) Routes(mux *http.ServeMux) {
	publish := func(h http.HandlerFunc) http.Handler { return auth.RequireScope(auth.ScopePublish, h) }
	admin := func(h http.HandlerFunc) http.Handler { return auth.RequireScope(auth.ScopeEndpoints, h) }

	mux.HandleFunc("GET /v1/ping", s.ping)
	mux.Handle("POST /v1/events", publish(s.publishEvent))
	mux.Handle("PUT /v1/endpoints/{id}", admin(s.putEndpoint))
	mux.Handle("GET /v1/endpoints/{id}", admin(s.getEndpoint))
	mux.Handle("POST /v1/endpoints/{id}/enable", admin(s.setEnabled(true)))
	mux.Handle("POST /v1/endpoints/{id}/disable", admin(s.setEnabled(false)))
	mux.Handle("POST /v1/endpoints/{id}/rotate-secret", admin(s.rotateSecret))
	mux.Handle("GET /v1/endpoints/{id}/circuit", admin(s.getCircuit))
	mux.Handle("POST /v1/endpoints/{id}/circuit/reset", admin(s.resetCircuit))
	mux.Handle("GET /v1/envelopes/{envelope}/endpoints/{id}/attempts", admin(s.getAttempts))
}

func (s *Server) ping(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}

type PublishRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Targets   []string        `json:"targets,omitempty"`
}

type PublishResponse struct {
	EnvelopeID string    `json:"envelope_id"`
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`

	// FailedTargets lists endpoints the envelope could not be queued for.
	FailedTargets []string `json:"failed_targets,omitempty"`
}

func (s *Server) publishEvent(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if !decode(w, r, &req) {
		return
	}
	ctx, span := tracing.StartSpan(r.Context(), "ingest.publish_event",
		attribute.String("event_type", req.EventType),
		attribute.Int("targets", len(req.Targets)),
	)
	defer span.End()

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	env, err := s.engine.Publish(ctx, req.EventType, payload, req.Targets...)
	var partial *delivery.PartialError
	if err != nil && !errors.As(err, &partial) {
		tracing.SetSpanError(ctx, err)
		s.writeError(ctx, w, err)
		return
	}
	resp := PublishResponse{
		EnvelopeID: env.ID(),
		EventType:  env.EventType(),
		OccurredAt: env.OccurredAt(),
	}
	if partial != nil {
		resp.FailedTargets = partial.Failed
	}
	writeJSON(w, http.StatusAccepted, resp)
}

type EndpointRequest struct {
	URL        string   `json:"url"`
	EventTypes []string `json:"event_types"`
	Enabled    *bool    `json:"enabled,omitempty"`
	// Secret is only honored when the endpoint is created. Empty generates one.
	Secret string `json:"secret,omitempty"`
}

// EndpointResponse never carries the previous secret. Secret is set only
// on creation and rotation.
type EndpointResponse struct {
	endpoint.Endpoint
	Secret          string `json:"secret,omitempty"`
	PreviousInGrace bool   `json:"previous_secret_in_grace"`
}

func (s *Server) endpointResponse(ep endpoint.Endpoint, secret string) EndpointResponse {
	return EndpointResponse{Endpoint: ep, Secret: secret, PreviousInGrace: ep.InGrace(s.now(), s.grace)}
}

// putEndpoint creates or updates an endpoint. Updates keep the secrets;
// rotation has its own route.
func (s *Server) putEndpoint(w http.ResponseWriter, r *http.Request) {
	var req EndpointRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	id := r.PathValue("id")

	ep, err := s.endpoints.Get(ctx, id)
	created := errors.Is(err, endpoint.ErrNotFound)
	if err != nil && !created {
		s.writeError(ctx, w, err)
		return
	}

	var secret string
	if created {
		secret = req.Secret
		if secret == "" {
			if secret, err = signing.GenerateSecret(); err != nil {
				s.writeError(ctx, w, err)
				return
			}
		}
		ep = endpoint.Endpoint{ID: id, Secret: secret, Enabled: true}
	}
	ep.URL = req.URL
	ep.EventTypes = req.EventTypes
	if req.Enabled != nil {
		ep.Enabled = *req.Enabled
	}
	if err := validURL(ep.URL); err != nil {
		s.writeError(ctx, w, err)
		return
	}

	if err := s.endpoints.Upsert(ctx, ep); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.log.WithContext(ctx).WithEndpoint(id).WithFields(map[string]any{
		"created":     created,
		"event_types": ep.EventTypes,
		"enabled":     ep.Enabled,
	}).Info("endpoint saved")

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, s.endpointResponse(ep, secret))
}

func (s *Server) getEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, err := s.endpoints.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.endpointResponse(ep, ""))
}

func (s *Server) setEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := r.PathValue("id")
		if err := s.endpoints.SetEnabled(ctx, id, enabled); err != nil {
			s.writeError(ctx, w, err)
			return
		}
		s.log.WithContext(ctx).WithEndpoint(id).WithField("enabled", enabled).Info("endpoint toggled")
		ep, err := s.endpoints.Get(ctx, id)
		if err != nil {
			s.writeError(ctx, w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.endpointResponse(ep, ""))
	}
}

func (s *Server) rotateSecret(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	secret, err := s.endpoints.RotateSecret(ctx, id)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	metrics.RecordSecretRotation()
	s.log.WithContext(ctx).WithEndpoint(id).WithField("grace", s.grace.String()).Info("secret rotated")

	ep, err := s.endpoints.Get(ctx, id)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.endpointResponse(ep, secret))
}

func (s *Server) getCircuit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	if _, err := s.endpoints.Get(ctx, id); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	st, err := s.breaker.State(ctx, id)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) resetCircuit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	if _, err := s.endpoints.Get(ctx, id); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	if err := s.breaker.Reset(ctx, id); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.log.WithContext(ctx).WithEndpoint(id).Warn("circuit reset by operator")
	st, err := s.breaker.State(ctx, id)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type AttemptsResponse struct {
	Attempts []delivery.Attempt `json:"attempts"`
}

func (s *Server) getAttempts(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		http.Error(w, "attempt history not available", http.StatusNotImplemented)
		return
	}
	attempts, err := s.ledger.History(r.Context(), r.PathValue("envelope"), r.PathValue("id"))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	if attempts == nil {
		attempts = []delivery.Attempt{}
	}
	writeJSON(w, http.StatusOK, AttemptsResponse{Attempts: attempts})
}

package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/logging"
)

const (
	serviceName = "harborrelay-jwks-server"
	defaultTTL  = time.Hour
	maxTTL      = 24 * time.Hour
)

var knownScopes = []string{auth.ScopePublish, auth.ScopeEndpoints}

// tokenServer issues operator tokens for local development and serves the
// matching JWKS for the ingest API to verify them.
type tokenServer struct {
	key      *rsa.PrivateKey
	kid      string
	issuer   string
	audience string
	log      *logging.Logger
	now      func() time.Time
}

type tokenRequest struct {
	Subject    string   `json:"subject"`
	Scopes     []string `json:"scopes,omitempty"`
	TTLSeconds int      `json:"ttl_seconds,omitempty"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	TokenType string `json:"token_type"`
	Scope     string `json:"scope"`
}

// loadKey parses JWT_PRIVATE_KEY (PKCS1 or PKCS8) or generates a key when
// it is empty.
func loadKey(privateKeyPEM string) (*rsa.PrivateKey, bool, error) {
	if privateKeyPEM == "" {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		return key, true, err
	}
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, false, errors.New("failed to decode PEM private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, false, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, false, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, false, errors.New("private key is not RSA")
	}
	return key, false, nil
}

func (s *tokenServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/jwks.json", s.jwks)
	mux.HandleFunc("POST /token", s.createToken)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

func (s *tokenServer) jwks(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, auth.JSONWebKeySet{Keys: []auth.JSONWebKey{auth.PublicJWK(&s.key.PublicKey, s.kid)}})
}

func (s *tokenServer) createToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Subject == "" {
		http.Error(w, "subject is required", http.StatusBadRequest)
		return
	}
	if len(req.Scopes) == 0 {
		req.Scopes = knownScopes
	}
	for _, sc := range req.Scopes {
		if !slices.Contains(knownScopes, sc) {
			http.Error(w, "unknown scope "+sc, http.StatusBadRequest)
			return
		}
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	switch {
	case req.TTLSeconds < 0:
		http.Error(w, "ttl_seconds must be positive", http.StatusBadRequest)
		return
	case ttl == 0:
		ttl = defaultTTL
	case ttl > maxTTL:
		ttl = maxTTL
	}

	token, err := auth.IssueToken(s.key, s.kid, s.issuer, s.audience, req.Subject, req.Scopes, ttl, s.now())
	if err != nil {
		s.log.Plain().WithError(err).Error("sign token failed")
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}
	s.log.Plain().WithFields(map[string]any{"subject": req.Subject, "scopes": req.Scopes}).Info("issued token")
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresIn: int(ttl / time.Second),
		TokenType: "Bearer",
		Scope:     strings.Join(req.Scopes, " "),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New(serviceName)
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))

	key, generated, err := loadKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("load signing key failed")
	}
	if generated {
		logger.Plain().Warn("JWT_PRIVATE_KEY not set, generated an ephemeral key")
	}

	kid := cfg.Admin.JWTKeyID
	if kid == "" {
		kid = "harborrelay-key-1"
	}
	s := &tokenServer{
		key:      key,
		kid:      kid,
		issuer:   cfg.Admin.JWTIssuer,
		audience: cfg.Admin.JWTAudience,
		log:      logger,
		now:      time.Now,
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}
	srv := &http.Server{Addr: ":" + port, Handler: s.routes(), ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	go func() {
		logger.Plain().WithFields(map[string]any{"port": port, "kid": kid}).Info("JWKS server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("JWKS server failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

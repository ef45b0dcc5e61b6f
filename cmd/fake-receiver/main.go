package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/signing"
)

const serviceName = "harborrelay-fake-receiver"

// receiver is a webhook endpoint for local testing. It verifies
// signatures against the current and previous secret, fails the first N
// requests on demand and acknowledges each delivery id once.
type receiver struct {
	cfg     config.FakeReceiver
	headers config.Signing
	log     *logging.Logger

	mu         sync.Mutex
	requests   int
	failed     int
	duplicates int
	seen       map[string]bool
}

type stats struct {
	Requests   int `json:"requests"`
	Failed     int `json:"failed"`
	Delivered  int `json:"delivered"`
	Duplicates int `json:"duplicates"`
}

func newReceiver(cfg config.FakeReceiver, headers config.Signing, log *logging.Logger) *receiver {
	if cfg.StatusOnFailure == 0 {
		cfg.StatusOnFailure = http.StatusInternalServerError
	}
	return &receiver{cfg: cfg, headers: headers, log: log, seen: make(map[string]bool)}
}

func (rc *receiver) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("POST /hook", rc.handleHook)
	mux.HandleFunc("GET /stats", rc.handleStats)
	return mux
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	deliveryID := r.Header.Get(rc.headers.DeliveryHeader)

	if rc.cfg.Secret != "" {
		candidates := []string{rc.cfg.Secret}
		if rc.cfg.PreviousSecret != "" {
			candidates = append(candidates, rc.cfg.PreviousSecret)
		}
		if !signing.Verify(b, r.Header.Get(rc.headers.SignatureHeader), candidates...) {
			rc.entry(r).Warn("signature verification failed")
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	if rc.cfg.ResponseDelay > 0 {
		select {
		case <-time.After(rc.cfg.ResponseDelay):
		case <-r.Context().Done():
			return
		}
	}

	rc.mu.Lock()
	rc.requests++
	n := rc.requests
	fail := n <= rc.cfg.FailFirstN
	dup := false
	switch {
	case fail:
		rc.failed++
	case deliveryID != "" && rc.seen[deliveryID]:
		rc.duplicates++
		dup = true
	case deliveryID != "":
		rc.seen[deliveryID] = true
	}
	rc.mu.Unlock()

	if fail {
		if rc.cfg.RetryAfter != "" {
			w.Header().Set("Retry-After", rc.cfg.RetryAfter)
		}
		rc.entry(r).WithFields(map[string]any{
			"request": fmt.Sprintf("%d/%d", n, rc.cfg.FailFirstN),
			"status":  rc.cfg.StatusOnFailure,
		}).Info("failing request")
		http.Error(w, "temporary failure", rc.cfg.StatusOnFailure)
		return
	}

	if dup {
		rc.entry(r).Info("duplicate delivery acknowledged")
	} else {
		rc.entry(r).WithField("body", truncate(string(b), 160)).
			Info("delivery accepted")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// entry tags a log line with the delivery headers of r.
func (rc *receiver) entry(r *http.Request) *logging.LogEntry {
	return rc.log.WithContext(r.Context()).
		WithEnvelope(r.Header.Get(rc.headers.DeliveryHeader), r.Header.Get(rc.headers.EventHeader)).
		WithField("attempt", r.Header.Get(rc.headers.AttemptHeader))
}

func (rc *receiver) handleStats(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	s := stats{Requests: rc.requests, Failed: rc.failed, Delivered: len(rc.seen), Duplicates: rc.duplicates}
	rc.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s)
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New(serviceName)
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))

	rc := newReceiver(cfg.FakeReceiver, cfg.Signing, logger)
	srv := &http.Server{Addr: cfg.FakeReceiver.Port, Handler: rc.routes(), ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":         srv.Addr,
			"fail_first_n": cfg.FakeReceiver.FailFirstN,
			"verify":       cfg.FakeReceiver.Secret != "",
		}).Info("fake-receiver listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("fake-receiver failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

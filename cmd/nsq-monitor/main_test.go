package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/queue"
)

func TestLoadSettings(t *testing.T) {
	cfg := config.FromEnv()
	cfg.NSQ.NsqdHTTPAddr = "nsqd.internal:4151"

	testCases := []struct {
		name         string
		env          map[string]string
		wantAddr     string
		wantPort     string
		wantInterval time.Duration
		wantTopics   []string
	}{
		{
			name:         "defaults follow relay config",
			wantAddr:     "nsqd.internal:4151",
			wantPort:     "8084",
			wantInterval: 15 * time.Second,
			wantTopics:   []string{cfg.NSQ.DeliveriesTopic, cfg.NSQ.DeadLetterTopic},
		},
		{
			name: "overrides",
			env: map[string]string{
				"NSQD_HOST":             "localhost:4151",
				"PORT":                  "9100",
				"POLL_INTERVAL_SECONDS": "5",
				"MONITOR_TOPICS":        " a, b ,,c",
			},
			wantAddr:     "localhost:4151",
			wantPort:     "9100",
			wantInterval: 5 * time.Second,
			wantTopics:   []string{"a", "b", "c"},
		},
		{
			name:         "bad interval keeps default",
			env:          map[string]string{"POLL_INTERVAL_SECONDS": "soon"},
			wantAddr:     "nsqd.internal:4151",
			wantPort:     "8084",
			wantInterval: 15 * time.Second,
			wantTopics:   []string{cfg.NSQ.DeliveriesTopic, cfg.NSQ.DeadLetterTopic},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			s := loadSettings(cfg)
			if s.nsqdHTTPAddr != tc.wantAddr {
				t.Errorf("nsqdHTTPAddr = %q, want %q", s.nsqdHTTPAddr, tc.wantAddr)
			}
			if s.port != tc.wantPort {
				t.Errorf("port = %q, want %q", s.port, tc.wantPort)
			}
			if s.interval != tc.wantInterval {
				t.Errorf("interval = %v, want %v", s.interval, tc.wantInterval)
			}
			if strings.Join(s.topics, ",") != strings.Join(tc.wantTopics, ",") {
				t.Errorf("topics = %v, want %v", s.topics, tc.wantTopics)
			}
		})
	}
}

func TestNewMux(t *testing.T) {
	metrics.QueueDepth.Reset()

	var down atomic.Bool
	nsqd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if down.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, `{"topics":[{"topic_name":"relay_deliveries","depth":3,"channels":[
			{"channel_name":"workers","depth":2,"in_flight_count":1,"deferred_count":5}]}]}`)
	}))
	defer nsqd.Close()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	monitor := queue.NewStatsMonitor(nsqd.URL, logging.NewWithWriter("monitor-test", logging.LevelError, io.Discard), "relay_deliveries")
	mux := newMux(reg, monitor)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/health = %d, want 200", rec.Code)
	}
	if got := testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("relay_deliveries")); got != 10 {
		t.Errorf("queue depth = %v, want 10", got)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `harborrelay_queue_depth{queue="relay_deliveries"} 10`) {
		t.Errorf("/metrics missing queue depth:\n%s", rec.Body.String())
	}

	down.Store(true)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/health with nsqd failing = %d, want 503", rec.Code)
	}
}

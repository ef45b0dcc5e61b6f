package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/health"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/queue"
)

func TestConsumerConfig(t *testing.T) {
	tests := []struct {
		name          string
		maxInFlight   int
		concurrency   int
		timeout       time.Duration
		wantInFlight  int
		wantMsgTimout time.Duration
	}{
		{name: "in-flight from config", maxInFlight: 200, concurrency: 32, timeout: 15 * time.Second, wantInFlight: 200, wantMsgTimout: time.Minute},
		{name: "in-flight raised to concurrency", maxInFlight: 10, concurrency: 64, timeout: 15 * time.Second, wantInFlight: 64, wantMsgTimout: time.Minute},
		{name: "long attempt timeout", maxInFlight: 10, concurrency: 1, timeout: 45 * time.Second, wantInFlight: 10, wantMsgTimout: 90 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg config.Config
			cfg.NSQ.MaxInFlight = tt.maxInFlight
			cfg.Worker.Concurrency = tt.concurrency
			cfg.Worker.AttemptTimeout = tt.timeout

			conf := consumerConfig(cfg)
			if conf.MaxInFlight != tt.wantInFlight {
				t.Errorf("MaxInFlight = %d, want %d", conf.MaxInFlight, tt.wantInFlight)
			}
			if conf.MsgTimeout != tt.wantMsgTimout {
				t.Errorf("MsgTimeout = %v, want %v", conf.MsgTimeout, tt.wantMsgTimout)
			}
			if conf.MaxAttempts != 0 {
				t.Errorf("MaxAttempts = %d, want 0 (unlimited)", conf.MaxAttempts)
			}
			if conf.MaxRequeueDelay != queue.MaxDefer {
				t.Errorf("MaxRequeueDelay = %v, want %v", conf.MaxRequeueDelay, queue.MaxDefer)
			}
			if err := conf.Validate(); err != nil {
				t.Errorf("Validate() error = %v", err)
			}
		})
	}
}

func TestNewMux(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	metrics.RecordDelivery("success", 10*time.Millisecond)

	down := health.NewChecker(time.Second).
		Add("database", health.PingFunc(func(context.Context) error { return errors.New("refused") }))
	srv := httptest.NewServer(newMux(reg, down))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/healthz status = %d, want 503", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	buf := new(strings.Builder)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(buf.String(), "harborrelay_deliveries_total") {
		t.Error("/metrics does not expose harborrelay_deliveries_total")
	}
}

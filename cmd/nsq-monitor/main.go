package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/health"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/queue"
)

const serviceName = "harborrelay-nsq-monitor"

type settings struct {
	nsqdHTTPAddr string
	port         string
	interval     time.Duration
	topics       []string
}

// loadSettings watches the relay's delivery and dead-letter topics unless
// MONITOR_TOPICS lists others.
func loadSettings(cfg config.Config) settings {
	topics := []string{cfg.NSQ.DeliveriesTopic, cfg.NSQ.DeadLetterTopic}
	if v := getEnv("MONITOR_TOPICS", ""); v != "" {
		topics = topics[:0]
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}
	return settings{
		nsqdHTTPAddr: getEnv("NSQD_HOST", cfg.NSQ.NsqdHTTPAddr),
		port:         getEnv("PORT", "8084"),
		interval:     time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 15)) * time.Second,
		topics:       topics,
	}
}

// newMux reports healthy while nsqd stats can be read.
func newMux(reg *prometheus.Registry, monitor *queue.StatsMonitor) *http.ServeMux {
	checker := health.NewChecker(5*time.Second).Add("nsqd", health.PingFunc(monitor.Poll))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", health.HTTPHandler(checker))
	return mux
}

func main() {
	cfg := config.FromEnv()
	s := loadSettings(cfg)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logger := logging.New(serviceName)
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	monitor := queue.NewStatsMonitor(s.nsqdHTTPAddr, logger, s.topics...)
	go monitor.Run(ctx, s.interval)

	srv := &http.Server{Addr: ":" + s.port, Handler: newMux(reg, monitor), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Plain().WithFields(map[string]any{
			"port":     s.port,
			"nsqd":     s.nsqdHTTPAddr,
			"interval": s.interval.String(),
			"topics":   s.topics,
		}).Info("NSQ monitor starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("NSQ monitor HTTP server failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/endpoint"
	"github.com/austindbirch/harbor_relay/internal/envelope"
	"github.com/austindbirch/harbor_relay/internal/health"
	"github.com/austindbirch/harbor_relay/internal/ingest"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/queue"
	"github.com/austindbirch/harbor_relay/internal/relay"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const serviceName = "harborrelay-ingest"

// newHandler mounts health, metrics and the admin API. A nil validator
// leaves the API unauthenticated.
func newHandler(reg *prometheus.Registry, checker *health.Checker, api *ingest.Server, v *auth.JWTValidator) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(checker))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	api.Routes(mux)
	if v == nil {
		return mux
	}
	return v.HTTPMiddleware(mux)
}

func main() {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logger := logging.New(serviceName)
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))
	logging.SetDefaultService(serviceName)

	shutdown, err := tracing.InitTracing(ctx, serviceName, cfg.TraceSample)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	pool, err := relay.OpenDatabase(ctx, cfg.DB, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("database unavailable")
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	breaker, redisClient, err := relay.NewBreaker(cfg, logging.New("harborrelay-circuit"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("circuit breaker setup failed")
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	validator, err := relay.NewValidator(ctx, cfg.Admin)
	if err != nil {
		logger.Plain().WithError(err).Fatal("admin auth setup failed")
	}
	if validator == nil {
		logger.Plain().Warn("no admin JWT key configured, API is unauthenticated")
	}

	registry := endpoint.NewPostgresRegistry(pool, endpoint.Options{Grace: cfg.Signing.GracePeriod})
	ledger := delivery.NewPostgresLedger(pool)
	checker := health.NewChecker(time.Second).Add("database", pool)
	if redisClient != nil {
		checker.Add("redis", health.RedisPinger(redisClient.Ping))
	}

	// Standalone mode runs the dispatcher in this process on a memory queue;
	// otherwise tasks go to nsqd for the worker fleet.
	var (
		q       delivery.Enqueuer
		drained = make(chan struct{})
	)
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	if cfg.Standalone {
		mem := queue.NewMemory()
		disp, err := relay.NewDispatcher(cfg, relay.Components{
			Registry: registry,
			Breaker:  breaker,
			Queue:    mem,
			Ledger:   ledger,
			Observer: relay.DeadLetterObserver(cfg.NSQ, nil, logger),
		}, logger)
		if err != nil {
			logger.Plain().WithError(err).Fatal("dispatcher setup failed")
		}
		go func() {
			defer close(drained)
			// In-flight attempts finish on shutdown; only pulling stops.
			mem.Run(runCtx, max(cfg.Worker.Concurrency, 1), func(ctx context.Context, t delivery.Task) {
				disp.Attempt(context.WithoutCancel(ctx), t)
			})
		}()
		defer mem.Close()
		q = mem
		go relay.PruneAttempts(ctx, ledger, cfg.Worker.AttemptRetention, cfg.Worker.PruneInterval, logger)
		logger.Plain().Warn("standalone mode: pending retries are lost on exit")
	} else {
		close(drained)
		producer, err := relay.NewProducer(cfg.NSQ, logger)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer creation failed")
		}
		defer producer.Stop()
		checker.Add("nsqd", health.PingFunc(func(context.Context) error { return producer.Ping() }))
		q = queue.NewNSQ(producer, cfg.NSQ.DeliveriesTopic)
	}

	engine := delivery.NewEngine(envelope.NewBuilder(), registry, q, logger)
	api := ingest.NewServer(engine, registry, breaker, ledger, cfg.Signing.GracePeriod, logger)

	go relay.ExpireSecrets(ctx, registry, cfg.Signing.ExpireInterval, logger)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           newHandler(reg, checker, api, validator),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":       httpSrv.Addr,
			"standalone": cfg.Standalone,
		}).Info("ingest HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("ingest HTTP server failed")
		}
	}()

	<-ctx.Done()

	logger.Plain().Info("Shutting down ingest service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	stopRun()
	<-drained
	logger.Plain().Info("ingest service stopped")
}

package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/endpoint"
	"github.com/austindbirch/harbor_relay/internal/health"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/queue"
	"github.com/austindbirch/harbor_relay/internal/relay"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const serviceName = "harborrelay-worker"

// consumerConfig sizes the NSQ consumer. Redelivery is driven by deferred
// publishes, so nsqd's own attempt counter is not a limit.
func consumerConfig(cfg config.Config) *nsq.Config {
	conf := nsq.NewConfig()
	conf.MaxInFlight = max(cfg.NSQ.MaxInFlight, cfg.Worker.Concurrency)
	conf.MaxAttempts = 0
	conf.MaxRequeueDelay = queue.MaxDefer
	conf.MsgTimeout = max(cfg.Worker.AttemptTimeout*2, time.Minute)
	return conf
}

// newMux serves health and metrics for the worker.
func newMux(reg *prometheus.Registry, checker *health.Checker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(checker))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

func main() {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize structured logging
	logger := logging.New(serviceName)
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))
	logging.SetDefaultService(serviceName)

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, serviceName, cfg.TraceSample)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	// DB connect and migrate
	pool, err := relay.OpenDatabase(ctx, cfg.DB, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("database unavailable")
	}
	defer pool.Close()

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	breaker, redisClient, err := relay.NewBreaker(cfg, logging.New("harborrelay-circuit"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("circuit breaker setup failed")
	}

	// Producer for retries and dead letters
	producer, err := relay.NewProducer(cfg.NSQ, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer producer.Stop()

	// HTTP health/metrics
	checker := health.NewChecker(time.Second).
		Add("database", pool).
		Add("nsqd", health.PingFunc(func(context.Context) error { return producer.Ping() }))
	if redisClient != nil {
		defer redisClient.Close()
		checker.Add("redis", health.RedisPinger(redisClient.Ping))
	}
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: newMux(reg, checker)}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	registry := endpoint.NewPostgresRegistry(pool, endpoint.Options{Grace: cfg.Signing.GracePeriod})
	ledger := delivery.NewPostgresLedger(pool)
	disp, err := relay.NewDispatcher(cfg, relay.Components{
		Registry: registry,
		Breaker:  breaker,
		Queue:    queue.NewNSQ(producer, cfg.NSQ.DeliveriesTopic),
		Ledger:   ledger,
		Observer: relay.DeadLetterObserver(cfg.NSQ, producer, logger),
	}, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("dispatcher setup failed")
	}

	// NSQ consumer
	consumer, err := nsq.NewConsumer(cfg.NSQ.DeliveriesTopic, cfg.NSQ.WorkerChannel, consumerConfig(cfg))
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.SetLoggerLevel(nsq.LogLevelWarning)
	consumer.AddConcurrentHandlers(queue.NewHandler(context.WithoutCancel(ctx), disp, logger), max(cfg.Worker.Concurrency, 1))

	// Backlog gauges from nsqd /stats
	monitor := queue.NewStatsMonitor(cfg.NSQ.NsqdHTTPAddr, logging.New("harborrelay-worker-monitor"),
		cfg.NSQ.DeliveriesTopic, cfg.NSQ.DeadLetterTopic)
	go monitor.Run(ctx, cfg.NSQ.StatsInterval)
	go relay.PruneAttempts(ctx, ledger, cfg.Worker.AttemptRetention, cfg.Worker.PruneInterval, logger)

	// Connecting directly to NSQD forces channel creation, instead of the channel being lazily created on first publish
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if cfg.NSQ.LookupHTTPAddr != "" {
		if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
			logger.Plain().WithError(err).Fatal("connect to lookupd failed")
		}
	}

	logger.Plain().WithFields(map[string]any{
		"topic":        cfg.NSQ.DeliveriesTopic,
		"channel":      cfg.NSQ.WorkerChannel,
		"concurrency":  cfg.Worker.Concurrency,
		"max_attempts": cfg.Worker.MaxAttempts,
	}).Info("worker service started")

	// Graceful stop
	<-ctx.Done()

	logger.Plain().Info("Shutting down worker service")
	consumer.Stop()
	<-consumer.StopChan
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("worker service stopped")
}

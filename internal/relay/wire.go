// Package relay assembles the delivery engine from configuration. The
// ingest and worker binaries share it so both build identical dispatchers.
package relay

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nsqio/go-nsq"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/circuit"
	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/db"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/endpoint"
	"github.com/austindbirch/harbor_relay/internal/logging"
)

// Headers maps the configured header names onto the sender's.
func Headers(s config.Signing) delivery.Headers {
	h := delivery.DefaultHeaders()
	if s.SignatureHeader != "" {
		h.Signature = s.SignatureHeader
	}
	if s.EventHeader != "" {
		h.Event = s.EventHeader
	}
	if s.DeliveryHeader != "" {
		h.Delivery = s.DeliveryHeader
	}
	if s.AttemptHeader != "" {
		h.Attempt = s.AttemptHeader
	}
	return h
}

func RetryPolicy(w config.Worker) delivery.RetryPolicy {
	return delivery.RetryPolicy{
		MaxAttempts:   w.MaxAttempts,
		Base:          w.BackoffBase,
		Cap:           w.BackoffCap,
		JitterPercent: w.JitterPercent,
		RetryAfterCap: w.RetryAfterCap,
	}
}

func BreakerConfig(b config.Breaker) circuit.Config {
	return circuit.Config{Threshold: b.FailureThreshold, Window: b.Window, Cooldown: b.Cooldown}
}

// NewBreaker shares circuit state through Redis when an address is
// configured, otherwise keeps it in process. The returned client is nil in
// the latter case; callers close it on shutdown.
func NewBreaker(cfg config.Config, log *logging.Logger) (*circuit.Breaker, *redis.Client, error) {
	bcfg := BreakerConfig(cfg.Breaker)
	var (
		store  circuit.Store
		client *redis.Client
	)
	if cfg.Redis.Addr != "" {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store = circuit.NewRedisStore(client, cfg.Redis.Prefix, 0)
	} else {
		store = circuit.NewMemoryStore()
		log.Plain().Warn("REDIS_ADDR not set, circuit state is local to this process")
	}

	b, err := circuit.New(store, bcfg, circuit.WithLogger(log))
	if err != nil {
		if client != nil {
			_ = client.Close()
		}
		return nil, nil, err
	}
	b.OnStateChange(circuit.MetricsListener())
	return b, client, nil
}

// Components are the pieces a dispatcher is built from. Registry and
// Queue are required; the rest come from configuration.
type Components struct {
	Registry endpoint.Registry
	Breaker  *circuit.Breaker
	Queue    delivery.Enqueuer
	Ledger   delivery.Ledger
	Observer delivery.Observer
	Client   *http.Client
}

func NewDispatcher(cfg config.Config, c Components, log *logging.Logger) (*delivery.Dispatcher, error) {
	return delivery.NewDispatcher(delivery.Deps{
		Registry:    c.Registry,
		Breaker:     c.Breaker,
		Sender:      delivery.NewSender(c.Client, Headers(cfg.Signing), cfg.Worker.AttemptTimeout),
		Retry:       delivery.NewScheduler(RetryPolicy(cfg.Worker)),
		Queue:       c.Queue,
		Ledger:      c.Ledger,
		Observer:    c.Observer,
		Logger:      log,
		Parallelism: cfg.Worker.Concurrency,
	})
}

// DeadLetterObserver always logs; with a producer it also publishes to the
// dead-letter topic.
func DeadLetterObserver(cfg config.NSQ, producer delivery.Publisher, log *logging.Logger) delivery.Observer {
	obs := delivery.Observers{delivery.LogObserver{Log: log}}
	if cfg.PublishDeadLetter && producer != nil {
		obs = append(obs, delivery.NSQObserver{Producer: producer, Topic: cfg.DeadLetterTopic, Log: log})
	}
	return obs
}

// OpenDatabase migrates the schema and returns a pool.
func OpenDatabase(ctx context.Context, cfg config.DB, dsn string) (*pgxpool.Pool, error) {
	pool, err := db.Connect(ctx, dsn, cfg.MaxConns, cfg.ConnectRetries)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := db.Migrate(ctx, dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	return pool, nil
}

// NewProducer creates an NSQ producer and checks the connection.
func NewProducer(cfg config.NSQ, log *logging.Logger) (*nsq.Producer, error) {
	prod, err := nsq.NewProducer(cfg.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	prod.SetLoggerLevel(nsq.LogLevelWarning)
	if err := prod.Ping(); err != nil {
		log.Plain().WithError(err).WithField("addr", cfg.NsqdTCPAddr).Warn("nsqd not reachable yet")
	}
	return prod, nil
}

// NewValidator returns nil when admin auth is not configured.
func NewValidator(ctx context.Context, cfg config.Admin) (*auth.JWTValidator, error) {
	switch {
	case cfg.JWTPublicKey != "":
		return auth.NewJWTValidator(cfg.JWTPublicKey, cfg.JWTIssuer, cfg.JWTAudience)
	case cfg.JWKSURL != "":
		fctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		key, err := auth.FetchJWKS(fctx, nil, cfg.JWKSURL, cfg.JWTKeyID)
		if err != nil {
			return nil, err
		}
		return auth.NewJWTValidatorWithKey(key, cfg.JWTIssuer, cfg.JWTAudience), nil
	}
	return nil, nil
}

// ExpireSecrets clears previous secrets past their grace period every
// interval until ctx ends.
func ExpireSecrets(ctx context.Context, reg *endpoint.PostgresRegistry, interval time.Duration, log *logging.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := reg.ExpirePreviousSecrets(ctx)
		if err != nil {
			log.Plain().WithError(err).Warn("expire previous secrets failed")
			continue
		}
		if n > 0 {
			log.Plain().WithField("endpoints", n).Info("expired previous secrets")
		}
	}
}

// PruneAttempts drops deliveries that finished more than retention ago from
// the ledger every interval until ctx ends.
func PruneAttempts(ctx context.Context, p delivery.Pruner, retention, interval time.Duration, log *logging.Logger) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := p.PruneTerminal(ctx, time.Now().Add(-retention))
		if err != nil {
			log.Plain().WithError(err).Warn("prune delivery attempts failed")
			continue
		}
		if n > 0 {
			log.Plain().WithField("attempts", n).Info("pruned finished delivery attempts")
		}
	}
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type DB struct {
	User           string
	Pass           string
	Host           string
	Port           string
	Name           string
	MaxConns       int32
	ConnectRetries uint
}

type NSQ struct {
	NsqdTCPAddr       string // e.g. nsqd:4150
	NsqdHTTPAddr      string // e.g. nsqd:4151, polled for /stats
	LookupHTTPAddr    string // e.g. http://nsqlookupd:4161
	DeliveriesTopic   string // NSQ topic for delivery attempts
	DeadLetterTopic   string // terminal failures for the observability pipeline
	WorkerChannel     string
	MaxInFlight       int
	PublishDeadLetter bool
	StatsInterval     time.Duration
}

type Redis struct {
	Addr     string // empty keeps circuit state in process memory
	Password string
	DB       int
	Prefix   string
}

type Worker struct {
	Concurrency    int           // parallel delivery attempts per process
	MaxAttempts    int           // attempts before a delivery is terminal
	BackoffBase    time.Duration // delay after the first failed attempt
	BackoffCap     time.Duration // upper bound on the exponential delay
	JitterPercent  float64       // additive jitter as a fraction of the delay (0.0-1.0)
	RetryAfterCap  time.Duration // upper bound on a receiver's Retry-After hint
	AttemptTimeout time.Duration // per-attempt HTTP timeout
	HTTPPort       string        // worker health/metrics port

	AttemptRetention time.Duration // finished deliveries are dropped from the ledger after this long
	PruneInterval    time.Duration // how often the ledger is pruned
}

type Breaker struct {
	FailureThreshold int           // failures within Window that open the circuit
	Window           time.Duration // sliding failure window
	Cooldown         time.Duration // Open -> Half-Open delay
}

type Signing struct {
	SignatureHeader string
	EventHeader     string
	DeliveryHeader  string
	AttemptHeader   string
	GracePeriod     time.Duration // previous secret stays valid this long after rotation
	ExpireInterval  time.Duration // how often expired previous secrets are cleared
}

type Admin struct {
	JWTPublicKey string // PEM; empty with no JWKSURL disables auth
	JWKSURL      string // fetched at startup when JWTPublicKey is empty
	JWTKeyID     string
	JWTIssuer    string
	JWTAudience  string
}

type FakeReceiver struct {
	FailFirstN      int
	StatusOnFailure int // 500 or 429
	RetryAfter      string
	Secret          string
	PreviousSecret  string
	ResponseDelay   time.Duration
	Port            string
}

type Config struct {
	AppName      string
	HTTPPort     string // :8080
	LogLevel     string
	TraceSample  float64
	Standalone   bool // ingest runs the dispatcher in-process on a memory queue
	DB           DB
	NSQ          NSQ
	Redis        Redis
	Worker       Worker
	Breaker      Breaker
	Signing      Signing
	Admin        Admin
	FakeReceiver FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func FromEnv() Config {
	return Config{
		AppName:     getenv("APP_NAME", "harborrelay"),
		HTTPPort:    getenv("HTTP_PORT", ":8080"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		TraceSample: getenvFloat("TRACE_SAMPLE_RATIO", 1),
		Standalone:  getenvBool("RELAY_STANDALONE", false),
		DB: DB{
			User:           getenv("DB_USER", "postgres"),
			Pass:           getenv("DB_PASS", "postgres"),
			Host:           getenv("DB_HOST", "postgres"),
			Port:           getenv("DB_PORT", "5432"),
			Name:           getenv("DB_NAME", "harborrelay"),
			MaxConns:       int32(getenvInt("DB_MAX_CONNS", 10)),
			ConnectRetries: uint(getenvInt("DB_CONNECT_RETRIES", 5)),
		},
		NSQ: NSQ{
			NsqdTCPAddr:       getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:      getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr:    getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			DeliveriesTopic:   getenv("NSQ_DELIVERIES_TOPIC", "relay_deliveries"),
			DeadLetterTopic:   getenv("NSQ_DEAD_LETTER_TOPIC", "relay_dead_letters"),
			WorkerChannel:     getenv("NSQ_WORKER_CHANNEL", "workers"),
			MaxInFlight:       getenvInt("NSQ_MAX_IN_FLIGHT", 200),
			PublishDeadLetter: getenvBool("PUBLISH_DEAD_LETTER_TOPIC", true),
			StatsInterval:     getenvDuration("NSQ_STATS_INTERVAL", 15*time.Second),
		},
		Redis: Redis{
			Addr:     getenv("REDIS_ADDR", ""),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
			Prefix:   getenv("REDIS_CIRCUIT_PREFIX", "relay:circuit:"),
		},
		Worker: Worker{
			Concurrency:    getenvInt("WORKER_CONCURRENCY", 32),
			MaxAttempts:    getenvInt("MAX_ATTEMPTS", 8),
			BackoffBase:    getenvDuration("BACKOFF_BASE", time.Second),
			BackoffCap:     getenvDuration("BACKOFF_CAP", 10*time.Minute),
			JitterPercent:  getenvFloat("BACKOFF_JITTER_PCT", 0.25),
			RetryAfterCap:  getenvDuration("RETRY_AFTER_CAP", time.Hour),
			AttemptTimeout: getenvDuration("ATTEMPT_TIMEOUT", 15*time.Second),
			HTTPPort:       ":" + getenv("WORKER_HTTP_PORT", "8083"),

			AttemptRetention: getenvDuration("ATTEMPT_RETENTION", 7*24*time.Hour),
			PruneInterval:    getenvDuration("ATTEMPT_PRUNE_INTERVAL", time.Hour),
		},
		Breaker: Breaker{
			FailureThreshold: getenvInt("BREAKER_FAILURE_THRESHOLD", 5),
			Window:           getenvDuration("BREAKER_WINDOW", time.Minute),
			Cooldown:         getenvDuration("BREAKER_COOLDOWN", 30*time.Second),
		},
		Signing: Signing{
			SignatureHeader: getenv("WEBHOOK_SIGNATURE_HEADER", "X-HarborRelay-Signature"),
			EventHeader:     getenv("WEBHOOK_EVENT_HEADER", "X-HarborRelay-Event"),
			DeliveryHeader:  getenv("WEBHOOK_DELIVERY_HEADER", "X-HarborRelay-Delivery"),
			AttemptHeader:   getenv("WEBHOOK_ATTEMPT_HEADER", "X-HarborRelay-Attempt"),
			GracePeriod:     getenvDuration("SECRET_GRACE_PERIOD", 24*time.Hour),
			ExpireInterval:  getenvDuration("SECRET_EXPIRE_INTERVAL", time.Hour),
		},
		Admin: Admin{
			JWTPublicKey: getenv("ADMIN_JWT_PUBLIC_KEY", ""),
			JWKSURL:      getenv("ADMIN_JWKS_URL", ""),
			JWTKeyID:     getenv("ADMIN_JWT_KID", ""),
			JWTIssuer:    getenv("ADMIN_JWT_ISSUER", "harborrelay"),
			JWTAudience:  getenv("ADMIN_JWT_AUDIENCE", "harborrelay-admin"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			StatusOnFailure: getenvInt("FAIL_STATUS", 500),
			RetryAfter:      getenv("FAIL_RETRY_AFTER", ""),
			Secret:          getenv("ENDPOINT_SECRET", ""),
			PreviousSecret:  getenv("ENDPOINT_PREVIOUS_SECRET", ""),
			ResponseDelay:   getenvDuration("RESPONSE_DELAY", 0),
			Port:            getenv("FAKE_RECEIVER_PORT", ":8081"),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

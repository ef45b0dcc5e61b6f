package health

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/goccy/go-json"
)

// Pinger is satisfied by *pgxpool.Pool and, through RedisPinger, by a
// go-redis client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// RedisPinger wraps a client whose Ping returns a command result.
func RedisPinger[C interface{ Err() error }](ping func(ctx context.Context) C) Pinger {
	return PingFunc(func(ctx context.Context) error { return ping(ctx).Err() })
}

type Status struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Checks  map[string]bool `json:"checks,omitempty"`
}

// Checker runs named dependency checks. Nil pingers are skipped, so a
// service can register optional dependencies unconditionally.
type Checker struct {
	timeout time.Duration
	checks  map[string]Pinger
}

func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Checker{timeout: timeout, checks: map[string]Pinger{}}
}

// Add registers a dependency. It returns the checker for chaining.
func (c *Checker) Add(name string, p Pinger) *Checker {
	if p != nil {
		c.checks[name] = p
	}
	return c
}

// Check pings every dependency and reports which ones failed.
func (c *Checker) Check(ctx context.Context) Status {
	st := Status{OK: true, Message: "ok", Checks: make(map[string]bool, len(c.checks))}

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pctx, cancel := context.WithTimeout(ctx, c.timeout)
		err := c.checks[name].Ping(pctx)
		cancel()
		st.Checks[name] = err == nil
		if err != nil {
			if st.OK {
				st.Message = name + " ping failed"
			}
			st.OK = false
		}
	}
	return st
}

// HTTPHandler reports the checker's status, 503 when any check fails.
func HTTPHandler(c *Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := c.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

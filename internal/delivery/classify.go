package delivery

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Failure reasons used in results, ledger rows and metric labels.
const (
	ReasonOK                  = "ok"
	ReasonCircuitOpen         = "circuit-open"
	ReasonTimeout             = "timeout"
	ReasonConnectionRefused   = "connection_refused"
	ReasonDNS                 = "dns_error"
	ReasonNetwork             = "network"
	ReasonInvalidURL          = "invalid_url"
	ReasonHTTP5xx             = "http_5xx"
	ReasonHTTP429             = "http_429"
	ReasonHTTP4xx             = "http_4xx"
	ReasonUnexpectedStatus    = "unexpected_status"
	ReasonMaxAttempts         = "max-attempts-exceeded"
	ReasonEndpointDisabled    = "endpoint-disabled"
	ReasonEndpointNotFound    = "endpoint-not-found"
	ReasonEncode              = "encode_error"
	ReasonRetryNotQueued      = "retry_not_queued"
	ReasonRegistryUnavailable = "registry_unavailable"
)

// Classification is the dispatcher's reading of one transmission.
type Classification struct {
	Outcome    Outcome
	Reason     string
	RetryAfter time.Duration // receiver hint, 429 and 503 only
}

// Classify maps a transport error or HTTP status to an outcome.
// 2xx succeed; network errors, timeouts, 5xx and 429 are transient; any
// other status is permanent, as is a request that could not be built.
func Classify(status int, header http.Header, err error, now time.Time) Classification {
	if errors.Is(err, ErrInvalidRequest) {
		return Classification{Outcome: OutcomePermanent, Reason: ReasonInvalidURL}
	}
	if err != nil {
		return Classification{Outcome: OutcomeTransient, Reason: classifyError(err)}
	}
	switch {
	case status >= 200 && status < 300:
		return Classification{Outcome: OutcomeSuccess, Reason: ReasonOK}
	case status == http.StatusTooManyRequests:
		c := Classification{Outcome: OutcomeTransient, Reason: ReasonHTTP429}
		c.RetryAfter, _ = ParseRetryAfter(header.Get("Retry-After"), now)
		return c
	case status >= 500:
		c := Classification{Outcome: OutcomeTransient, Reason: ReasonHTTP5xx}
		if status == http.StatusServiceUnavailable {
			c.RetryAfter, _ = ParseRetryAfter(header.Get("Retry-After"), now)
		}
		return c
	case status >= 400:
		return Classification{Outcome: OutcomePermanent, Reason: ReasonHTTP4xx}
	default:
		// 1xx and 3xx: redirects are not followed for signed requests.
		return Classification{Outcome: OutcomePermanent, Reason: ReasonUnexpectedStatus}
	}
}

func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ReasonTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ReasonDNS
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "timeout"):
		return ReasonTimeout
	case strings.Contains(lower, "connection refused"):
		return ReasonConnectionRefused
	case strings.Contains(lower, "no such host"):
		return ReasonDNS
	}
	return ReasonNetwork
}

// ParseRetryAfter reads a Retry-After value given as delay-seconds or an
// HTTP date. Dates in the past yield zero.
func ParseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	at, err := http.ParseTime(v)
	if err != nil {
		return 0, false
	}
	if d := at.Sub(now); d > 0 {
		return d, true
	}
	return 0, true
}

package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_Backoff(t *testing.T) {
	s := NewScheduler(RetryPolicy{MaxAttempts: 20, Base: time.Second, Cap: time.Minute})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 6, want: 32 * time.Second},
		{attempt: 7, want: time.Minute},
		{attempt: 19, want: time.Minute},
		{attempt: 500, want: time.Minute},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, s.Backoff(tt.attempt))
		})
	}
}

func TestScheduler_BackoffNeverDecreases(t *testing.T) {
	s := NewScheduler(RetryPolicy{MaxAttempts: 100, Base: 750 * time.Millisecond, Cap: 10 * time.Minute})
	prev := time.Duration(0)
	for n := 1; n < 100; n++ {
		d := s.Backoff(n)
		require.GreaterOrEqual(t, d, prev, "attempt %d", n)
		require.LessOrEqual(t, d, 10*time.Minute)
		prev = d
	}
}

func TestScheduler_NextJitterBounds(t *testing.T) {
	s := NewScheduler(RetryPolicy{MaxAttempts: 10, Base: time.Second, Cap: time.Hour, JitterPercent: 0.25})
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for attempt := 1; attempt < 10; attempt++ {
		base := s.Backoff(attempt)
		for i := 0; i < 50; i++ {
			next, ok := s.Next(attempt, now, 0)
			require.True(t, ok)
			delay := next.Sub(now)
			assert.GreaterOrEqual(t, delay, base)
			assert.Less(t, delay, base+time.Duration(0.25*float64(base)))
		}
	}
}

func TestScheduler_NextStopsAtMaxAttempts(t *testing.T) {
	s := NewScheduler(RetryPolicy{MaxAttempts: 3, Base: time.Second, Cap: time.Minute})
	now := time.Now()

	_, ok := s.Next(2, now, 0)
	assert.True(t, ok)
	_, ok = s.Next(3, now, 0)
	assert.False(t, ok)
	_, ok = s.Next(4, now, time.Second)
	assert.False(t, ok, "a hint never extends the attempt cap")
}

func TestScheduler_NextHonorsHint(t *testing.T) {
	s := NewScheduler(RetryPolicy{MaxAttempts: 5, Base: time.Second, Cap: time.Minute, JitterPercent: 0.5, RetryAfterCap: 10 * time.Minute})
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	next, ok := s.Next(1, now, 90*time.Second)
	require.True(t, ok)
	assert.Equal(t, now.Add(90*time.Second), next)

	next, ok = s.Next(1, now, 5*time.Hour)
	require.True(t, ok)
	assert.Equal(t, now.Add(10*time.Minute), next, "hint is capped")
}

func TestScheduler_NextNotBefore(t *testing.T) {
	s := NewScheduler(RetryPolicy{MaxAttempts: 10, Base: time.Second, Cap: 10 * time.Minute, JitterPercent: 0.25})
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		attempt int
		floor   time.Duration
		atLeast time.Duration
	}{
		{name: "cooldown above backoff", attempt: 1, floor: 29 * time.Second, atLeast: 29 * time.Second},
		{name: "backoff above cooldown", attempt: 7, floor: time.Second, atLeast: 64 * time.Second},
		{name: "no floor", attempt: 3, floor: 0, atLeast: 4 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 50; i++ {
				next, ok := s.NextNotBefore(tt.attempt, now, tt.floor)
				require.True(t, ok)
				delay := next.Sub(now)
				assert.GreaterOrEqual(t, delay, tt.atLeast)
				assert.Less(t, delay, tt.atLeast+tt.atLeast/4)
			}
		})
	}

	_, ok := s.NextNotBefore(10, now, time.Second)
	assert.False(t, ok, "max attempts still applies")
}

func TestNewScheduler_Sanitizes(t *testing.T) {
	s := NewScheduler(RetryPolicy{MaxAttempts: 0, Base: 0, Cap: 0, JitterPercent: -1})
	p := s.Policy()
	assert.Equal(t, 1, p.MaxAttempts)
	assert.Equal(t, time.Second, p.Base)
	assert.Equal(t, time.Second, p.Cap)
	assert.Zero(t, p.JitterPercent)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o deadline reached" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	retryAfter := func(v string) http.Header {
		h := http.Header{}
		h.Set("Retry-After", v)
		return h
	}

	tests := []struct {
		name        string
		status      int
		header      http.Header
		err         error
		wantOutcome Outcome
		wantReason  string
		wantAfter   time.Duration
	}{
		{name: "200", status: 200, wantOutcome: OutcomeSuccess, wantReason: ReasonOK},
		{name: "204", status: 204, wantOutcome: OutcomeSuccess, wantReason: ReasonOK},
		{name: "301 not followed", status: 301, wantOutcome: OutcomePermanent, wantReason: ReasonUnexpectedStatus},
		{name: "400", status: 400, wantOutcome: OutcomePermanent, wantReason: ReasonHTTP4xx},
		{name: "401", status: 401, wantOutcome: OutcomePermanent, wantReason: ReasonHTTP4xx},
		{name: "429 seconds", status: 429, header: retryAfter("30"), wantOutcome: OutcomeTransient, wantReason: ReasonHTTP429, wantAfter: 30 * time.Second},
		{name: "429 date", status: 429, header: retryAfter(now.Add(2 * time.Minute).Format(http.TimeFormat)), wantOutcome: OutcomeTransient, wantReason: ReasonHTTP429, wantAfter: 2 * time.Minute},
		{name: "429 garbage", status: 429, header: retryAfter("soon"), wantOutcome: OutcomeTransient, wantReason: ReasonHTTP429},
		{name: "500", status: 500, wantOutcome: OutcomeTransient, wantReason: ReasonHTTP5xx},
		{name: "503 with hint", status: 503, header: retryAfter("5"), wantOutcome: OutcomeTransient, wantReason: ReasonHTTP5xx, wantAfter: 5 * time.Second},
		{name: "502 ignores hint", status: 502, header: retryAfter("5"), wantOutcome: OutcomeTransient, wantReason: ReasonHTTP5xx},
		{name: "deadline", err: fmt.Errorf("post: %w", context.DeadlineExceeded), wantOutcome: OutcomeTransient, wantReason: ReasonTimeout},
		{name: "net timeout", err: timeoutErr{}, wantOutcome: OutcomeTransient, wantReason: ReasonTimeout},
		{name: "dns", err: &net.DNSError{Err: "no such host", Name: "nope.invalid"}, wantOutcome: OutcomeTransient, wantReason: ReasonDNS},
		{name: "refused", err: errors.New("dial tcp 127.0.0.1:1: connect: connection refused"), wantOutcome: OutcomeTransient, wantReason: ReasonConnectionRefused},
		{name: "other network", err: errors.New("EOF"), wantOutcome: OutcomeTransient, wantReason: ReasonNetwork},
		{name: "request not built", err: fmt.Errorf("%w: parse url", ErrInvalidRequest), wantOutcome: OutcomePermanent, wantReason: ReasonInvalidURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := tt.header
			if header == nil {
				header = http.Header{}
			}
			c := Classify(tt.status, header, tt.err, now)
			assert.Equal(t, tt.wantOutcome, c.Outcome)
			assert.Equal(t, tt.wantReason, c.Reason)
			assert.Equal(t, tt.wantAfter, c.RetryAfter)
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	d, ok := ParseRetryAfter("", now)
	assert.False(t, ok)
	assert.Zero(t, d)

	_, ok = ParseRetryAfter("-3", now)
	assert.False(t, ok)

	d, ok = ParseRetryAfter(" 12 ", now)
	assert.True(t, ok)
	assert.Equal(t, 12*time.Second, d)

	d, ok = ParseRetryAfter(now.Add(-time.Hour).Format(http.TimeFormat), now)
	assert.True(t, ok)
	assert.Zero(t, d)
}

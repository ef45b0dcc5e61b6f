package delivery

import (
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy configures the Scheduler.
type RetryPolicy struct {
	MaxAttempts   int
	Base          time.Duration
	Cap           time.Duration
	JitterPercent float64       // jitter is drawn from [0, JitterPercent*delay)
	RetryAfterCap time.Duration // upper bound on receiver Retry-After hints
}

// DefaultRetryPolicy matches the worker's env defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   8,
		Base:          time.Second,
		Cap:           10 * time.Minute,
		JitterPercent: 0.25,
		RetryAfterCap: time.Hour,
	}
}

// Scheduler computes when a transiently failed attempt runs again.
type Scheduler struct {
	policy RetryPolicy

	mu  sync.Mutex
	rng *rand.Rand
}

func NewScheduler(p RetryPolicy) *Scheduler {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	if p.JitterPercent < 0 {
		p.JitterPercent = 0
	}
	return &Scheduler{policy: p, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (s *Scheduler) Policy() RetryPolicy { return s.policy }

// Backoff is the jitter-free delay after the given failed attempt:
// min(Base * 2^(attempt-1), Cap). It never decreases as attempt grows.
func (s *Scheduler) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := s.policy.Base
	for i := 1; i < attempt; i++ {
		if d >= s.policy.Cap/2 {
			return s.policy.Cap
		}
		d *= 2
	}
	return min(d, s.policy.Cap)
}

func (s *Scheduler) jitter(d time.Duration) time.Duration {
	span := float64(d) * s.policy.JitterPercent
	if span <= 0 {
		return 0
	}
	s.mu.Lock()
	f := s.rng.Float64()
	s.mu.Unlock()
	return time.Duration(f * span)
}

// Next returns when the attempt after a transient failure of attempt
// should run. ok is false once attempt has reached MaxAttempts; the
// failure is then terminal. A positive hint (a receiver's Retry-After)
// replaces the computed backoff, capped at RetryAfterCap.
func (s *Scheduler) Next(attempt int, now time.Time, hint time.Duration) (next time.Time, ok bool) {
	if attempt >= s.policy.MaxAttempts {
		return time.Time{}, false
	}
	if hint > 0 {
		if s.policy.RetryAfterCap > 0 {
			hint = min(hint, s.policy.RetryAfterCap)
		}
		return now.Add(hint), true
	}
	d := s.Backoff(attempt)
	return now.Add(d + s.jitter(d)), true
}

// NextNotBefore is Next for an attempt that was never sent because the
// circuit was open. The delay is the usual backoff raised to at least
// floor (the rest of the cooldown), and jitter is applied to the result so
// skipped tasks do not all wake when the circuit half-opens.
func (s *Scheduler) NextNotBefore(attempt int, now time.Time, floor time.Duration) (next time.Time, ok bool) {
	if attempt >= s.policy.MaxAttempts {
		return time.Time{}, false
	}
	d := max(s.Backoff(attempt), floor)
	return now.Add(d + s.jitter(d)), true
}

package circuit

import (
	"context"
	"sync"
	"time"
)

// record is the mutable per-endpoint state shared by every Store.
type record struct {
	status      Status
	openedAt    time.Time
	probeAt     time.Time
	successes   int
	windowStart time.Time
	failures    []time.Time // ascending
}

func newRecord(now time.Time) *record {
	return &record{status: StatusClosed, windowStart: now}
}

// prune drops failures at least cfg.Window old and rolls the success
// counter when the window has elapsed.
func (r *record) prune(now time.Time, cfg Config) {
	cut := 0
	for cut < len(r.failures) && now.Sub(r.failures[cut]) >= cfg.Window {
		cut++
	}
	r.failures = r.failures[cut:]
	if now.Sub(r.windowStart) >= cfg.Window {
		r.windowStart = now
		r.successes = 0
	}
}

// apply runs one operation. RedisStore mirrors this logic in Lua.
func (r *record) apply(op Op, now time.Time, cfg Config) (allowed, probe bool) {
	r.prune(now, cfg)

	switch op {
	case OpAcquire:
		switch r.status {
		case StatusClosed:
			allowed = true
		case StatusOpen:
			if now.Sub(r.openedAt) >= cfg.Cooldown {
				r.status = StatusHalfOpen
				r.probeAt = now
				allowed, probe = true, true
			}
		case StatusHalfOpen:
			if r.probeAt.IsZero() || now.Sub(r.probeAt) >= cfg.Cooldown {
				r.probeAt = now
				allowed, probe = true, true
			}
		}
	case OpSuccess:
		r.successes++
		if r.status == StatusHalfOpen {
			r.status = StatusClosed
			r.openedAt = time.Time{}
			r.probeAt = time.Time{}
			r.failures = nil
			r.windowStart = now
			r.successes = 1
		}
	case OpFailure:
		r.failures = append(r.failures, now)
		switch r.status {
		case StatusHalfOpen:
			r.status = StatusOpen
			r.openedAt = now
			r.probeAt = time.Time{}
		case StatusClosed:
			if len(r.failures) >= cfg.Threshold {
				r.status = StatusOpen
				r.openedAt = now
			}
		}
	}
	return allowed, probe
}

func (r *record) snapshot(endpointID string) State {
	return State{
		EndpointID:   endpointID,
		Status:       r.status,
		FailureCount: len(r.failures),
		SuccessCount: r.successes,
		WindowStart:  r.windowStart,
		OpenedAt:     r.openedAt,
	}
}

// MemoryStore keeps breaker state in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*record)}
}

func (s *MemoryStore) Apply(_ context.Context, endpointID string, op Op, now time.Time, cfg Config) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[endpointID]
	if !ok {
		r = newRecord(now)
		if op != OpSnapshot {
			s.records[endpointID] = r
		}
	}
	before := r.status
	allowed, probe := r.apply(op, now, cfg)
	return Result{Before: before, State: r.snapshot(endpointID), Allowed: allowed, Probe: probe}, nil
}

func (s *MemoryStore) Reset(_ context.Context, endpointID string) error {
	s.mu.Lock()
	delete(s.records, endpointID)
	s.mu.Unlock()
	return nil
}

package delivery

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrStaleAttempt means an attempt with this or a later number for the
	// same (envelope, endpoint) has already been claimed.
	ErrStaleAttempt = errors.New("delivery: attempt already claimed")
	// ErrAlreadyTerminal means the pair already reached a terminal outcome.
	ErrAlreadyTerminal = errors.New("delivery: delivery already terminal")
)

// Ledger records attempts so that queue redelivery cannot run an attempt
// twice or out of order. It does not give exactly-once transmission: a
// worker that dies after sending but before Complete leaves the receiver
// to dedupe on the envelope id.
type Ledger interface {
	// Claim reserves a.AttemptNumber for its pair.
	Claim(ctx context.Context, a Attempt) error
	// Complete stores the outcome of a claimed attempt.
	Complete(ctx context.Context, a Attempt) error
	// History lists the attempts of one pair in attempt order.
	History(ctx context.Context, envelopeID, endpointID string) ([]Attempt, error)
}

// Pruner is implemented by ledgers that can discard finished pairs. A pruned
// pair no longer rejects redelivery, so the cutoff must sit well behind the
// longest queue redelivery window.
type Pruner interface {
	// PruneTerminal removes every pair that went terminal before the cutoff
	// and reports how many attempts were removed.
	PruneTerminal(ctx context.Context, before time.Time) (int64, error)
}

type pairKey struct{ envelopeID, endpointID string }

type pairState struct {
	highest  int
	terminal bool
	doneAt   time.Time
	attempts []Attempt
}

// DefaultTombstoneTTL is how long a MemoryLedger remembers a terminal pair.
const DefaultTombstoneTTL = time.Hour

// MemoryLedger is an in-process Ledger. Terminal pairs drop their attempts
// after Complete unless Retain is set, and the remaining tombstone is
// discarded once it is older than TombstoneTTL.
type MemoryLedger struct {
	Retain bool
	// TombstoneTTL of zero or less keeps terminal pairs until PruneTerminal.
	TombstoneTTL time.Duration

	mu        sync.Mutex
	pairs     map[pairKey]*pairState
	now       func() time.Time
	lastSweep time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		TombstoneTTL: DefaultTombstoneTTL,
		pairs:        make(map[pairKey]*pairState),
		now:          time.Now,
	}
}

func (l *MemoryLedger) Claim(_ context.Context, a Attempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweepLocked()
	k := pairKey{a.EnvelopeID, a.EndpointID}
	st, ok := l.pairs[k]
	if !ok {
		st = &pairState{}
		l.pairs[k] = st
	}
	switch {
	case st.terminal:
		return ErrAlreadyTerminal
	case a.AttemptNumber <= st.highest:
		return ErrStaleAttempt
	}
	st.highest = a.AttemptNumber
	a.Outcome = OutcomePending
	st.attempts = append(st.attempts, a)
	return nil
}

func (l *MemoryLedger) Complete(_ context.Context, a Attempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := pairKey{a.EnvelopeID, a.EndpointID}
	st, ok := l.pairs[k]
	if !ok {
		return nil
	}
	for i := range st.attempts {
		if st.attempts[i].AttemptNumber == a.AttemptNumber {
			st.attempts[i] = a
		}
	}
	if a.Terminal {
		st.terminal = true
		st.doneAt = l.now()
		if !l.Retain {
			// Keep a tombstone so late redeliveries are still rejected.
			st.attempts = nil
		}
	}
	return nil
}

func (l *MemoryLedger) History(_ context.Context, envelopeID, endpointID string) ([]Attempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.pairs[pairKey{envelopeID, endpointID}]
	if !ok {
		return nil, nil
	}
	return append([]Attempt(nil), st.attempts...), nil
}

func (l *MemoryLedger) PruneTerminal(_ context.Context, before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pruneLocked(before), nil
}

func (l *MemoryLedger) pruneLocked(before time.Time) int64 {
	var n int64
	for k, st := range l.pairs {
		if st.terminal && st.doneAt.Before(before) {
			n += int64(len(st.attempts))
			delete(l.pairs, k)
		}
	}
	return n
}

// sweepLocked drops expired tombstones at most once per TombstoneTTL.
func (l *MemoryLedger) sweepLocked() {
	if l.TombstoneTTL <= 0 {
		return
	}
	now := l.now()
	if now.Sub(l.lastSweep) < l.TombstoneTTL {
		return
	}
	l.lastSweep = now
	l.pruneLocked(now.Add(-l.TombstoneTTL))
}

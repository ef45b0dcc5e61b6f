package delivery

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_relay/internal/circuit"
	"github.com/austindbirch/harbor_relay/internal/endpoint"
	"github.com/austindbirch/harbor_relay/internal/logging"
)

func discardLogger() *logging.Logger {
	return logging.NewWithWriter("test", logging.LevelError, io.Discard)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeQueue struct {
	mu    sync.Mutex
	tasks []Task
	err   error
	// failFor makes Enqueue fail for one endpoint only.
	failFor string
}

func (q *fakeQueue) Enqueue(_ context.Context, t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	if q.failFor != "" && t.EndpointID == q.failFor {
		return errors.New("nsqd unavailable")
	}
	q.tasks = append(q.tasks, t)
	return nil
}

func (q *fakeQueue) all() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Task(nil), q.tasks...)
}

// pop removes and returns the oldest queued task.
func (q *fakeQueue) pop(t *testing.T) Task {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	require.NotEmpty(t, q.tasks, "expected a queued task")
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	return task
}

type collectingObserver struct {
	mu  sync.Mutex
	dls []DeadLetter
}

func (o *collectingObserver) DeadLetter(_ context.Context, dl DeadLetter) {
	o.mu.Lock()
	o.dls = append(o.dls, dl)
	o.mu.Unlock()
}

func (o *collectingObserver) all() []DeadLetter {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]DeadLetter(nil), o.dls...)
}

// receiver is an httptest server that answers with a scripted status and
// records every request.
type receiver struct {
	srv    *httptest.Server
	hits   atomic.Int32
	mu     sync.Mutex
	reqs   []capturedRequest
	handle func(w http.ResponseWriter, r *http.Request)
}

type capturedRequest struct {
	header http.Header
	body   []byte
}

func newReceiver(t *testing.T, handle func(w http.ResponseWriter, r *http.Request)) *receiver {
	rc := &receiver{handle: handle}
	rc.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc.hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		rc.mu.Lock()
		rc.reqs = append(rc.reqs, capturedRequest{header: r.Header.Clone(), body: body})
		rc.mu.Unlock()
		rc.handle(w, r)
	}))
	t.Cleanup(rc.srv.Close)
	return rc
}

func statusReceiver(t *testing.T, status int) *receiver {
	return newReceiver(t, func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(status) })
}

func (rc *receiver) last() capturedRequest {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.reqs[len(rc.reqs)-1]
}

type fixture struct {
	clock    *fakeClock
	registry *endpoint.MemoryRegistry
	breaker  *circuit.Breaker
	queue    *fakeQueue
	observer *collectingObserver
	ledger   *MemoryLedger
	disp     *Dispatcher
}

type fixtureOpts struct {
	breaker circuit.Config
	retry   RetryPolicy
	timeout time.Duration
}

func newFixture(t *testing.T, opts fixtureOpts, eps ...endpoint.Endpoint) *fixture {
	t.Helper()
	if opts.breaker.Threshold == 0 {
		opts.breaker = circuit.Config{Threshold: 5, Window: time.Minute, Cooldown: 30 * time.Second}
	}
	if opts.retry.MaxAttempts == 0 {
		opts.retry = RetryPolicy{MaxAttempts: 5, Base: time.Second, Cap: time.Minute, JitterPercent: 0, RetryAfterCap: time.Hour}
	}
	if opts.timeout == 0 {
		opts.timeout = 2 * time.Second
	}

	f := &fixture{
		clock:    &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)},
		queue:    &fakeQueue{},
		observer: &collectingObserver{},
		ledger:   NewMemoryLedger(),
	}
	f.ledger.Retain = true
	f.registry = endpoint.NewMemoryRegistry(endpoint.Options{Grace: 24 * time.Hour, Now: f.clock.Now}, eps...)

	var err error
	f.breaker, err = circuit.New(nil, opts.breaker, circuit.WithClock(f.clock.Now), circuit.WithLogger(discardLogger()))
	require.NoError(t, err)

	f.disp, err = NewDispatcher(Deps{
		Registry: f.registry,
		Breaker:  f.breaker,
		Sender:   NewSender(nil, DefaultHeaders(), opts.timeout),
		Retry:    NewScheduler(opts.retry),
		Queue:    f.queue,
		Ledger:   f.ledger,
		Observer: f.observer,
		Logger:   discardLogger(),
		Now:      f.clock.Now,
	})
	require.NoError(t, err)
	return f
}

func enabledEndpoint(id, url string, types ...string) endpoint.Endpoint {
	if len(types) == 0 {
		types = []string{"status.created"}
	}
	return endpoint.Endpoint{ID: id, URL: url, Secret: "secret-" + id, EventTypes: types, Enabled: true}
}

package circuit

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_relay/internal/metrics"
)

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

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

// stores runs fn against every Store implementation.
func stores(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		fn(t, NewRedisStore(client, "test:circuit:", time.Hour))
	})
}

func newBreaker(t *testing.T, store Store, cfg Config, clk *fakeClock) *Breaker {
	t.Helper()
	b, err := New(store, cfg, WithClock(clk.Now))
	require.NoError(t, err)
	return b
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(nil, Config{Threshold: 0, Window: time.Second, Cooldown: time.Second})
	assert.Error(t, err)
	_, err = New(nil, Config{Threshold: 1, Window: 0, Cooldown: time.Second})
	assert.Error(t, err)
	b, err := New(nil, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 5, b.Config().Threshold)
}

func TestBreaker_OpensProbesAndCloses(t *testing.T) {
	stores(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		clk := newClock()
		b := newBreaker(t, store, Config{Threshold: 3, Window: 60 * time.Second, Cooldown: 30 * time.Second}, clk)

		var transitions []string
		b.OnStateChange(ListenerFunc(func(id string, from, to Status) {
			transitions = append(transitions, string(from)+">"+string(to))
		}))

		for i := 0; i < 3; i++ {
			d, err := b.Allow(ctx, "E")
			require.NoError(t, err)
			require.True(t, d.Allowed)
			_, err = b.Record(ctx, "E", false)
			require.NoError(t, err)
			clk.Advance(4 * time.Second)
		}

		st, err := b.State(ctx, "E")
		require.NoError(t, err)
		assert.Equal(t, StatusOpen, st.Status)
		assert.Equal(t, 3, st.FailureCount)

		// Skipped while open; skips leave the window untouched.
		clk.Advance(time.Second)
		d, err := b.Allow(ctx, "E")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, StatusOpen, d.State.Status)

		clk.Advance(30 * time.Second)
		d, err = b.Allow(ctx, "E")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.True(t, d.Probe)
		assert.Equal(t, StatusHalfOpen, d.State.Status)

		// Only one probe at a time.
		d, err = b.Allow(ctx, "E")
		require.NoError(t, err)
		assert.False(t, d.Allowed)

		st, err = b.Record(ctx, "E", true)
		require.NoError(t, err)
		assert.Equal(t, StatusClosed, st.Status)
		assert.Zero(t, st.FailureCount)

		d, err = b.Allow(ctx, "E")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.False(t, d.Probe)

		assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>closed"}, transitions)
	})
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	stores(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		clk := newClock()
		b := newBreaker(t, store, Config{Threshold: 1, Window: time.Minute, Cooldown: 10 * time.Second}, clk)

		_, err := b.Record(ctx, "E", false)
		require.NoError(t, err)

		clk.Advance(10 * time.Second)
		d, err := b.Allow(ctx, "E")
		require.NoError(t, err)
		require.True(t, d.Probe)

		clk.Advance(2 * time.Second)
		st, err := b.Record(ctx, "E", false)
		require.NoError(t, err)
		assert.Equal(t, StatusOpen, st.Status)
		assert.Equal(t, clk.Now().UnixMilli(), st.OpenedAt.UnixMilli(), "cooldown restarts at the failed probe")

		clk.Advance(9 * time.Second)
		d, err = b.Allow(ctx, "E")
		require.NoError(t, err)
		assert.False(t, d.Allowed)

		clk.Advance(time.Second)
		d, err = b.Allow(ctx, "E")
		require.NoError(t, err)
		assert.True(t, d.Probe)
	})
}

func TestBreaker_LostProbeIsReadmitted(t *testing.T) {
	stores(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		clk := newClock()
		b := newBreaker(t, store, Config{Threshold: 1, Window: time.Minute, Cooldown: 5 * time.Second}, clk)

		_, err := b.Record(ctx, "E", false)
		require.NoError(t, err)
		clk.Advance(5 * time.Second)

		d, err := b.Allow(ctx, "E")
		require.NoError(t, err)
		require.True(t, d.Probe)

		clk.Advance(4 * time.Second)
		d, err = b.Allow(ctx, "E")
		require.NoError(t, err)
		assert.False(t, d.Allowed)

		clk.Advance(time.Second)
		d, err = b.Allow(ctx, "E")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.True(t, d.Probe)
		assert.Equal(t, StatusHalfOpen, d.State.Status)
	})
}

func TestBreaker_FailuresOutsideWindowDoNotTrip(t *testing.T) {
	stores(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		clk := newClock()
		b := newBreaker(t, store, Config{Threshold: 3, Window: 10 * time.Second, Cooldown: time.Second}, clk)

		for i := 0; i < 5; i++ {
			st, err := b.Record(ctx, "E", false)
			require.NoError(t, err)
			assert.Equal(t, StatusClosed, st.Status, "failure %d", i)
			clk.Advance(6 * time.Second)
		}

		st, err := b.State(ctx, "E")
		require.NoError(t, err)
		assert.LessOrEqual(t, st.FailureCount, 1)
	})
}

func TestBreaker_SuccessesDoNotMaskFailures(t *testing.T) {
	stores(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		clk := newClock()
		b := newBreaker(t, store, Config{Threshold: 2, Window: time.Minute, Cooldown: time.Second}, clk)

		_, err := b.Record(ctx, "E", false)
		require.NoError(t, err)
		_, err = b.Record(ctx, "E", true)
		require.NoError(t, err)
		_, err = b.Record(ctx, "E", true)
		require.NoError(t, err)
		st, err := b.Record(ctx, "E", false)
		require.NoError(t, err)

		assert.Equal(t, StatusOpen, st.Status)
		assert.Equal(t, 2, st.SuccessCount)
	})
}

func TestBreaker_EndpointsAreIndependent(t *testing.T) {
	stores(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		clk := newClock()
		b := newBreaker(t, store, Config{Threshold: 1, Window: time.Minute, Cooldown: time.Minute}, clk)

		_, err := b.Record(ctx, "bad", false)
		require.NoError(t, err)

		d, err := b.Allow(ctx, "bad")
		require.NoError(t, err)
		assert.False(t, d.Allowed)

		d, err = b.Allow(ctx, "good")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})
}

func TestBreaker_StateOfUnknownEndpoint(t *testing.T) {
	stores(t, func(t *testing.T, store Store) {
		clk := newClock()
		b := newBreaker(t, store, DefaultConfig(), clk)

		st, err := b.State(context.Background(), "never-seen")
		require.NoError(t, err)
		assert.Equal(t, StatusClosed, st.Status)
		assert.Zero(t, st.FailureCount)
		assert.Equal(t, "never-seen", st.EndpointID)
	})
}

func TestBreaker_Reset(t *testing.T) {
	stores(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		clk := newClock()
		b := newBreaker(t, store, Config{Threshold: 1, Window: time.Minute, Cooldown: time.Hour}, clk)

		var last Status
		b.OnStateChange(ListenerFunc(func(_ string, _, to Status) { last = to }))

		_, err := b.Record(ctx, "E", false)
		require.NoError(t, err)
		assert.Equal(t, StatusOpen, last)

		require.NoError(t, b.Reset(ctx, "E"))
		assert.Equal(t, StatusClosed, last)

		d, err := b.Allow(ctx, "E")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})
}

func TestRedisStore_KeysShareHashSlot(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStore(client, "test:circuit:", time.Hour)

	assert.Equal(t, []string{"test:circuit:{ep:1}", "test:circuit:{ep:1}:failures"}, store.keys("ep:1"))

	b := newBreaker(t, store, Config{Threshold: 3, Window: time.Minute, Cooldown: time.Hour}, newClock())
	_, err := b.Record(ctx, "ep:1", false)
	require.NoError(t, err)

	written := mr.Keys()
	require.NotEmpty(t, written)
	for _, k := range written {
		assert.True(t, strings.HasPrefix(k, "test:circuit:{ep:1}"), "key %q is not hash-tagged", k)
	}

	require.NoError(t, b.Reset(ctx, "ep:1"))
	assert.Empty(t, mr.Keys())
}

func TestBreaker_ConcurrentHalfOpenAdmitsOneProbe(t *testing.T) {
	stores(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		clk := newClock()
		b := newBreaker(t, store, Config{Threshold: 1, Window: time.Minute, Cooldown: time.Second}, clk)

		_, err := b.Record(ctx, "E", false)
		require.NoError(t, err)
		clk.Advance(time.Second)

		var admitted atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d, err := b.Allow(ctx, "E")
				assert.NoError(t, err)
				if d.Allowed {
					admitted.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 1, admitted.Load())
	})
}

func TestBreaker_ListenerPanicIsContained(t *testing.T) {
	clk := newClock()
	b := newBreaker(t, NewMemoryStore(), Config{Threshold: 1, Window: time.Minute, Cooldown: time.Minute}, clk)
	b.OnStateChange(ListenerFunc(func(string, Status, Status) { panic("boom") }))

	assert.NotPanics(t, func() {
		_, err := b.Record(context.Background(), "E", false)
		assert.NoError(t, err)
	})
}

func TestMetricsListener(t *testing.T) {
	clk := newClock()
	b := newBreaker(t, NewMemoryStore(), Config{Threshold: 1, Window: time.Minute, Cooldown: time.Second}, clk)
	b.OnStateChange(MetricsListener())
	ctx := context.Background()
	before := testutil.ToFloat64(metrics.CircuitTransitionsTotal.WithLabelValues("closed", "open"))

	_, err := b.Record(ctx, "metrics-ep", false)
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.CircuitState.WithLabelValues("metrics-ep")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CircuitTransitionsTotal.WithLabelValues("closed", "open"))-before)

	clk.Advance(time.Second)
	d, err := b.Allow(ctx, "metrics-ep")
	require.NoError(t, err)
	require.True(t, d.Probe)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CircuitState.WithLabelValues("metrics-ep")))
}

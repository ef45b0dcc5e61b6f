package endpoint

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_relay/internal/signing"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func sequentialSecrets() func() (string, error) {
	n := 0
	var mu sync.Mutex
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("secret-%d", n), nil
	}
}

func TestSubscribes(t *testing.T) {
	tests := []struct {
		name      string
		types     []string
		eventType string
		want      bool
	}{
		{name: "exact match", types: []string{"status.created", "account.updated"}, eventType: "account.updated", want: true},
		{name: "no match", types: []string{"status.created"}, eventType: "account.updated", want: false},
		{name: "wildcard", types: []string{Wildcard}, eventType: "anything", want: true},
		{name: "empty subscriptions", types: nil, eventType: "status.created", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Endpoint{EventTypes: tt.types}.Subscribes(tt.eventType))
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Endpoint{ID: "a", URL: "http://x", Secret: "s"}.Validate())
	assert.ErrorIs(t, Endpoint{URL: "http://x", Secret: "s"}.Validate(), ErrInvalid)
	assert.ErrorIs(t, Endpoint{ID: "a", Secret: "s"}.Validate(), ErrInvalid)
	assert.ErrorIs(t, Endpoint{ID: "a", URL: "http://x"}.Validate(), ErrInvalid)

	for _, raw := range []string{"not a url", "ftp://files.example.com", "https://", "/relative/hook", "http://bad host/"} {
		assert.ErrorIs(t, Endpoint{ID: "a", URL: raw, Secret: "s"}.Validate(), ErrInvalid, raw)
	}
	assert.NoError(t, Endpoint{ID: "a", URL: "https://hooks.example.com:8443/in?x=1", Secret: "s"}.Validate())
}

func TestRotationGracePeriod(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	grace := 24 * time.Hour

	ep := Endpoint{ID: "ep", Secret: "old"}
	body := []byte(`{"id":"env_1"}`)
	signedBeforeRotation := signing.Sign(body, "old") // t = -1h

	ep = ep.Rotated("new", t0)
	assert.Equal(t, "new", ep.Secret)
	assert.Equal(t, "old", ep.PreviousSecret)

	tests := []struct {
		name       string
		at         time.Time
		wantOldOK  bool
		wantNumSec int
	}{
		{name: "at rotation", at: t0, wantOldOK: true, wantNumSec: 2},
		{name: "+1h within grace", at: t0.Add(time.Hour), wantOldOK: true, wantNumSec: 2},
		{name: "just before expiry", at: t0.Add(grace - time.Nanosecond), wantOldOK: true, wantNumSec: 2},
		{name: "exactly at expiry", at: t0.Add(grace), wantOldOK: false, wantNumSec: 1},
		{name: "+25h after grace", at: t0.Add(25 * time.Hour), wantOldOK: false, wantNumSec: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			secrets := ep.VerificationSecrets(tt.at, grace)
			assert.Len(t, secrets, tt.wantNumSec)
			assert.Equal(t, tt.wantOldOK, signing.Verify(body, signedBeforeRotation, secrets...))
			assert.True(t, signing.Verify(body, signing.Sign(body, "new"), secrets...), "current secret must always verify")
		})
	}

	assert.Equal(t, "old", ep.Pruned(t0.Add(time.Hour), grace).PreviousSecret)
	assert.Empty(t, ep.Pruned(t0.Add(25*time.Hour), grace).PreviousSecret)
}

func TestRerotationDoesNotStackGrace(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	ep := Endpoint{ID: "ep", Secret: "s1"}.Rotated("s2", t0).Rotated("s3", t0.Add(time.Hour))

	secrets := ep.VerificationSecrets(t0.Add(2*time.Hour), 24*time.Hour)
	assert.ElementsMatch(t, []string{"s3", "s2"}, secrets)
	assert.NotContains(t, secrets, "s1")
}

func TestMemoryRegistry_Subscribed(t *testing.T) {
	reg := NewMemoryRegistry(Options{Grace: time.Hour},
		Endpoint{ID: "b", URL: "http://b", Secret: "s", EventTypes: []string{"status.created"}, Enabled: true},
		Endpoint{ID: "a", URL: "http://a", Secret: "s", EventTypes: []string{Wildcard}, Enabled: true},
		Endpoint{ID: "c", URL: "http://c", Secret: "s", EventTypes: []string{"status.created"}, Enabled: false},
		Endpoint{ID: "d", URL: "http://d", Secret: "s", EventTypes: []string{"account.updated"}, Enabled: true},
	)

	eps, err := reg.Subscribed(context.Background(), "status.created")
	require.NoError(t, err)
	ids := make([]string, 0, len(eps))
	for _, ep := range eps {
		ids = append(ids, ep.ID)
	}
	assert.Equal(t, []string{"a", "b"}, ids)

	require.NoError(t, reg.SetEnabled(context.Background(), "c", true))
	eps, err = reg.Subscribed(context.Background(), "status.created")
	require.NoError(t, err)
	assert.Len(t, eps, 3)
}

func TestMemoryRegistry_GetReturnsCopies(t *testing.T) {
	reg := NewMemoryRegistry(Options{}, Endpoint{ID: "a", URL: "http://a", Secret: "s", EventTypes: []string{"x"}, Enabled: true})

	ep, err := reg.Get(context.Background(), "a")
	require.NoError(t, err)
	ep.EventTypes[0] = "mutated"

	again, err := reg.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, again.EventTypes)

	_, err = reg.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRegistry_RotateSecret(t *testing.T) {
	clk := &clock{now: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	reg := NewMemoryRegistry(
		Options{Grace: 24 * time.Hour, Now: clk.Now, NewSecret: sequentialSecrets()},
		Endpoint{ID: "a", URL: "http://a", Secret: "initial", Enabled: true},
	)
	ctx := context.Background()

	inFlight, err := reg.Get(ctx, "a")
	require.NoError(t, err)

	secret, err := reg.RotateSecret(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "secret-1", secret)

	// A snapshot taken before rotation keeps signing with the old secret.
	assert.Equal(t, "initial", inFlight.Secret)

	ep, err := reg.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "secret-1", ep.Secret)
	assert.Equal(t, "initial", ep.PreviousSecret)
	assert.Equal(t, clk.Now(), ep.SecretRotatedAt)

	clk.Advance(25 * time.Hour)
	ep, err = reg.Get(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, ep.PreviousSecret)

	_, err = reg.RotateSecret(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRegistry_ConcurrentRotation(t *testing.T) {
	reg := NewMemoryRegistry(
		Options{Grace: time.Hour, NewSecret: sequentialSecrets()},
		Endpoint{ID: "a", URL: "http://a", Secret: "s0", Enabled: true},
	)
	ctx := context.Background()

	var wg sync.WaitGroup
	issued := make(chan string, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := reg.RotateSecret(ctx, "a")
			assert.NoError(t, err)
			issued <- s
		}()
	}
	wg.Wait()
	close(issued)

	seen := map[string]bool{}
	for s := range issued {
		seen[s] = true
	}
	assert.Len(t, seen, 50)

	ep, err := reg.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, seen[ep.Secret])
	assert.True(t, seen[ep.PreviousSecret])
	assert.NotEqual(t, ep.Secret, ep.PreviousSecret)
}

func TestMemoryRegistry_UpsertValidates(t *testing.T) {
	reg := NewMemoryRegistry(Options{})
	assert.ErrorIs(t, reg.Upsert(context.Background(), Endpoint{ID: "a"}), ErrInvalid)
	assert.ErrorIs(t, reg.SetEnabled(context.Background(), "nope", true), ErrNotFound)
}

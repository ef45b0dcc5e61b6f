package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

type mockPinger struct {
	err   error
	calls int
}

func (m *mockPinger) Ping(ctx context.Context) error {
	m.calls++
	return m.err
}

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name               string
		checks             map[string]Pinger
		expectedStatusCode int
		expectedStatus     Status
	}{
		{
			name:               "healthy with no dependencies",
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok"},
		},
		{
			name:               "healthy with working database",
			checks:             map[string]Pinger{"database": &mockPinger{}},
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Checks: map[string]bool{"database": true}},
		},
		{
			name: "unhealthy with database ping failure",
			checks: map[string]Pinger{
				"database": &mockPinger{err: context.DeadlineExceeded},
				"redis":    &mockPinger{},
			},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus: Status{
				OK:      false,
				Message: "database ping failed",
				Checks:  map[string]bool{"database": false, "redis": true},
			},
		},
		{
			name: "first failure names the message",
			checks: map[string]Pinger{
				"redis": &mockPinger{err: errors.New("refused")},
				"nsqd":  &mockPinger{err: errors.New("refused")},
			},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus: Status{
				OK:      false,
				Message: "nsqd ping failed",
				Checks:  map[string]bool{"nsqd": false, "redis": false},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(time.Second)
			for name, p := range tt.checks {
				c.Add(name, p)
			}

			rec := httptest.NewRecorder()
			HTTPHandler(c)(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if rec.Code != tt.expectedStatusCode {
				t.Errorf("status code = %d, want %d", rec.Code, tt.expectedStatusCode)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}

			var got Status
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if got.OK != tt.expectedStatus.OK || got.Message != tt.expectedStatus.Message {
				t.Errorf("status = %+v, want %+v", got, tt.expectedStatus)
			}
			if len(got.Checks) != len(tt.expectedStatus.Checks) {
				t.Fatalf("checks = %v, want %v", got.Checks, tt.expectedStatus.Checks)
			}
			for name, ok := range tt.expectedStatus.Checks {
				if got.Checks[name] != ok {
					t.Errorf("check %s = %v, want %v", name, got.Checks[name], ok)
				}
			}
		})
	}
}

func TestCheckerSkipsNilPingers(t *testing.T) {
	c := NewChecker(0).Add("redis", nil)
	st := c.Check(context.Background())
	if !st.OK || len(st.Checks) != 0 {
		t.Errorf("Check() = %+v, want ok with no checks", st)
	}
}

func TestCheckerAppliesTimeout(t *testing.T) {
	slow := PingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	c := NewChecker(20*time.Millisecond).Add("slow", slow)

	start := time.Now()
	st := c.Check(context.Background())
	if st.OK {
		t.Error("expected slow dependency to fail")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Check() took %v, timeout not applied", elapsed)
	}
}

func TestRedisPinger(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	p := RedisPinger(client.Ping)
	if err := p.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	mr.Close()
	if err := p.Ping(context.Background()); err == nil {
		t.Error("Ping() after shutdown returned nil error")
	}
}

package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/solicitation-watch/internal/config"
)

var errUpstream = errors.New("upstream down")

func fail(context.Context) error { return errUpstream }

func succeed(context.Context) error { return nil }

func testBreaker(cfg CircuitBreakerConfig) (*CircuitBreaker, *time.Time) {
	now := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(cfg)
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	t.Parallel()
	cb, _ := testBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	ctx := context.Background()

	for range 2 {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errUpstream)
	}
	assert.Equal(t, CircuitClosed, cb.State())

	require.NoError(t, cb.Execute(ctx, succeed))
	for range 3 {
		_ = cb.Execute(ctx, fail)
	}
	assert.Equal(t, CircuitOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	t.Parallel()
	var transitions []string
	cb, now := testBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     30 * time.Second,
		HalfOpenProbes:   2,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	*now = now.Add(31 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, CircuitHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, CircuitClosed, cb.State())

	_ = cb.Execute(ctx, fail)
	*now = now.Add(31 * time.Second)
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, CircuitOpen, cb.State(), "a failed probe reopens")

	assert.Equal(t, []string{
		"closed->open", "open->half-open", "half-open->closed",
		"closed->open", "open->half-open", "half-open->open",
	}, transitions)
}

func TestCircuitBreaker_ShouldTripAndReset(t *testing.T) {
	t.Parallel()
	cb, _ := testBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ShouldTrip:       IsTransient,
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	assert.Equal(t, CircuitClosed, cb.State(), "permanent errors do not trip")

	_ = cb.Execute(ctx, func(context.Context) error { return NewTransientError(errUpstream, 503) })
	assert.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.NoError(t, cb.Execute(ctx, succeed))
}

func TestExecuteVal(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})

	v, err := ExecuteVal(context.Background(), cb, func(context.Context) (string, error) { return "text", nil })
	require.NoError(t, err)
	assert.Equal(t, "text", v)

	_, _ = ExecuteVal(context.Background(), cb, func(context.Context) (string, error) { return "", errUpstream })
	v, err = ExecuteVal(context.Background(), cb, func(context.Context) (string, error) { return "never", nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Empty(t, v)
}

func TestCircuitBreaker_Concurrent(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1000})
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_ = cb.Execute(context.Background(), fail)
				return
			}
			_ = cb.Execute(context.Background(), succeed)
		}()
	}
	wg.Wait()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestBreakers(t *testing.T) {
	t.Parallel()
	b := NewBreakers(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	assert.Same(t, b.Get("anthropic"), b.Get("anthropic"))
	assert.NotSame(t, b.Get("anthropic"), b.Get("ocr"))

	_ = b.Get("ocr").Execute(context.Background(), fail)
	assert.Equal(t, map[string]string{"anthropic": "closed", "ocr": "open"}, b.States())
}

func TestCircuitState_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestDo_RetriesTransientOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	calls := 0
	err := Do(ctx, fastRetry(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errUpstream, 503)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = Do(ctx, fastRetry(5), func(context.Context) error {
		calls++
		return errUpstream
	})
	assert.ErrorIs(t, err, errUpstream)
	assert.Equal(t, 1, calls)

	calls = 0
	err = Do(ctx, fastRetry(2), func(context.Context) error {
		calls++
		return NewTransientError(errUpstream, 429)
	})
	assert.ErrorIs(t, err, errUpstream)
	assert.Equal(t, 2, calls)
}

func TestDo_StopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, RetryConfig{MaxAttempts: 10, InitialBackoff: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return NewTransientError(errUpstream, 0)
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_HooksAndCustomRetry(t *testing.T) {
	t.Parallel()
	var attempts []int
	cfg := fastRetry(3)
	cfg.ShouldRetry = func(err error) bool { return errors.Is(err, errUpstream) }
	cfg.OnRetry = func(attempt int, _ error) { attempts = append(attempts, attempt) }

	err := Do(context.Background(), cfg, fail)
	assert.ErrorIs(t, err, errUpstream)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDoVal(t *testing.T) {
	t.Parallel()
	calls := 0
	v, err := DoVal(context.Background(), fastRetry(3), func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, NewTransientError(errUpstream, 502)
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = DoVal(context.Background(), fastRetry(1), func(context.Context) (int, error) { return 7, errUpstream })
	assert.Error(t, err)
	assert.Zero(t, v)
}

func TestBackoff(t *testing.T) {
	t.Parallel()
	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}.withDefaults()
	cfg.JitterFraction = 0
	assert.Equal(t, 100*time.Millisecond, backoff(1, cfg))
	assert.Equal(t, 200*time.Millisecond, backoff(2, cfg))
	assert.Equal(t, 400*time.Millisecond, backoff(3, cfg))
	assert.Equal(t, time.Second, backoff(10, cfg))

	cfg.JitterFraction = 0.5
	for range 20 {
		d := backoff(1, cfg)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errUpstream, false},
		{"explicit", NewTransientError(errUpstream, 503), true},
		{"wrapped explicit", fmt.Errorf("ocr: %w", NewTransientError(errUpstream, 0)), true},
		{"reset", fmt.Errorf("dial: %w", syscall.ECONNRESET), true},
		{"refused", syscall.ECONNREFUSED, true},
		{"net timeout", timeoutErr{}, true},
		{"message", errors.New("read tcp: i/o timeout"), true},
		{"dns", errors.New("lookup api.mistral.ai: no such host"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	t.Parallel()
	for _, code := range []int{408, 429, 500, 502, 503, 504, 529} {
		assert.True(t, IsTransientHTTPStatus(code), code)
	}
	for _, code := range []int{200, 400, 401, 404, 422} {
		assert.False(t, IsTransientHTTPStatus(code), code)
	}
}

func TestTransientError(t *testing.T) {
	t.Parallel()
	te := NewTransientError(errUpstream, 503)
	assert.Equal(t, "upstream down", te.Error())
	assert.ErrorIs(t, te, errUpstream)
	assert.Equal(t, 503, te.StatusCode)
}

func TestFromConfig(t *testing.T) {
	t.Parallel()
	retry, cb := FromConfig(config.ResilienceConfig{
		MaxAttempts: 4, InitialBackoffMs: 250, MaxBackoffMs: 2000, FailureThreshold: 2, ResetTimeoutSecs: 10,
	})
	assert.Equal(t, 4, retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, retry.InitialBackoff)
	assert.Equal(t, 2*time.Second, retry.MaxBackoff)
	assert.Equal(t, 0.25, retry.JitterFraction)
	assert.Equal(t, 2, cb.FailureThreshold)
	assert.Equal(t, 10*time.Second, cb.ResetTimeout)

	retry, _ = FromConfig(config.ResilienceConfig{})
	assert.Equal(t, DefaultRetryConfig().MaxAttempts, retry.MaxAttempts)
}

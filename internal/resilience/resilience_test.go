package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portalhq/backend/internal/apperr"
	"github.com/portalhq/backend/internal/circuitbreaker"
	"github.com/portalhq/backend/internal/metrics"
	"github.com/portalhq/backend/internal/requestctx"
)

// fastRetry keeps attempt-count tests quick.
var fastRetry = Schedule{Base: time.Millisecond, MaxAttempts: 3, Factor: 2}

func TestPresetValues(t *testing.T) {
	tests := []struct {
		name     string
		base     time.Duration
		attempts int
		cap      time.Duration
	}{
		{"brief", 50 * time.Millisecond, 2, 0},
		{"default", 100 * time.Millisecond, 3, 30 * time.Second},
		{"patient", 500 * time.Millisecond, 5, 5 * time.Minute},
		{"persistent", 100 * time.Millisecond, 5, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := Preset(tc.name)
			assert.Equal(t, tc.base, s.Base)
			assert.Equal(t, tc.attempts, s.MaxAttempts)
			assert.Equal(t, tc.cap, s.Cap)
			assert.Equal(t, 2.0, s.Factor)
		})
	}
}

func TestPresetUnknownFallsBackToDefault(t *testing.T) {
	assert.Equal(t, Preset("default"), Preset("no-such-preset"))
}

func TestPresetIsFirstClassValue(t *testing.T) {
	// A schedule retrieved once stays usable independently of any run.
	s := Preset("brief")
	for i := 0; i < 50; i++ {
		d := s.Delay(0)
		assert.GreaterOrEqual(t, d, s.Base)
		assert.LessOrEqual(t, d, 3*s.Base)
	}
}

func TestDelayDecorrelatedJitterBounds(t *testing.T) {
	s := Schedule{Base: 10 * time.Millisecond, MaxAttempts: 5, Factor: 2, Cap: 40 * time.Millisecond}
	prev := time.Duration(0)
	for i := 0; i < 100; i++ {
		d := s.Delay(prev)
		assert.GreaterOrEqual(t, d, s.Base)
		assert.LessOrEqual(t, d, s.Cap)
		prev = d
	}
}

func TestRetriableClassification(t *testing.T) {
	retriable := []error{
		apperr.Infra("down", nil),
		apperr.Internal("oops", nil),
		apperr.Timeout("x", time.Second),
		apperr.ServiceUnavailable("drain"),
		errors.New("plain"),
	}
	for _, err := range retriable {
		assert.True(t, Retriable(err), "%v should be retriable", err)
	}

	terminal := []error{
		apperr.Auth("nope"),
		apperr.Forbidden("nope"),
		apperr.Validation("f", "bad"),
		apperr.NotFound("user", "1"),
		apperr.Conflict("user", "exists"),
		apperr.OAuth("revoked"),
	}
	for _, err := range terminal {
		assert.False(t, Retriable(err), "%v should not be retriable", err)
	}
}

func TestRunRetriesUpToMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	_, err := Run(context.Background(), "flaky", func(context.Context) (string, error) {
		calls.Add(1)
		return "", apperr.Infra("down", nil)
	}, Options{Retry: &fastRetry})

	require.Error(t, err)
	assert.Equal(t, int32(fastRetry.MaxAttempts), calls.Load())
}

func TestRunNonRetriableSingleAttempt(t *testing.T) {
	var calls atomic.Int32
	_, err := Run(context.Background(), "strict", func(context.Context) (string, error) {
		calls.Add(1)
		return "", apperr.Validation("name", "required")
	}, Options{Retry: &fastRetry})

	require.Error(t, err)
	assert.Equal(t, apperr.TagValidation, apperr.TagOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunSucceedsMidRetry(t *testing.T) {
	var calls atomic.Int32
	got, err := Run(context.Background(), "recovers", func(context.Context) (string, error) {
		if calls.Add(1) < 3 {
			return "", apperr.Infra("down", nil)
		}
		return "ok", nil
	}, Options{Retry: &fastRetry})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRunTimeout(t *testing.T) {
	start := time.Now()
	_, err := Run(context.Background(), "slow", func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}, Options{Timeout: 30 * time.Millisecond})

	require.Error(t, err)
	assert.Equal(t, apperr.TagTimeout, apperr.TagOf(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunCircuitShortCircuits(t *testing.T) {
	b := circuitbreaker.New(circuitbreaker.Config{
		Name:   "dep",
		Policy: &circuitbreaker.Consecutive{Threshold: 1},
	}, nil, metrics.New(prometheus.NewRegistry()))

	var calls atomic.Int32
	op := func(context.Context) (string, error) {
		calls.Add(1)
		return "", apperr.Infra("down", nil)
	}

	_, err := Run(context.Background(), "dep", op, Options{Breaker: b})
	require.Error(t, err)
	require.Equal(t, circuitbreaker.StateOpen, b.State())

	_, err = Run(context.Background(), "dep", op, Options{Breaker: b})
	require.Error(t, err)
	assert.Equal(t, apperr.TagCircuit, apperr.TagOf(err))
	assert.Equal(t, int32(1), calls.Load(), "open breaker must not invoke the operation")
}

func TestRunRecordsBreakerInContext(t *testing.T) {
	b := circuitbreaker.New(circuitbreaker.Config{
		Name:   "db",
		Policy: &circuitbreaker.Consecutive{Threshold: 3},
	}, nil, metrics.New(prometheus.NewRegistry()))

	var seen *requestctx.Circuit
	_, err := Run(context.Background(), "db", func(ctx context.Context) (string, error) {
		seen = requestctx.Current(ctx).Circuit
		return "ok", nil
	}, Options{Breaker: b})

	require.NoError(t, err)
	require.NotNil(t, seen, "operation should observe the guarding breaker")
	assert.Equal(t, "db", seen.Name)
	assert.Equal(t, "Closed", seen.State)
}

func TestRunWithoutBreakerLeavesCircuitUnset(t *testing.T) {
	var seen *requestctx.Circuit
	_, err := Run(context.Background(), "bare", func(ctx context.Context) (string, error) {
		seen = requestctx.Current(ctx).Circuit
		return "ok", nil
	}, Options{})

	require.NoError(t, err)
	assert.Nil(t, seen)
}

func TestHedgeRunsFullRetryLoopPerArm(t *testing.T) {
	// Hedging wraps retry, so each hedge arm exhausts its own schedule:
	// two arms, two attempts each, four calls total when all of them fail.
	sched := Schedule{Base: 30 * time.Millisecond, MaxAttempts: 2, Factor: 2}

	var calls atomic.Int32
	_, err := Run(context.Background(), "hedged-retry", func(context.Context) (string, error) {
		calls.Add(1)
		return "", apperr.Infra("down", nil)
	}, Options{Hedge: true, HedgeDelay: 10 * time.Millisecond, Retry: &sched})

	require.Error(t, err)
	assert.Equal(t, int32(2*sched.MaxAttempts), calls.Load())
}

func TestBulkheadRejectsWhenFull(t *testing.T) {
	bh := NewBulkhead("pool", 1)
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _ = Run(context.Background(), "hold", func(context.Context) (string, error) {
			close(started)
			<-release
			return "held", nil
		}, Options{Bulkhead: bh, Timeout: -1})
	}()
	<-started

	_, err := Run(context.Background(), "rejected", func(context.Context) (string, error) {
		return "never", nil
	}, Options{Bulkhead: bh, Timeout: -1})

	require.Error(t, err)
	assert.Equal(t, apperr.TagBulkhead, apperr.TagOf(err))
	close(release)
}

func TestBulkheadReleasesPermit(t *testing.T) {
	bh := NewBulkhead("pool", 1)

	for i := 0; i < 3; i++ {
		got, err := Run(context.Background(), "seq", func(context.Context) (string, error) {
			return "ok", nil
		}, Options{Bulkhead: bh})
		require.NoError(t, err)
		assert.Equal(t, "ok", got)
	}
}

func TestHedgeWinnerCancelsSibling(t *testing.T) {
	var calls atomic.Int32
	got, err := Run(context.Background(), "hedged", func(ctx context.Context) (string, error) {
		n := calls.Add(1)
		if n == 1 {
			// First attempt stalls until cancelled by the winner.
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "second", nil
	}, Options{Hedge: true, HedgeDelay: 5 * time.Millisecond})

	require.NoError(t, err)
	assert.Equal(t, "second", got)
}

func TestHedgeFastFirstSkipsSecond(t *testing.T) {
	var calls atomic.Int32
	got, err := Run(context.Background(), "fast", func(context.Context) (string, error) {
		calls.Add(1)
		return "first", nil
	}, Options{Hedge: true, HedgeDelay: 200 * time.Millisecond})

	require.NoError(t, err)
	assert.Equal(t, "first", got)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCancellationStopsRetryDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	slow := Schedule{Base: 10 * time.Second, MaxAttempts: 3, Factor: 2}

	done := make(chan error, 1)
	go func() {
		_, err := Run(ctx, "cancelled", func(context.Context) (string, error) {
			return "", apperr.Infra("down", nil)
		}, Options{Retry: &slow, Timeout: -1})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("cancel did not stop the pending retry delay")
	}
}

func TestFallbackRecovers(t *testing.T) {
	got, err := RunWithFallback(context.Background(), "fb",
		func(context.Context) (string, error) {
			return "", apperr.Infra("down", nil)
		},
		func(_ context.Context, cause error) (string, error) {
			require.Error(t, cause)
			return "cached", nil
		}, Options{})

	require.NoError(t, err)
	assert.Equal(t, "cached", got)
}

func TestFallbackFailurePropagates(t *testing.T) {
	fallbackErr := apperr.ServiceUnavailable("fallback down")
	_, err := RunWithFallback(context.Background(), "fb",
		func(context.Context) (string, error) {
			return "", apperr.Infra("down", nil)
		},
		func(context.Context, error) (string, error) {
			return "", fallbackErr
		}, Options{})

	assert.ErrorIs(t, err, fallbackErr)
}

func TestIsPredicate(t *testing.T) {
	assert.True(t, Is(apperr.Circuit("x"), apperr.TagCircuit))
	assert.False(t, Is(apperr.Circuit("x"), apperr.TagTimeout))
	assert.False(t, Is(errors.New("plain"), apperr.TagCircuit))
}

// Package resilience composes circuit breaking, bulkheads, timeouts,
// hedging, retry, and fallback into a single combinator around an effect.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/portalhq/backend/internal/apperr"
	"github.com/portalhq/backend/internal/circuitbreaker"
	"github.com/portalhq/backend/internal/requestctx"
)

// DefaultTimeout bounds every run unless overridden.
const DefaultTimeout = 30 * time.Second

// defaultHedgeDelay is how long the first attempt runs alone before a
// hedge fires.
const defaultHedgeDelay = 100 * time.Millisecond

// bulkheadGrace is the short window a caller waits for a permit before
// failing with a bulkhead error.
const bulkheadGrace = 25 * time.Millisecond

// ============================================================================
// SCHEDULES
// ============================================================================

// Schedule is a pure retry description: exponential backoff with
// decorrelated jitter, bounded by attempts and an optional total-time cap.
type Schedule struct {
	Base        time.Duration
	MaxAttempts int
	Factor      float64
	Cap         time.Duration // zero means unbounded total time
}

var presets = map[string]Schedule{
	"brief":      {Base: 50 * time.Millisecond, MaxAttempts: 2, Factor: 2},
	"default":    {Base: 100 * time.Millisecond, MaxAttempts: 3, Factor: 2, Cap: 30 * time.Second},
	"patient":    {Base: 500 * time.Millisecond, MaxAttempts: 5, Factor: 2, Cap: 5 * time.Minute},
	"persistent": {Base: 100 * time.Millisecond, MaxAttempts: 5, Factor: 2},
}

// Preset returns the named schedule. Unknown names fall back to "default".
func Preset(name string) Schedule {
	if s, ok := presets[name]; ok {
		return s
	}
	return presets["default"]
}

// Delay computes the next backoff from the previous one using decorrelated
// jitter: uniform in [base, prev*3], clamped by the cap when present.
func (s Schedule) Delay(prev time.Duration) time.Duration {
	if prev < s.Base {
		prev = s.Base
	}
	upper := prev * 3
	d := s.Base + time.Duration(rand.Int63n(int64(upper-s.Base)+1))
	if s.Cap > 0 && d > s.Cap {
		d = s.Cap
	}
	return d
}

// Retriable reports whether an error may be retried. Caller mistakes never
// are; everything else is.
func Retriable(err error) bool {
	switch apperr.TagOf(err) {
	case apperr.TagAuth, apperr.TagForbidden, apperr.TagValidation,
		apperr.TagNotFound, apperr.TagConflict, apperr.TagOAuth:
		return false
	}
	return true
}

// Is reports whether err carries the given boundary tag.
func Is(err error, tag apperr.Tag) bool {
	return apperr.TagOf(err) == tag
}

// ============================================================================
// OPTIONS
// ============================================================================

// Options configures a single Run.
type Options struct {
	// Breaker guards the whole run. Nil disables circuit breaking.
	Breaker *circuitbreaker.Breaker

	// Bulkhead caps concurrent runs. Nil disables the bulkhead.
	Bulkhead *Bulkhead

	// Timeout bounds the run end to end. Zero means DefaultTimeout;
	// negative disables the deadline.
	Timeout time.Duration

	// Hedge fires a second attempt after HedgeDelay when the first has
	// not completed. The winner cancels the loser.
	Hedge      bool
	HedgeDelay time.Duration

	// Retry, when non-nil, re-runs retriable failures per the schedule.
	Retry *Schedule
}

// Bulkhead is a permit pool shared by every run that names it.
type Bulkhead struct {
	name     string
	capacity int
	permits  chan struct{}
}

// NewBulkhead builds a pool of capacity permits.
func NewBulkhead(name string, capacity int) *Bulkhead {
	return &Bulkhead{
		name:     name,
		capacity: capacity,
		permits:  make(chan struct{}, capacity),
	}
}

func (b *Bulkhead) acquire(ctx context.Context) error {
	select {
	case b.permits <- struct{}{}:
		return nil
	default:
	}
	timer := time.NewTimer(bulkheadGrace)
	defer timer.Stop()
	select {
	case b.permits <- struct{}{}:
		return nil
	case <-timer.C:
		return apperr.Bulkhead(b.name, b.capacity)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bulkhead) release() { <-b.permits }

// ============================================================================
// COMBINATOR
// ============================================================================

// Run executes op under the configured protections, composed outermost
// first: circuit breaker, bulkhead, timeout, hedge, retry, fallback via
// RunWithFallback. Cancelling ctx cancels the attempt, any hedge sibling,
// and any pending retry delay.
func Run[T any](ctx context.Context, name string, op func(context.Context) (T, error), opts Options) (T, error) {
	var zero T

	if opts.Breaker != nil {
		if err := opts.Breaker.Allow(); err != nil {
			return zero, err
		}
		// Record the guarding breaker so child spans can annotate it.
		ctx = requestctx.WithCircuit(ctx, opts.Breaker.Name(), opts.Breaker.State().String())
	}

	result, err := runInner(ctx, name, op, opts)

	if opts.Breaker != nil {
		if err != nil {
			opts.Breaker.OnFailure()
		} else {
			opts.Breaker.OnSuccess()
		}
	}
	return result, err
}

// RunWithFallback is Run with a recovery stage: on failure the fallback is
// invoked with the error; its value or error becomes the result.
func RunWithFallback[T any](ctx context.Context, name string, op func(context.Context) (T, error), fallback func(context.Context, error) (T, error), opts Options) (T, error) {
	result, err := Run(ctx, name, op, opts)
	if err == nil {
		return result, nil
	}
	return fallback(ctx, err)
}

func runInner[T any](ctx context.Context, name string, op func(context.Context) (T, error), opts Options) (T, error) {
	var zero T

	if opts.Bulkhead != nil {
		if err := opts.Bulkhead.acquire(ctx); err != nil {
			return zero, err
		}
		defer opts.Bulkhead.release()
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Hedge sits outside retry: the hedge sibling is a second full retry
	// loop, and the first loop to finish cancels the other.
	attempt := func(ctx context.Context) (T, error) {
		return retry(ctx, op, opts.Retry)
	}

	var result T
	var err error
	if opts.Hedge {
		result, err = hedged(ctx, opts.hedgeDelay(), attempt)
	} else {
		result, err = attempt(ctx)
	}
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return zero, apperr.Timeout(name, timeout)
	}
	return result, err
}

func (o Options) hedgeDelay() time.Duration {
	if o.HedgeDelay > 0 {
		return o.HedgeDelay
	}
	return defaultHedgeDelay
}

// hedged runs op and, after delay, a second identical attempt. The first
// result wins and cancels the sibling.
func hedged[T any](ctx context.Context, delay time.Duration, op func(context.Context) (T, error)) (T, error) {
	var zero T
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	results := make(chan outcome, 2)

	launch := func() {
		go func() {
			v, err := op(raceCtx)
			results <- outcome{v, err}
		}()
	}
	launch()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	launched := 1
	received := 0
	var firstErr error
	for {
		select {
		case <-timer.C:
			if launched == 1 {
				launch()
				launched = 2
			}
		case res := <-results:
			received++
			if res.err == nil {
				return res.value, nil
			}
			if firstErr == nil {
				firstErr = res.err
			}
			if received == launched {
				return zero, firstErr
			}
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// retry re-runs attempt on retriable failures with decorrelated-jitter
// backoff. A nil schedule means a single attempt.
func retry[T any](ctx context.Context, attempt func(context.Context) (T, error), sched *Schedule) (T, error) {
	if sched == nil {
		return attempt(ctx)
	}

	var zero T
	start := time.Now()
	delay := time.Duration(0)

	var lastErr error
	for i := 0; i < sched.MaxAttempts; i++ {
		result, err := attempt(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !Retriable(err) || ctx.Err() != nil {
			return zero, err
		}
		if i == sched.MaxAttempts-1 {
			break
		}

		delay = sched.Delay(delay)
		if sched.Cap > 0 && time.Since(start)+delay > sched.Cap {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}

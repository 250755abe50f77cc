package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/portalhq/backend/internal/apperr"
	"github.com/portalhq/backend/internal/requestctx"
)

// RateLimiter enforces a per-tenant sliding window. Each window tracks the
// request count for one key; expired windows are garbage-collected by a
// background janitor.
type RateLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	windows map[string]*rateWindow

	stop chan struct{}
	now  func() time.Time
}

type rateWindow struct {
	count int
	start time.Time
}

// NewRateLimiter builds a limiter allowing limit requests per window per
// tenant and starts the cleanup janitor. Call Stop to release it.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 300
	}
	if window <= 0 {
		window = time.Minute
	}
	rl := &RateLimiter{
		limit:   limit,
		window:  window,
		windows: make(map[string]*rateWindow),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go rl.janitor()
	return rl
}

// Stop terminates the cleanup janitor.
func (rl *RateLimiter) Stop() {
	close(rl.stop)
}

// Take consumes one unit of budget for key and reports the resulting
// allowance. The returned budget is attached to the request context whether
// or not the request was admitted.
func (rl *RateLimiter) Take(key string) (requestctx.RateLimit, bool) {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) >= rl.window {
		w = &rateWindow{start: now}
		rl.windows[key] = w
	}
	w.count++

	budget := requestctx.RateLimit{
		Limit:      rl.limit,
		Remaining:  rl.limit - w.count,
		ResetAfter: w.start.Add(rl.window).Sub(now),
	}
	if w.count > rl.limit {
		budget.Delay = budget.ResetAfter
		return budget, false
	}
	return budget, true
}

// Middleware attaches the rate-limit budget to the ambient context and
// rejects requests over the limit. Runs after ingress so the tenant is
// known.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := requestctx.Current(r.Context())
		budget, allowed := rl.Take(string(rc.TenantID))
		rc.RateLimit = &budget
		r = r.WithContext(requestctx.With(r.Context(), rc))

		if !allowed {
			retryAfter := int(budget.Delay / time.Second)
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			WriteError(w, "rate_limit", apperr.RateLimit("tenant budget exhausted"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) janitor() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			now := rl.now()
			rl.mu.Lock()
			for key, w := range rl.windows {
				if now.Sub(w.start) >= 2*rl.window {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

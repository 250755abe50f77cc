package cache

import (
	"net/http"
	"strconv"
	"time"

	"github.com/portalhq/backend/internal/requestctx"
)

// RateLimitHeaders injects the rate-limit response headers when the request
// context carries a budget. Remaining is clamped to [0, limit] so the
// header never reports a negative or overflowing budget, and reset is
// expressed as seconds since the epoch.
func RateLimitHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rc, ok := requestctx.FromContext(r.Context()); ok && rc.RateLimit != nil {
			writeRateLimitHeaders(w, rc.RateLimit, time.Now())
		}
		next.ServeHTTP(w, r)
	})
}

func writeRateLimitHeaders(w http.ResponseWriter, rl *requestctx.RateLimit, now time.Time) {
	remaining := rl.Remaining
	if remaining < 0 {
		remaining = 0
	}
	if remaining > rl.Limit {
		remaining = rl.Limit
	}
	reset := now.Add(rl.ResetAfter).Unix()

	h := w.Header()
	h.Set(requestctx.HeaderRateLimitLimit, strconv.Itoa(rl.Limit))
	h.Set(requestctx.HeaderRateLimitRemaining, strconv.Itoa(remaining))
	h.Set(requestctx.HeaderRateLimitReset, strconv.FormatInt(reset, 10))
}

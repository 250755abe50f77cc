package middleware

import (
	"net/http"

	"github.com/portalhq/backend/internal/apperr"
	"github.com/portalhq/backend/internal/requestctx"
)

// RequireCSRF rejects mutating requests that do not carry the
// x-requested-with header. Browsers cannot set it cross-origin without a
// CORS preflight, so its presence proves a same-origin caller.
func RequireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get(requestctx.HeaderCSRF) == "" {
			WriteError(w, "csrf", apperr.Forbidden("missing "+requestctx.HeaderCSRF+" header"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/portalhq/backend/internal/resilience"
)

// Resilient runs a mutation handler under the resilience combinator, so
// every request through the route shares the configured breaker and
// bulkhead.
func Resilient(name string, opts resilience.Options, h MutationHandler) MutationHandler {
	return func(r *http.Request, body []byte) (json.RawMessage, error) {
		return resilience.Run(r.Context(), name, func(ctx context.Context) (json.RawMessage, error) {
			return h(r.WithContext(ctx), body)
		}, opts)
	}
}

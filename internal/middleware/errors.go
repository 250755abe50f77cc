// Package middleware assembles the HTTP boundary of the platform: request
// ingress (correlation IDs, tenant auth), the sliding-window rate limiter,
// the CSRF check, the idempotency wrapper, and the error collapse writer.
package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/portalhq/backend/internal/apperr"
)

// WriteError collapses err through the boundary catalog and writes the
// stable {_tag, message} shape. Cause chains and stack traces never reach
// the client.
func WriteError(w http.ResponseWriter, label string, err error) {
	e := apperr.MapTo(label, err)
	if e.Tag == apperr.TagInternal {
		slog.Error("[HTTP] Internal error at boundary", "label", label, "error", err)
	}
	WriteJSON(w, apperr.StatusOf(e.Tag), e)
}

// WriteJSON writes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("[HTTP] Response encode failed", "error", err)
	}
}

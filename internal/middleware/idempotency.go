package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"unicode/utf8"

	"github.com/portalhq/backend/internal/apperr"
	"github.com/portalhq/backend/internal/idempotency"
	"github.com/portalhq/backend/internal/requestctx"
)

// maxIdempotencyKeyLen caps the client-supplied key.
const maxIdempotencyKeyLen = 128

// MutationHandler is an HTTP mutation expressed over its JSON body.
type MutationHandler func(r *http.Request, body []byte) (json.RawMessage, error)

// Idempotent wraps a mutation behind the idempotency gate keyed by
// resource/action. Requests without an Idempotency-Key run unguarded.
func Idempotent(gate *idempotency.Gate, resource, action string, handler MutationHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		label := resource + "." + action

		body, err := io.ReadAll(r.Body)
		if err != nil {
			WriteError(w, label, apperr.Validation("body", "unreadable request body"))
			return
		}

		key := r.Header.Get(requestctx.HeaderIdempotencyKey)
		if len(key) > maxIdempotencyKeyLen || !utf8.ValidString(key) {
			WriteError(w, label, apperr.Validation(requestctx.HeaderIdempotencyKey, "must be valid UTF-8 of at most 128 chars"))
			return
		}

		run := func() (json.RawMessage, error) {
			if key == "" {
				return handler(r, body)
			}
			tenant := string(requestctx.CurrentTenantID(r.Context()))
			return gate.Execute(r.Context(), tenant, resource, action, key, body,
				func(ctx context.Context) (json.RawMessage, error) {
					return handler(r.WithContext(ctx), body)
				})
		}

		result, err := run()
		if err != nil {
			WriteError(w, label, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

// Package idempotency implements the replay protocol for client-keyed
// mutations: first writer wins, completed results replay, divergent or
// in-flight retries conflict.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/portalhq/backend/internal/apperr"
	"github.com/portalhq/backend/internal/cache"
)

// TTL bounds how long a record pins its result.
const TTL = 24 * time.Hour

const (
	statusPending   = "pending"
	statusCompleted = "completed"
)

// record is the stored protocol state. The schema is stable.
type record struct {
	Status      string          `json:"status"`
	BodyHash    string          `json:"bodyHash"`
	Result      json.RawMessage `json:"result,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Gate guards mutations behind idempotency keys.
type Gate struct {
	cache *cache.Service
}

// New builds a gate over the shared cache.
func New(c *cache.Service) *Gate {
	return &Gate{cache: c}
}

const store = "idempotency"

func cacheKey(tenantID, resource, action, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s:%s", tenantID, resource, action, key)
}

// BodyHash hashes the canonical form of a JSON body: objects re-serialize
// with sorted keys at every depth so semantically equal bodies collide.
func BodyHash(body []byte) (string, error) {
	canon, err := canonicalize(body)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalize(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return []byte("null"), nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return marshalCanonical(v)
}

// marshalCanonical renders maps with sorted keys. encoding/json already
// sorts map keys, but nested encoding must stay recursive so arrays of
// objects canonicalize too.
func marshalCanonical(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			vb, err := marshalCanonical(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, kb...)
			out = append(out, ':')
			out = append(out, vb...)
		}
		return append(out, '}'), nil
	case []any:
		out := []byte{'['}
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			ib, err := marshalCanonical(item)
			if err != nil {
				return nil, err
			}
			out = append(out, ib...)
		}
		return append(out, ']'), nil
	default:
		return json.Marshal(v)
	}
}

// Execute runs handler under the idempotency protocol. The returned bytes
// are the handler result, possibly replayed from a completed record.
func (g *Gate) Execute(ctx context.Context, tenantID, resource, action, key string, body []byte, handler func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	bodyHash, err := BodyHash(body)
	if err != nil {
		return nil, apperr.Validation("body", "malformed JSON body")
	}

	ck := cacheKey(tenantID, resource, action, key)
	pending := record{Status: statusPending, BodyHash: bodyHash}

	res, err := g.cache.SetNX(ctx, store, ck, pending, TTL)
	if err != nil {
		return nil, apperr.Infra("IdempotencyStoreUnavailable", err)
	}

	if res.AlreadyExists {
		return g.resolveExisting(ctx, ck, bodyHash)
	}

	result, err := handler(ctx)
	if err != nil {
		// No negative caching: a failed mutation may be retried verbatim.
		if delErr := g.cache.Del(ctx, store, ck); delErr != nil {
			// The pending record will age out at the TTL.
			_ = delErr
		}
		return nil, err
	}

	now := time.Now().UTC()
	completed := record{Status: statusCompleted, BodyHash: bodyHash, Result: result, CompletedAt: &now}
	if err := g.cache.Set(ctx, store, ck, completed, TTL); err != nil {
		return result, nil
	}
	return result, nil
}

func (g *Gate) resolveExisting(ctx context.Context, ck, bodyHash string) (json.RawMessage, error) {
	rec, ok := cache.Get[record](g.cache, ctx, store, ck)
	if !ok {
		// The record vanished between setNX and the load; treat as in
		// flight so the caller retries.
		return nil, apperr.Conflict("idempotency", "in_flight")
	}

	switch {
	case rec.Status == statusCompleted && rec.BodyHash == bodyHash:
		return rec.Result, nil
	case rec.Status == statusCompleted:
		return nil, apperr.Conflict("idempotency", "body_mismatch")
	default:
		return nil, apperr.Conflict("idempotency", "in_flight")
	}
}

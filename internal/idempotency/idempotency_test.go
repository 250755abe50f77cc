package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portalhq/backend/internal/apperr"
	"github.com/portalhq/backend/internal/cache"
)

const tenant = "00000000-0000-7000-8000-000000000555"

func newGate() *Gate {
	return New(cache.New(cache.NewMemoryClient()))
}

func execute(g *Gate, key string, body []byte, handler func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	return g.Execute(context.Background(), tenant, "orders", "create", key, body, handler)
}

func TestFirstCallRunsHandler(t *testing.T) {
	g := newGate()
	var calls atomic.Int32

	got, err := execute(g, "k1", []byte(`{"sku":"a"}`), func(context.Context) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`{"orderId":"o-1"}`), nil
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"orderId":"o-1"}`, string(got))
	assert.Equal(t, int32(1), calls.Load())
}

func TestReplayReturnsCachedResult(t *testing.T) {
	g := newGate()
	var calls atomic.Int32
	handler := func(context.Context) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`{"orderId":"o-1"}`), nil
	}

	_, err := execute(g, "k1", []byte(`{"sku":"a"}`), handler)
	require.NoError(t, err)

	got, err := execute(g, "k1", []byte(`{"sku":"a"}`), handler)
	require.NoError(t, err)
	assert.JSONEq(t, `{"orderId":"o-1"}`, string(got))
	assert.Equal(t, int32(1), calls.Load(), "replay must not invoke the handler")
}

func TestReplayIgnoresKeyOrder(t *testing.T) {
	g := newGate()
	var calls atomic.Int32
	handler := func(context.Context) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`"ok"`), nil
	}

	_, err := execute(g, "k1", []byte(`{"a":1,"b":{"y":2,"x":1}}`), handler)
	require.NoError(t, err)

	// Same body, different key order: canonical hashing treats it as a replay.
	_, err = execute(g, "k1", []byte(`{"b":{"x":1,"y":2},"a":1}`), handler)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBodyMismatchConflicts(t *testing.T) {
	g := newGate()
	handler := func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`"ok"`), nil
	}

	_, err := execute(g, "k1", []byte(`{"sku":"a"}`), handler)
	require.NoError(t, err)

	_, err = execute(g, "k1", []byte(`{"sku":"b"}`), handler)
	require.Error(t, err)
	assert.Equal(t, apperr.TagConflict, apperr.TagOf(err))
	assert.Contains(t, err.Error(), "body_mismatch")
}

func TestInFlightConflicts(t *testing.T) {
	g := newGate()
	started := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_, _ = execute(g, "k1", []byte(`{}`), func(context.Context) (json.RawMessage, error) {
			close(started)
			<-release
			return json.RawMessage(`"ok"`), nil
		})
	}()
	<-started

	_, err := execute(g, "k1", []byte(`{}`), func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`"never"`), nil
	})
	require.Error(t, err)
	assert.Equal(t, apperr.TagConflict, apperr.TagOf(err))
	assert.Contains(t, err.Error(), "in_flight")
	close(release)
}

func TestHandlerFailureAllowsRetry(t *testing.T) {
	g := newGate()
	var calls atomic.Int32

	_, err := execute(g, "k1", []byte(`{}`), func(context.Context) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errors.New("downstream unavailable")
	})
	require.Error(t, err)

	// The failed attempt left no record, the retry runs the handler again.
	got, err := execute(g, "k1", []byte(`{}`), func(context.Context) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`"ok"`), nil
	})
	require.NoError(t, err)
	assert.JSONEq(t, `"ok"`, string(got))
	assert.Equal(t, int32(2), calls.Load())
}

func TestKeysAreTenantScoped(t *testing.T) {
	g := newGate()
	var calls atomic.Int32
	handler := func(context.Context) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`"ok"`), nil
	}

	_, err := g.Execute(context.Background(), "tenant-a", "orders", "create", "k1", []byte(`{}`), handler)
	require.NoError(t, err)
	_, err = g.Execute(context.Background(), "tenant-b", "orders", "create", "k1", []byte(`{}`), handler)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMalformedBodyRejected(t *testing.T) {
	g := newGate()
	_, err := execute(g, "k1", []byte(`{not json`), func(context.Context) (json.RawMessage, error) {
		t.Fatal("handler must not run for a malformed body")
		return nil, nil
	})
	require.Error(t, err)
	assert.Equal(t, apperr.TagValidation, apperr.TagOf(err))
}

func TestBodyHashCanonical(t *testing.T) {
	a, err := BodyHash([]byte(`{"a":1,"b":[{"y":2,"x":1}]}`))
	require.NoError(t, err)
	b, err := BodyHash([]byte(`{"b":[{"x":1,"y":2}],"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := BodyHash([]byte(`{"a":2}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	empty, err := BodyHash(nil)
	require.NoError(t, err)
	assert.NotEmpty(t, empty)
}

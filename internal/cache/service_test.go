package cache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portalhq/backend/internal/requestctx"
)

type profile struct {
	Name  string `json:"name"`
	Plan  string `json:"plan"`
	Seats int    `json:"seats"`
}

func TestKVRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := New(NewMemoryClient())

	want := profile{Name: "acme", Plan: "pro", Seats: 12}
	require.NoError(t, svc.Set(ctx, "profiles", "acme", want, time.Minute))

	got, ok := Get[profile](svc, ctx, "profiles", "acme")
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestKVMissReturnsZero(t *testing.T) {
	svc := New(NewMemoryClient())
	got, ok := Get[profile](svc, context.Background(), "profiles", "ghost")
	assert.False(t, ok)
	assert.Zero(t, got)
}

func TestKVCorruptEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	client := NewMemoryClient()
	svc := New(client)

	// Bypass the service so the stored bytes are not a valid envelope.
	require.NoError(t, client.Set(ctx, KeyPrefix+"acme", "{not json", time.Minute))

	_, ok := Get[profile](svc, ctx, "profiles", "acme")
	assert.False(t, ok)
}

func TestKVExpiredEnvelopeIsMiss(t *testing.T) {
	ctx := context.Background()
	client := NewMemoryClient()
	svc := New(client)

	require.NoError(t, svc.Set(ctx, "profiles", "acme", profile{Name: "acme"}, time.Minute))

	// The driver still holds the key but the envelope deadline has passed.
	raw, found, err := client.Get(ctx, KeyPrefix+"acme")
	require.NoError(t, err)
	require.True(t, found)
	_ = raw

	client.Now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, ok := Get[profile](svc, ctx, "profiles", "acme")
	assert.False(t, ok)
}

type failingClient struct {
	*MemoryClient
	err error
}

func (f *failingClient) Get(context.Context, string) (string, bool, error) {
	return "", false, f.err
}

func (f *failingClient) SMembers(context.Context, string) ([]string, error) {
	return nil, f.err
}

func TestKVDriverErrorIsMiss(t *testing.T) {
	svc := New(&failingClient{NewMemoryClient(), errors.New("connection refused")})
	_, ok := Get[profile](svc, context.Background(), "profiles", "acme")
	assert.False(t, ok)
}

func TestSetNX(t *testing.T) {
	ctx := context.Background()
	svc := New(NewMemoryClient())

	first, err := svc.SetNX(ctx, "locks", "job-1", "owner-a", time.Minute)
	require.NoError(t, err)
	assert.False(t, first.AlreadyExists)
	assert.Equal(t, "job-1", first.Key)

	second, err := svc.SetNX(ctx, "locks", "job-1", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, second.AlreadyExists)

	// The original value survives the losing attempt.
	got, ok := Get[string](svc, ctx, "locks", "job-1")
	require.True(t, ok)
	assert.Equal(t, "owner-a", got)
}

func TestInvalidatePatternEscapesMetacharacters(t *testing.T) {
	ctx := context.Background()
	svc := New(NewMemoryClient())

	// Store names containing regex metacharacters must be matched literally.
	require.NoError(t, svc.Set(ctx, "u.s$r", "u.s$r:3", "a", time.Minute))
	require.NoError(t, svc.Set(ctx, "u.s$r", "user:1", "b", time.Minute))

	removed := svc.InvalidateLocal(ctx, "u.s$r", "u.s$r:*")
	assert.Equal(t, 1, removed)

	_, ok := Get[string](svc, ctx, "u.s$r", "u.s$r:3")
	assert.False(t, ok)
	got, ok := Get[string](svc, ctx, "u.s$r", "user:1")
	require.True(t, ok)
	assert.Equal(t, "b", got)
}

func TestInvalidateUnknownStore(t *testing.T) {
	svc := New(NewMemoryClient())
	assert.Equal(t, 0, svc.InvalidateLocal(context.Background(), "nope", "*"))
}

func TestInvalidateExactKey(t *testing.T) {
	ctx := context.Background()
	svc := New(NewMemoryClient())

	require.NoError(t, svc.Set(ctx, "profiles", "acme", "a", time.Minute))
	require.NoError(t, svc.Set(ctx, "profiles", "acme-2", "b", time.Minute))

	removed := svc.InvalidateLocal(ctx, "profiles", "acme")
	assert.Equal(t, 1, removed)
	_, ok := Get[string](svc, ctx, "profiles", "acme-2")
	assert.True(t, ok)
}

func TestInvalidateFansOutAcrossNodes(t *testing.T) {
	ctx := context.Background()
	client := NewMemoryClient()

	nodeA := New(client)
	nodeB := New(client)
	require.NoError(t, nodeB.StartInvalidationListener(ctx))
	defer nodeB.Close()

	require.NoError(t, nodeA.Set(ctx, "profiles", "acme", "a", time.Minute))
	require.NoError(t, nodeB.Set(ctx, "profiles", "acme", "a", time.Minute))

	removed, err := nodeA.Invalidate(ctx, "profiles", "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// Node B's registry was drained by the published invalidation.
	assert.Equal(t, 0, nodeB.InvalidateLocal(ctx, "profiles", "acme"))
}

func TestTouchSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, time.Second},
		{-time.Second, time.Second},
		{500 * time.Millisecond, time.Second},
		{time.Second, time.Second},
		{1500 * time.Millisecond, 2 * time.Second},
		{90 * time.Second, 90 * time.Second},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, TouchSeconds(tc.in), "TouchSeconds(%v)", tc.in)
	}
}

func TestSetOpsEmptyMembersNoOp(t *testing.T) {
	ctx := context.Background()
	svc := New(NewMemoryClient())

	require.NoError(t, svc.SetAdd(ctx, "room:t1:r1"))
	assert.Empty(t, svc.SetMembers(ctx, "room:t1:r1"))

	require.NoError(t, svc.SetAdd(ctx, "room:t1:r1", "s1", "s2"))
	assert.ElementsMatch(t, []string{"s1", "s2"}, svc.SetMembers(ctx, "room:t1:r1"))

	require.NoError(t, svc.SetRemove(ctx, "room:t1:r1"))
	assert.ElementsMatch(t, []string{"s1", "s2"}, svc.SetMembers(ctx, "room:t1:r1"))

	require.NoError(t, svc.SetRemove(ctx, "room:t1:r1", "s1"))
	assert.ElementsMatch(t, []string{"s2"}, svc.SetMembers(ctx, "room:t1:r1"))
}

func TestSetMembersDriverErrorDegrades(t *testing.T) {
	svc := New(&failingClient{NewMemoryClient(), errors.New("down")})
	members := svc.SetMembers(context.Background(), "room:t1:r1")
	assert.NotNil(t, members)
	assert.Empty(t, members)
}

func TestPresenceLifecycle(t *testing.T) {
	ctx := context.Background()
	client := NewMemoryClient()
	svc := New(client)

	entry := PresenceEntry{UserID: "u-9", ConnectedAt: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, svc.PresenceSet(ctx, "t1", "sock-1", entry, time.Minute))

	// A row that does not decode against the schema is dropped silently.
	require.NoError(t, client.HSet(ctx, "presence:t1", "sock-bad", "{"))
	require.NoError(t, client.HSet(ctx, "presence:t1", "sock-empty", "{}"))

	all := svc.PresenceAll(ctx, "t1")
	require.Len(t, all, 1)
	assert.Equal(t, entry.UserID, all["sock-1"].UserID)

	require.NoError(t, svc.PresenceRemove(ctx, "t1", "sock-1"))
	assert.Empty(t, svc.PresenceAll(ctx, "t1"))
}

func TestPresenceTTLExpiry(t *testing.T) {
	ctx := context.Background()
	client := NewMemoryClient()
	svc := New(client)

	require.NoError(t, svc.PresenceSet(ctx, "t1", "sock-1", PresenceEntry{UserID: "u"}, time.Minute))
	client.Now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.Empty(t, svc.PresenceAll(ctx, "t1"))
}

func TestCheckHealth(t *testing.T) {
	svc := New(NewMemoryClient())
	h := svc.CheckHealth(context.Background())
	assert.True(t, h.Connected)
	assert.Greater(t, h.LatencyMs, int64(0))
}

type deadClient struct{ *MemoryClient }

func (deadClient) Ping(context.Context) (string, error) {
	return "", errors.New("refused")
}

func TestCheckHealthDisconnected(t *testing.T) {
	svc := New(deadClient{NewMemoryClient()})
	h := svc.CheckHealth(context.Background())
	assert.False(t, h.Connected)
	assert.Equal(t, int64(0), h.LatencyMs)
}

func TestRateLimitHeaders(t *testing.T) {
	tests := []struct {
		name          string
		rl            *requestctx.RateLimit
		wantLimit     string
		wantRemaining string
	}{
		{"within budget", &requestctx.RateLimit{Limit: 100, Remaining: 42, ResetAfter: time.Minute}, "100", "42"},
		{"negative clamps to zero", &requestctx.RateLimit{Limit: 100, Remaining: -3, ResetAfter: time.Minute}, "100", "0"},
		{"overflow clamps to limit", &requestctx.RateLimit{Limit: 100, Remaining: 250, ResetAfter: time.Minute}, "100", "100"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			writeRateLimitHeaders(rec, tc.rl, now)

			assert.Equal(t, tc.wantLimit, rec.Header().Get(requestctx.HeaderRateLimitLimit))
			assert.Equal(t, tc.wantRemaining, rec.Header().Get(requestctx.HeaderRateLimitRemaining))
			wantReset := strconv.FormatInt(now.Add(tc.rl.ResetAfter).Unix(), 10)
			assert.Equal(t, wantReset, rec.Header().Get(requestctx.HeaderRateLimitReset))
		})
	}
}

func TestRateLimitMiddlewareSkipsWithoutBudget(t *testing.T) {
	handler := RateLimitHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Empty(t, rec.Header().Get(requestctx.HeaderRateLimitLimit))
}

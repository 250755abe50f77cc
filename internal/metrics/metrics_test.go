package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portalhq/backend/internal/apperr"
)

// ============================================================================
// LABEL SANITIZATION
// ============================================================================

func TestLabels_DropsNil(t *testing.T) {
	out := Labels(map[string]any{"a": "1", "b": nil})
	assert.Equal(t, map[string]string{"a": "1"}, out)
}

func TestLabels_Truncates(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	out := Labels(map[string]any{"v": string(long)})
	assert.Len(t, out["v"], MaxLabelLen)
}

func TestLabels_TruncatesOnRuneBoundary(t *testing.T) {
	// A two-byte rune straddling the byte cap must be dropped whole, so a
	// second sanitizing pass sees valid UTF-8 and changes nothing.
	in := strings.Repeat("a", MaxLabelLen-1) + "é"
	once := Labels(map[string]any{"v": in})

	assert.True(t, utf8.ValidString(once["v"]))
	assert.Equal(t, strings.Repeat("a", MaxLabelLen-1), once["v"])

	again := Labels(map[string]any{"v": once["v"]})
	assert.Equal(t, once, again)
}

func TestLabels_StripsControlChars(t *testing.T) {
	out := Labels(map[string]any{"v": "a\x00b\x1fc\x7fd\ne"})
	assert.Equal(t, "abcde", out["v"])

	for _, b := range []byte(out["v"]) {
		assert.Greater(t, b, byte(0x1F))
		assert.NotEqual(t, byte(0x7F), b)
	}
}

func TestLabels_Idempotent(t *testing.T) {
	in := map[string]any{"a": "hello\x01world", "b": 42, "c": nil}
	once := Labels(in)

	again := make(map[string]any, len(once))
	for k, v := range once {
		again[k] = v
	}
	assert.Equal(t, once, Labels(again))
}

func TestErrorTag(t *testing.T) {
	assert.Equal(t, "Conflict", ErrorTag(apperr.Conflict("a", "b")))
	assert.Equal(t, "*errors.errorString", ErrorTag(errors.New("plain")))
	assert.Equal(t, "Unknown", ErrorTag(nil))
	assert.Equal(t, "Unknown", ErrorTag(42))
}

// ============================================================================
// URL NORMALIZATION
// ============================================================================

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{"/apps/0191e2f3-aaaa-7bbb-8ccc-0123456789ab/docs", "/apps/:id/docs"},
		{"/jobs/12345", "/jobs/:num"},
		{"/jobs/7", "/jobs/:num"},
		{"/blobs/deadbeefdeadbeef", "/blobs/:hash"},
		{"/blobs/DEADBEEFDEADBEEFDEADBEEF", "/blobs/:hash"},
		{"/keys/tok_a1b2c3d4e5", "/keys/:token"},
		{"/organizations/members", "/organizations/members"},
		{"/", "/"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.out, NormalizePath(tt.in), "path=%s", tt.in)
	}

	// Opaque token: 12+ chars containing digits.
	assert.Equal(t, "/keys/:token", NormalizePath("/keys/sk-live-4f9x2"))
}

// ============================================================================
// TRACKING
// ============================================================================

func newTestRegistry(t *testing.T) (*Registry, *prometheus.Registry) {
	t.Helper()
	prom := prometheus.NewRegistry()
	return New(prom), prom
}

func TestTrackEffect_PreservesValueAndError(t *testing.T) {
	m, _ := newTestRegistry(t)
	ctx := context.Background()

	v, err := TrackEffect(m, ctx, "load", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	boom := apperr.NotFound("doc", "d-1")
	_, err = TrackEffect(m, ctx, "load", func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)

	count := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("load", "NotFound"))
	assert.Equal(t, 1.0, count)
}

func TestTrackJob(t *testing.T) {
	m, _ := newTestRegistry(t)

	_, err := TrackJob(m, context.Background(), "email", JobSubmit, "", func(context.Context) (string, error) {
		return "job-1", nil
	})
	require.NoError(t, err)

	ok := testutil.ToFloat64(m.JobsTotal.WithLabelValues("email", "submit", "normal", "ok"))
	assert.Equal(t, 1.0, ok)
}

func TestTrackStream_CountsItems(t *testing.T) {
	m, _ := newTestRegistry(t)

	in := make(chan int, 3)
	in <- 1
	in <- 2
	in <- 3
	close(in)

	var got []int
	for v := range TrackStream(m, "jobs", in) {
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2, 3}, got)

	count := testutil.ToFloat64(m.StreamItems.WithLabelValues("jobs"))
	assert.Equal(t, 3.0, count)
}

func TestMiddleware_NormalizesPath(t *testing.T) {
	m, _ := newTestRegistry(t)

	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/apps/0191e2f3-aaaa-7bbb-8ccc-0123456789ab", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	count := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("POST", "/apps/:id", "201"))
	assert.Equal(t, 1.0, count)
}

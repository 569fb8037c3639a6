package ratelimit_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mendbot/mendbot/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(max int64, window time.Duration, trustProxy bool) http.Handler {
	limiter := ratelimit.NewLimiter(
		ratelimit.Config{Max: max, Window: window},
		nil,
		ratelimit.NewMemoryStore(100),
		nil,
	)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return ratelimit.Middleware(limiter, ratelimit.MiddlewareConfig{
		Methods:  []string{http.MethodPost},
		ClientIP: ratelimit.ClientIPConfig{TrustProxyHeaders: trustProxy},
	}, ok)
}

func doPost(handler http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_EnforcesLimit(t *testing.T) {
	handler := newTestHandler(2, time.Second, false)

	first := doPost(handler, "9.9.9.9:1234")
	second := doPost(handler, "9.9.9.9:1234")
	third := doPost(handler, "9.9.9.9:1234")

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, http.StatusTooManyRequests, third.Code)

	assert.NotEmpty(t, third.Header().Get("Retry-After"))
	assert.Equal(t, "0", third.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, third.Header().Get("X-RateLimit-Reset"))
	assert.JSONEq(t, `{"error":"rate limit exceeded","retryAfter":1}`, third.Body.String())
}

func TestMiddleware_QuotaHeadersOnSuccess(t *testing.T) {
	handler := newTestHandler(5, time.Minute, false)

	rec := doPost(handler, "9.9.9.9:1234")
	assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestMiddleware_OptionsBypassesLimiting(t *testing.T) {
	handler := newTestHandler(1, time.Minute, false)

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodOptions, "/webhook", nil)
		req.RemoteAddr = "9.9.9.9:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestMiddleware_UnlistedMethodBypasses(t *testing.T) {
	handler := newTestHandler(1, time.Minute, false)

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "9.9.9.9:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestMiddleware_KeysPerClient(t *testing.T) {
	handler := newTestHandler(1, time.Minute, false)

	assert.Equal(t, http.StatusOK, doPost(handler, "1.1.1.1:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, doPost(handler, "1.1.1.1:2").Code)
	assert.Equal(t, http.StatusOK, doPost(handler, "2.2.2.2:1").Code)
}

package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hedgecoord/internal/executor"
	"github.com/alanyoungcy/hedgecoord/internal/server/handler"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingLimiter allows the first n requests per key.
type countingLimiter struct {
	mu   sync.Mutex
	n    int
	seen map[string]int
}

func (l *countingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen == nil {
		l.seen = make(map[string]int)
	}
	l.seen[key]++
	return l.seen[key] <= l.n, nil
}

func newTestServer(t *testing.T, cfg Config, limiter *countingLimiter) http.Handler {
	t.Helper()
	logger := discardLogger()
	handlers := Handlers{
		Health: handler.NewHealthHandler(nil, logger),
		Locks:  handler.NewLockHandler(executor.NewLockTable(logger), logger),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("# metrics\n"))
		}),
		Terminals: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		},
	}
	if limiter == nil {
		return NewServer(cfg, handlers, nil, logger).Handler()
	}
	return NewServer(cfg, handlers, limiter, logger).Handler()
}

func do(h http.Handler, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAPIKeyProtectsAdminRoutesOnly(t *testing.T) {
	h := newTestServer(t, Config{Port: 8080, APIKey: "k"}, nil)

	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/locks", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/locks", map[string]string{"X-API-Key": "wrong"}).Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/locks", map[string]string{"X-API-Key": "k"}).Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/locks", map[string]string{"Authorization": "Bearer k"}).Code)

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/health", nil).Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/metrics", nil).Code)
	// Terminals send their own token in Authorization.
	assert.Equal(t, http.StatusAccepted,
		do(h, http.MethodGet, "/ws", map[string]string{"Authorization": "Bearer terminal-token"}).Code)
}

func TestRoutesAndMethods(t *testing.T) {
	h := newTestServer(t, Config{Port: 8080}, nil)

	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/api/locks/release-all", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodGet, "/api/locks/release-all", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/conflicts", nil).Code, "nil handler leaves route unregistered")
}

func TestRateLimitSkipsPublicPaths(t *testing.T) {
	limiter := &countingLimiter{n: 2}
	h := newTestServer(t, Config{Port: 8080, RateLimit: 2}, limiter)

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/locks", nil).Code)
	}
	rec := do(h, http.MethodGet, "/api/locks", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/health", nil).Code)
	}
	assert.Equal(t, 3, limiter.seen["api:192.0.2.1"])
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer(t, Config{Port: 8080, CORSOrigins: []string{"http://ops.local"}}, nil)
	rec := do(h, http.MethodOptions, "/api/locks", map[string]string{"Origin": "http://ops.local"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://ops.local", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Retry-After", rec.Header().Get("Access-Control-Expose-Headers"))

	rec = do(h, http.MethodOptions, "/api/locks", map[string]string{"Origin": "http://evil.local"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAddr(t *testing.T) {
	s := NewServer(Config{Host: "0.0.0.0", Port: 9090}, Handlers{}, nil, discardLogger())
	assert.Equal(t, "0.0.0.0:9090", s.Addr())
}

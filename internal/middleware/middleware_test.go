package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialsense/stack/internal/logging"
	"github.com/socialsense/stack/internal/metrics"
)

func testLogger(buf *bytes.Buffer) *logging.Logger {
	l := logging.New("test", "info", "json")
	l.SetOutput(buf)
	return l
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestTracingPropagatesTraceID(t *testing.T) {
	var buf bytes.Buffer
	var captured string
	h := NewTracingMiddleware(testLogger(&buf)).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = logging.GetTraceID(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set(TraceHeader, "trace-456")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "trace-456", captured)
	assert.Equal(t, "trace-456", rec.Header().Get(TraceHeader))

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, float64(http.StatusAccepted), line["status"])
	assert.Equal(t, "trace-456", line["trace_id"])
}

func TestTracingGeneratesTraceID(t *testing.T) {
	var buf bytes.Buffer
	h := NewTracingMiddleware(testLogger(&buf)).Handler(okHandler)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Len(t, rec.Header().Get(TraceHeader), 36)
}

func TestMetricsMiddlewareUsesRouteTemplate(t *testing.T) {
	m := metrics.New()
	r := mux.NewRouter()
	r.Use(MetricsMiddleware("app", m))
	r.Handle("/status/{service}", okHandler)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/redis", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	scrape := httptest.NewRecorder()
	m.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, scrape.Body.String(), `path="/status/{service}"`)
}

type countingRecorder struct{ n int }

func (c *countingRecorder) RecordRateLimited(string) { c.n++ }

func TestRateLimiterRejectsOverBurst(t *testing.T) {
	var buf bytes.Buffer
	rec := &countingRecorder{}
	rl := NewRateLimiter(1, 2, testLogger(&buf), rec)
	h := rl.Handler(okHandler)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		codes = append(codes, w.Code)
		if w.Code == http.StatusTooManyRequests {
			assert.Equal(t, "1", w.Header().Get("Retry-After"))
			assert.Contains(t, w.Body.String(), "rate limit exceeded")
		}
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
	assert.Equal(t, 1, rec.n)
	assert.Contains(t, buf.String(), "rate_limit_exceeded")

	other := httptest.NewRequest(http.MethodGet, "/status", nil)
	other.RemoteAddr = "10.0.0.2:5555"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, other)
	assert.Equal(t, http.StatusOK, w.Code)
}

type routeRecorder struct{ routes map[string]int }

func (c *routeRecorder) RecordRateLimited(route string) { c.routes[route]++ }

func TestRateLimiterLabelsByRouteTemplate(t *testing.T) {
	router := mux.NewRouter()
	router.Handle("/status/{service}", okHandler)
	rec := &routeRecorder{routes: map[string]int{}}
	h := NewRateLimiter(0.001, 1, nil, rec).WithRoutes(router).Handler(router)

	for i := 0; i < 50; i++ {
		for _, path := range []string{fmt.Sprintf("/junk/%d", i), fmt.Sprintf("/status/svc-%d", i)} {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			req.RemoteAddr = "10.0.0.9:5555"
			h.ServeHTTP(httptest.NewRecorder(), req)
		}
	}

	assert.Len(t, rec.routes, 2)
	assert.Equal(t, 49, rec.routes["unmatched"])
	assert.Equal(t, 50, rec.routes["/status/{service}"])
}

func TestRateLimiterWithoutRoutes(t *testing.T) {
	rec := &routeRecorder{routes: map[string]int{}}
	h := NewRateLimiter(0.001, 1, nil, rec).Handler(okHandler)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/random/%d", i), nil)
		req.RemoteAddr = "10.0.0.9:5555"
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	assert.Equal(t, map[string]int{"unmatched": 2}, rec.routes)
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(10, 10, nil, nil)
	now := time.Unix(1700000000, 0)
	rl.now = func() time.Time { return now }
	rl.getLimiter("a")
	now = now.Add(time.Minute)
	rl.getLimiter("b")

	assert.Equal(t, 1, rl.Cleanup(30*time.Second))
	assert.Len(t, rl.limiters, 1)

	ctx, cancel := context.WithCancel(context.Background())
	rl.StartCleanup(ctx, time.Hour)
	cancel()
}

func TestCORSPreflight(t *testing.T) {
	h := NewCORSMiddleware([]string{"https://dash.example.com"}).Handler(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/status", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dash.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.True(t, strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), TraceHeader))
}

func TestCORSOrigins(t *testing.T) {
	h := NewCORSMiddleware([]string{"*.example.com"}).Handler(okHandler)

	for origin, want := range map[string]string{
		"https://a.example.com":    "https://a.example.com",
		"https://evilexample.com":  "",
		"https://example.com.evil": "",
	} {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Header().Get("Access-Control-Allow-Origin"), origin)
	}

	all := NewCORSMiddleware([]string{"*"}).Handler(okHandler)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "https://anything.test")
	rec := httptest.NewRecorder()
	all.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

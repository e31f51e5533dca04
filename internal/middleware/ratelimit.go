package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/socialsense/stack/internal/logging"
)

// RejectionRecorder counts rejected requests by route template.
// *metrics.Metrics implements it.
type RejectionRecorder interface {
	RecordRateLimited(route string)
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token bucket per client address.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	logger   *logging.Logger
	recorder RejectionRecorder
	routes   *mux.Router
	now      func() time.Time
}

func NewRateLimiter(requestsPerSecond float64, burst int, logger *logging.Logger, recorder RejectionRecorder) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		logger:   logger,
		recorder: recorder,
		now:      time.Now,
	}
}

// WithRoutes labels rejections with the template of the matching route in
// router. Without it every rejection is labelled "unmatched".
func (rl *RateLimiter) WithRoutes(router *mux.Router) *RateLimiter {
	rl.routes = router
	return rl
}

func (rl *RateLimiter) routeLabel(r *http.Request) string {
	if rl.routes == nil {
		return unmatchedRoute
	}
	var match mux.RouteMatch
	if rl.routes.Match(r, &match) && match.Route != nil {
		return routeTemplate(match.Route)
	}
	return unmatchedRoute
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, exists := rl.limiters[key]
	if !exists {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = e
	}
	e.lastSeen = rl.now()
	return e.limiter
}

// Handler rejects requests over the limit with 429 and a Retry-After header.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if rl.getLimiter(key).Allow() {
			next.ServeHTTP(w, r)
			return
		}

		if rl.logger != nil {
			rl.logger.LogSecurityEvent(r.Context(), "rate_limit_exceeded", map[string]interface{}{
				"client": key,
				"path":   r.URL.Path,
				"method": r.Method,
			})
		}
		if rl.recorder != nil {
			rl.recorder.RecordRateLimited(rl.routeLabel(r))
		}

		retryAfter := 1
		if rl.rate > 0 && rl.rate < 1 {
			retryAfter = int(1/float64(rl.rate)) + 1
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
}

// clientKey is the remote host without the port.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Cleanup drops limiters idle for longer than maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxIdle)
	removed := 0
	for key, e := range rl.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

// StartCleanup runs Cleanup every interval until ctx ends.
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.Cleanup(interval)
			}
		}
	}()
}

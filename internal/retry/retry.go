// Package retry retries transient failures with exponential backoff and
// guards dependencies with circuit breakers.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// Config controls the backoff schedule.
type Config struct {
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	RateLimitDelay time.Duration
	RateLimitCodes []int
}

// DefaultConfig returns 10 retries starting at 5s, capped at 60s, with a 60s
// base for rate-limited failures (401 and 429).
func DefaultConfig() Config {
	return Config{
		MaxRetries:     10,
		InitialDelay:   5 * time.Second,
		MaxDelay:       60 * time.Second,
		RateLimitDelay: 60 * time.Second,
		RateLimitCodes: []int{http.StatusUnauthorized, http.StatusTooManyRequests},
	}
}

func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries %d: must not be negative", c.MaxRetries)
	}
	if c.InitialDelay <= 0 {
		return fmt.Errorf("initial delay %v: must be positive", c.InitialDelay)
	}
	if c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("max delay %v: must be at least the initial delay", c.MaxDelay)
	}
	if c.RateLimitDelay < 0 {
		return fmt.Errorf("rate limit delay %v: must not be negative", c.RateLimitDelay)
	}
	return nil
}

// Handler runs functions until they succeed, fail permanently or run out of
// attempts.
type Handler struct {
	cfg    Config
	log    logrus.FieldLogger
	jitter func() time.Duration
	sleep  func(context.Context, time.Duration) error
}

func NewHandler(cfg Config, log logrus.FieldLogger) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		cfg: cfg,
		log: log,
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(time.Second)))
		},
		sleep: sleepContext,
	}, nil
}

func (h *Handler) Config() Config { return h.cfg }

// Delay returns the wait before retry attempt n (0-based): base*2^n plus up
// to one second of jitter, capped at MaxDelay.
func (h *Handler) Delay(attempt int, rateLimited bool) time.Duration {
	base := h.cfg.InitialDelay
	if rateLimited {
		base = h.cfg.RateLimitDelay
	}
	d := base
	for i := 0; i < attempt && d < h.cfg.MaxDelay; i++ {
		d *= 2
	}
	d += h.jitter()
	if d > h.cfg.MaxDelay {
		d = h.cfg.MaxDelay
	}
	return d
}

// Do calls fn until it returns nil. Only retryable errors are retried; the
// final error wraps the last failure with the attempt count.
func (h *Handler) Do(ctx context.Context, name string, fn func(context.Context) error) error {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= h.cfg.MaxRetries; attempt++ {
		attempts++
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", name, ctx.Err())
		}
		if !h.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == h.cfg.MaxRetries {
			break
		}

		limited := h.RateLimited(lastErr)
		delay := h.Delay(attempt, limited)
		h.log.WithFields(logrus.Fields{
			"function":     name,
			"attempt":      attempt + 1,
			"max_retries":  h.cfg.MaxRetries,
			"delay":        delay.String(),
			"rate_limited": limited,
		}).WithError(lastErr).Warn("retrying after transient failure")

		if err := h.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, attempts, lastErr)
}

// RateLimited reports whether err carries one of the rate-limit status codes.
func (h *Handler) RateLimited(err error) bool {
	var sc StatusCoder
	if !errors.As(err, &sc) {
		return false
	}
	code := sc.StatusCode()
	for _, c := range h.cfg.RateLimitCodes {
		if c == code {
			return true
		}
	}
	return false
}

// IsRetryable classifies err. Explicitly marked errors, network failures,
// rate limits and 5xx statuses are transient. Context errors and
// everything else are permanent.
func (h *Handler) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var m *retryableError
	if errors.As(err, &m) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return true
	}
	if h.RateLimited(err) {
		return true
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode() >= 500
	}
	return isNetworkError(err)
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET)
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// StatusCoder is implemented by errors that carry a protocol status code.
type StatusCoder interface {
	StatusCode() int
}

// StatusError pairs an error with an HTTP-style status code.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("status %d: %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("status %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error   { return e.Err }
func (e *StatusError) StatusCode() int { return e.Code }

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package bearmemori

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

type retryConfig struct {
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration    // overall timeout across all attempts; 0 = no limit
	retryable   func(error) bool // nil = transient HTTP errors
	logger      *slog.Logger     // nil = nopLogger
}

// RetryOption configures RetryCall.
type RetryOption func(*retryConfig)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(c *retryConfig) { c.maxAttempts = n }
}

// RetryBaseDelay sets the delay before the second attempt (default: 1s).
// Each subsequent delay doubles: baseDelay, 2×baseDelay, 4×baseDelay, …
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(c *retryConfig) { c.baseDelay = d }
}

// RetryTimeout sets the overall timeout for the entire retry sequence. If the
// total time across all attempts exceeds this duration, the retry loop gives up
// and returns the last error. The zero value (default) disables the timeout.
func RetryTimeout(d time.Duration) RetryOption {
	return func(c *retryConfig) { c.timeout = d }
}

// RetryIf sets the predicate deciding whether an error is worth another
// attempt. The default retries transient HTTP errors (429, 503).
func RetryIf(fn func(error) bool) RetryOption {
	return func(c *retryConfig) { c.retryable = fn }
}

// RetryLogger sets the structured logger for retry events. When set, retries
// log at WARN level and final failures after exhausting attempts log at ERROR.
// If not set, a no-op logger is used (no output).
func RetryLogger(l *slog.Logger) RetryOption {
	return func(c *retryConfig) { c.logger = l }
}

// RetryCall calls fn up to the configured number of attempts, sleeping
// between retryable failures. When the error includes a Retry-After
// duration (parsed from the HTTP header), the delay is at least that long.
//
//	resp, err := bearmemori.RetryCall(ctx, "chat", call)
//	resp, err := bearmemori.RetryCall(ctx, "chat", call, bearmemori.RetryMaxAttempts(5))
func RetryCall[T any](ctx context.Context, label string, fn func() (T, error), opts ...RetryOption) (T, error) {
	cfg := retryConfig{
		maxAttempts: 3,
		baseDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.retryable == nil {
		cfg.retryable = isTransient
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	if cfg.timeout > 0 {
		deadline := time.Now().Add(cfg.timeout)
		if existing, ok := ctx.Deadline(); !ok || deadline.Before(existing) {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, deadline)
			defer cancel()
		}
	}

	var zero T
	var last error
	for i := 0; i < cfg.maxAttempts; i++ {
		result, err := fn()
		if err == nil || !cfg.retryable(err) {
			return result, err
		}
		last = err
		cfg.logger.Warn("retrying",
			"op", label,
			"status", statusOf(err),
			"attempt", i+1,
			"max_attempts", cfg.maxAttempts)
		if i < cfg.maxAttempts-1 {
			delay := retryDelay(cfg.baseDelay, i, err)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	cfg.logger.Error("all retry attempts exhausted",
		"op", label,
		"attempts", cfg.maxAttempts,
		"error", last)
	return zero, last
}

// isTransient reports whether err is a retryable HTTP error (429 or 503).
func isTransient(err error) bool {
	var e *ErrHTTP
	return errors.As(err, &e) && (e.Status == 429 || e.Status == 503)
}

// statusOf extracts the HTTP status code from an ErrHTTP, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// retryDelay computes the delay before retry attempt i, using exponential
// backoff as a floor and the server's Retry-After value (if present) as a
// minimum. The effective delay is max(backoff, retryAfter).
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// retryBackoff returns the delay for retry i (0-indexed): base * 2^i.
func retryBackoff(base time.Duration, i int) time.Duration {
	return base * (1 << i)
}

// nopLogger is a logger that discards all output. Used when no logger is set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

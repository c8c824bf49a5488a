package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"
)

// RetryConfig holds configuration for retry operations.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryConfig returns sensible defaults for retry operations.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// IndexRetryConfig returns the retry budget for indexing upserts. Indexing
// failures are surfaced as pipeline errors once this budget is exhausted.
func IndexRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   4,
		InitialDelay:  250 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// RetryWithBackoff retries fn with exponential backoff until it succeeds,
// the attempt budget runs out, the error is classified non-retryable, or the
// context is cancelled.
func RetryWithBackoff(ctx context.Context, config RetryConfig, fn func() error) error {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay < config.InitialDelay {
		config.MaxDelay = config.InitialDelay
	}
	if config.BackoffFactor <= 1.0 {
		config.BackoffFactor = 2.0
	}

	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == config.MaxAttempts-1 {
			break
		}
		if !ShouldRetry(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-time.After(config.delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// delay computes the exponential backoff delay for the given attempt.
func (c RetryConfig) delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(attempt))
	if d > float64(c.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		d = float64(c.MaxDelay)
	}
	if c.Jitter {
		d += rand.Float64() * d * 0.25
		if d > float64(c.MaxDelay) {
			d = float64(c.MaxDelay)
		}
	}
	return time.Duration(d)
}

// retryable is implemented by domain errors that carry their own
// retryability, such as the connection error taxonomy.
type retryable interface {
	Retryable() bool
}

// ErrorCategory represents different types of errors for handling strategies.
type ErrorCategory int

const (
	ErrorTemporary ErrorCategory = iota
	ErrorPermanent
	ErrorAuthentication
	ErrorNetwork
	ErrorTimeout
)

// CategorizeError determines the category of an error for appropriate
// handling. Unknown errors default to temporary.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ErrorTemporary
	}

	errStr := strings.ToLower(err.Error())

	authPatterns := []string{
		"authentication failed",
		"login failed",
		"invalid credentials",
		"bad credentials",
		"access denied",
		"unauthorized",
		"authenticationfailed",
	}
	for _, pattern := range authPatterns {
		if strings.Contains(errStr, pattern) {
			return ErrorAuthentication
		}
	}

	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"network unreachable",
		"host unreachable",
		"no such host",
		"broken pipe",
		"connection lost",
		"use of closed network connection",
		"unexpected eof",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return ErrorNetwork
		}
	}

	timeoutPatterns := []string{
		"timeout",
		"i/o timeout",
		"deadline exceeded",
	}
	for _, pattern := range timeoutPatterns {
		if strings.Contains(errStr, pattern) {
			return ErrorTimeout
		}
	}

	permanentPatterns := []string{
		"no mailbox",
		"mailbox does not exist",
		"permission denied",
		"quota exceeded",
		"invalid mailbox",
	}
	for _, pattern := range permanentPatterns {
		if strings.Contains(errStr, pattern) {
			return ErrorPermanent
		}
	}

	return ErrorTemporary
}

// ShouldRetry reports whether an error is worth retrying. Domain errors that
// implement Retryable() decide for themselves; everything else goes through
// string categorization.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}

	switch CategorizeError(err) {
	case ErrorTemporary, ErrorNetwork, ErrorTimeout:
		return true
	default:
		return false
	}
}

// IsHardNetworkError classifies hard connection-level failures that require
// a full reconnect rather than an in-session retry.
func IsHardNetworkError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "use of closed network connection") ||
		strings.Contains(s, "connection reset by peer") ||
		strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "unexpected eof") ||
		strings.Contains(s, "eof") ||
		strings.Contains(s, "i/o timeout")
}

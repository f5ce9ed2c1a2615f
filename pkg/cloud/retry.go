package cloud

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"
)

// retryableStatus reports whether an HTTP status code from a cloud
// provider represents a transient condition worth retrying.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusConflict,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// statusError carries a cloud API's HTTP status code so retry logic can
// inspect it without parsing the error string.
type statusError struct {
	code int
	err  error
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }

// withRetry runs fn with exponential backoff, bounded by maxElapsed and
// capped per-attempt at maxDelay, retrying only transient (statusError
// with a retryable code, or a nil-status transport error) failures.
func withRetry(ctx context.Context, maxElapsed time.Duration, maxDelay time.Duration, fn func(ctx context.Context) error) error {
	deadline := time.Now().Add(maxElapsed)

	var lastErr error
	for attempt := 0; ; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if remaining := time.Until(deadline); remaining > 0 {
			callCtx, cancel = context.WithTimeout(ctx, remaining)
		}
		err := fn(callCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}
		lastErr = err

		var se *statusError
		if errors.As(err, &se) && !retryableStatus(se.code) {
			return err
		}

		if time.Now().After(deadline) {
			return lastErr
		}

		delay := time.Duration(float64(100*time.Millisecond) * math.Pow(2, float64(attempt)))
		if delay > maxDelay {
			delay = maxDelay
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

package opencorp

import (
	"errors"
	"fmt"
	"time"

	"github.com/sells-group/pension-etl/internal/resilience"
)

// ErrBudgetExhausted is returned when the per-run call budget refuses an
// attempt. It is not a provider failure: the orchestrator routes the name
// to the deferred path without logging an error.
var ErrBudgetExhausted = errors.New("opencorp: call budget exhausted")

// AuthError means the bearer token was rejected. It is fatal for the
// session: retrying cannot help until the operator refreshes credentials.
type AuthError struct {
	Hint string
}

func (e *AuthError) Error() string {
	return "opencorp: authentication failed: " + e.Hint
}

// RateLimitError means the provider throttled us (429) or no rate-limiter
// slot freed up within the bounded wait.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("opencorp: rate limited, retry after %s", e.RetryAfter)
	}
	return "opencorp: rate limited"
}

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsRateLimited reports whether err is (or wraps) a RateLimitError.
func IsRateLimited(err error) bool {
	var re *RateLimitError
	return errors.As(err, &re)
}

// Retryable reports whether a search error is worth another attempt:
// transient transport failures and rate limiting, but never auth failures
// or an exhausted budget.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if IsAuthError(err) || errors.Is(err, ErrBudgetExhausted) {
		return false
	}
	return IsRateLimited(err) || resilience.IsTransient(err)
}

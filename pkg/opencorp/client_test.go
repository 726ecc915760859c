package opencorp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pension-etl/internal/resilience"
)

func fastRetry(attempts int) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
		AttemptTimeout: time.Second,
		OverallTimeout: 5 * time.Second,
	}
}

func newTestClient(serverURL string, opts ...Option) Client {
	base := []Option{
		WithBaseURL(serverURL),
		WithRateLimit(1000, 1000),
		WithRetryConfig(fastRetry(3)),
	}
	return NewClient("test-token", append(base, opts...)...)
}

const searchBody = `{
	"results": {
		"companies": [
			{"company": {"company_number": "c1", "name": "Acme Corp", "jurisdiction_code": "us_de", "score": 93.5}},
			{"company": {"company_number": "c2", "name": "Acme Holdings", "score": 41.0}}
		]
	}
}`

func TestSearch_ParsesCandidates(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/companies/search", r.URL.Path)
		assert.Equal(t, "ACME CORP", r.URL.Query().Get("q"))
		w.Write([]byte(searchBody))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	candidates, err := c.Search(context.Background(), "ACME CORP")
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-token", gotAuth)
	require.Len(t, candidates, 2)
	assert.Equal(t, "c1", candidates[0].CompanyID)
	assert.Equal(t, "Acme Corp", candidates[0].Name)
	assert.Equal(t, "us_de", candidates[0].Jurisdiction)
	assert.Equal(t, 93.5, candidates[0].Score)
}

func TestSearch_NotFoundIsMiss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	candidates, err := c.Search(context.Background(), "NOBODY")
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestSearch_AuthErrorNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Search(context.Background(), "ACME CORP")
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
	assert.Contains(t, err.Error(), "refresh")
	assert.Equal(t, int64(1), calls.Load())
}

func TestSearch_TransientRetriedThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(searchBody))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	candidates, err := c.Search(context.Background(), "ACME CORP")
	require.NoError(t, err)
	assert.Len(t, candidates, 2)
	assert.Equal(t, int64(3), calls.Load())
}

func TestSearch_TransientExhaustsAttempts(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Search(context.Background(), "ACME CORP")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, int64(3), calls.Load())
}

func TestSearch_RateLimitedRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(searchBody))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	candidates, err := c.Search(context.Background(), "ACME CORP")
	require.NoError(t, err)
	assert.Len(t, candidates, 2)
	assert.Equal(t, int64(2), calls.Load())
}

// The attempt hook fires once per HTTP attempt, including retries, so
// budget decrements track attempts exactly.
func TestSearch_AttemptHookPerAttempt(t *testing.T) {
	var serverCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serverCalls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	var hookCalls atomic.Int64
	c := newTestClient(srv.URL, WithAttemptHook(func() bool {
		hookCalls.Add(1)
		return true
	}))

	_, err := c.Search(context.Background(), "ACME CORP")
	require.Error(t, err)
	assert.Equal(t, int64(3), hookCalls.Load())
	assert.Equal(t, int64(3), serverCalls.Load())
}

func TestSearch_AttemptHookDeniesBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no HTTP call may happen once the budget is exhausted")
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, WithAttemptHook(func() bool { return false }))

	_, err := c.Search(context.Background(), "ACME CORP")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBudgetExhausted)
}

func TestSearch_UnexpectedStatusNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Search(context.Background(), "ACME CORP")
	require.Error(t, err)
	assert.False(t, Retryable(err))
	assert.Equal(t, int64(1), calls.Load())
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(&AuthError{Hint: "x"}))
	assert.False(t, Retryable(ErrBudgetExhausted))
	assert.True(t, Retryable(&RateLimitError{}))
	assert.True(t, Retryable(resilience.NewTransientError(assert.AnError, 503)))
}

// Package opencorp provides a client for the OpenCorporates-compatible
// company search API used to resolve free-text company names.
package opencorp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/pension-etl/internal/resilience"
)

// Client defines the company search operations.
type Client interface {
	// Search looks up companies by name. An empty slice with a nil error
	// means the provider found no match; that is a miss, not a failure.
	Search(ctx context.Context, name string) ([]Candidate, error)
}

// Candidate is one company returned by the provider.
type Candidate struct {
	CompanyID    string  `json:"company_number"`
	Name         string  `json:"name"`
	Jurisdiction string  `json:"jurisdiction_code,omitempty"`
	Score        float64 `json:"score,omitempty"`
}

type searchResponse struct {
	Results struct {
		Companies []struct {
			Company Candidate `json:"company"`
		} `json:"companies"`
	} `json:"results"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit sets the requests-per-second limit shared by all callers of
// this client within the process.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithSlotWait bounds how long a call may block waiting for a rate-limiter
// slot before failing as rate-limited.
func WithSlotWait(d time.Duration) Option {
	return func(c *httpClient) {
		c.maxSlotWait = d
	}
}

// WithRetryConfig overrides the retry/backoff policy.
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

// WithAttemptHook registers a callback invoked before every HTTP attempt,
// success or failure, exactly once per attempt. Returning false aborts the
// call with ErrBudgetExhausted. The orchestrator wires its per-run call
// budget through this hook.
func WithAttemptHook(hook func() bool) Option {
	return func(c *httpClient) {
		c.attemptHook = hook
	}
}

type httpClient struct {
	apiToken    string
	baseURL     string
	http        *http.Client
	limiter     *rate.Limiter
	maxSlotWait time.Duration
	retry       resilience.RetryConfig
	attemptHook func() bool
}

// NewClient creates a company search client authenticated with a bearer token.
func NewClient(apiToken string, opts ...Option) Client {
	c := &httpClient{
		apiToken: apiToken,
		baseURL:  "https://api.opencorporates.com/v0.4",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter:     rate.NewLimiter(5, 5),
		maxSlotWait: 10 * time.Second,
		retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     15 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.25,
			AttemptTimeout: 10 * time.Second,
			OverallTimeout: 45 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry.ShouldRetry = Retryable
	c.retry.OnRetry = resilience.RetryLogger("opencorp", "search")
	return c
}

// Search implements Client. Error classes:
//   - *AuthError: 401, credentials expired; never retried
//   - *RateLimitError: 429 or no limiter slot within the bounded wait
//   - *resilience.TransientError: 5xx, timeouts, resets; retried with backoff
//
// 404 and empty result sets return ([]Candidate{}, nil).
func (c *httpClient) Search(ctx context.Context, name string) ([]Candidate, error) {
	reqURL := fmt.Sprintf("%s/companies/search?q=%s&order=score", c.baseURL, url.QueryEscape(name))

	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]Candidate, error) {
		return c.searchOnce(ctx, reqURL, name)
	})
}

func (c *httpClient) searchOnce(ctx context.Context, reqURL, name string) ([]Candidate, error) {
	if c.attemptHook != nil && !c.attemptHook() {
		return nil, ErrBudgetExhausted
	}

	if err := c.waitForSlot(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "opencorp: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "opencorp: request"), 0)
	}

	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, resilience.NewTransientError(eris.Wrap(readErr, "opencorp: read response body"), resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &AuthError{Hint: "API token rejected (401): refresh the bearer token and restart the run"}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode == http.StatusNotFound:
		// Provider reports unknown names as 404; a miss, not an error.
		return []Candidate{}, nil
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(
			eris.Errorf("opencorp: status %d: %s", resp.StatusCode, truncate(body, 200)), resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, eris.Errorf("opencorp: unexpected status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, eris.Wrap(err, "opencorp: unmarshal response")
	}

	candidates := make([]Candidate, 0, len(parsed.Results.Companies))
	for _, wrapper := range parsed.Results.Companies {
		candidates = append(candidates, wrapper.Company)
	}

	zap.L().Debug("opencorp: search",
		zap.String("name", name),
		zap.Int("candidates", len(candidates)),
	)
	return candidates, nil
}

// waitForSlot blocks for a rate-limiter slot up to the bounded wait, then
// fails as rate-limited so the caller can fall back instead of hanging.
func (c *httpClient) waitForSlot(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.maxSlotWait)
	defer cancel()

	if err := c.limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &RateLimitError{RetryAfter: c.maxSlotWait}
	}
	return nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := time.ParseDuration(header + "s"); err == nil {
		return secs
	}
	return 0
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

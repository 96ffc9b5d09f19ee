package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/spotforge/spotforge-backend/internal/observability"
	"github.com/spotforge/spotforge-backend/internal/pkg/httpx"
	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
)

const (
	defaultMaxRetries   = 3
	defaultBaseBackoff  = 1 * time.Second
	maxBackoff          = 10 * time.Second
	defaultHTTPTimeout  = 120 * time.Second
	maxResponseBodySize = 64 << 20
)

type restHTTPError struct {
	StatusCode int
	Body       string
}

func (e *restHTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// restCore is the shared transport every REST adapter embeds. One instance
// per provider so the token bucket and the concurrency cap are shared across
// all in-flight calls to that provider.
type restCore struct {
	log         *logger.Logger
	provider    string
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	limiter     *rate.Limiter
	sem         chan struct{}
	maxRetries  int
	baseBackoff time.Duration
}

func newRESTCore(log *logger.Logger, provider, baseURL, apiKey string, rps float64, concurrency int) *restCore {
	if rps <= 0 {
		rps = 1
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &restCore{
		log:         log.With("provider", provider),
		provider:    provider,
		baseURL:     baseURL,
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: defaultHTTPTimeout},
		limiter:     rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		sem:         make(chan struct{}, concurrency),
		maxRetries:  defaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// acquire blocks until the call may go out: a concurrency slot first, then a
// token from the bucket. The returned release must be called once.
func (c *restCore) acquire(ctx context.Context) (func(), error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, newError(c.provider, CategoryCanceled, 0, "canceled waiting for slot", ctx.Err())
	}
	if err := c.limiter.Wait(ctx); err != nil {
		<-c.sem
		return nil, newError(c.provider, CategoryCanceled, 0, "canceled waiting for rate limit", err)
	}
	return func() { <-c.sem }, nil
}

func (c *restCore) doOnce(ctx context.Context, method, url string, payload []byte, contentType string) ([]byte, *http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, resp, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp, &restHTTPError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 2000)}
	}
	return raw, resp, nil
}

// do runs one logical call with bounded retries. Transient failures back off
// exponentially with jitter and honor Retry-After; exhausting the budget
// upgrades the error to fatal so the stage stops instead of looping.
func (c *restCore) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	return c.doBody(ctx, method, path, payload, "application/json")
}

func (c *restCore) doBody(ctx context.Context, method, path string, payload []byte, contentType string) ([]byte, error) {
	start := time.Now()
	raw, err := c.withRetries(ctx, method, path, payload, contentType)
	status := "ok"
	if err != nil {
		status = Categorize(err)
	}
	observability.Current().ObserveProviderCall(c.provider, path, status, time.Since(start))
	return raw, err
}

func (c *restCore) withRetries(ctx context.Context, method, path string, payload []byte, contentType string) ([]byte, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	url := c.baseURL + path
	var lastErr error
	var lastResp *http.Response

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := httpx.RetryAfterDuration(lastResp, httpx.Backoff(attempt-1, c.baseBackoff, maxBackoff), maxBackoff)
			select {
			case <-time.After(httpx.Jitter(delay)):
			case <-ctx.Done():
				return nil, newError(c.provider, CategoryCanceled, 0, "canceled during retry backoff", ctx.Err())
			}
		}

		raw, resp, err := c.doOnce(ctx, method, url, payload, contentType)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		lastResp = resp

		if he, ok := err.(*restHTTPError); ok {
			category := classifyHTTP(he.StatusCode, he.Body)
			if category != CategoryTransient {
				return nil, newError(c.provider, category, he.StatusCode, he.Body, err)
			}
			c.log.Warn("provider call retryable failure",
				"method", method, "path", path, "status", he.StatusCode, "attempt", attempt)
			continue
		}

		category := classifyErr(err)
		if category != CategoryTransient {
			return nil, newError(c.provider, category, 0, err.Error(), err)
		}
		c.log.Warn("provider call transport failure",
			"method", method, "path", path, "attempt", attempt, "error", err)
	}

	status := 0
	if he, ok := lastErr.(*restHTTPError); ok {
		status = he.StatusCode
	}
	return nil, newError(c.provider, CategoryFatal, status,
		fmt.Sprintf("retries exhausted after %d attempts: %v", c.maxRetries+1, lastErr), lastErr)
}

func (c *restCore) postJSON(ctx context.Context, path string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return newError(c.provider, CategoryValidation, 0, "marshal request: "+err.Error(), err)
	}
	raw, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decodeJSON(c.provider, raw, out)
}

func (c *restCore) getJSON(ctx context.Context, path string, out interface{}) error {
	raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return decodeJSON(c.provider, raw, out)
}

func decodeJSON(provider string, raw []byte, out interface{}) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return newError(provider, CategoryFatal, 0, "decode response: "+err.Error(), err)
	}
	return nil
}

// downloadURL fetches a result file from an absolute URL handed back by the
// provider. Same retry envelope as API calls, no auth header.
func (c *restCore) downloadURL(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(httpx.Jitter(httpx.Backoff(attempt-1, c.baseBackoff, maxBackoff))):
			case <-ctx.Done():
				return nil, newError(c.provider, CategoryCanceled, 0, "canceled during download backoff", ctx.Err())
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, newError(c.provider, CategoryValidation, 0, err.Error(), err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if classifyErr(err) == CategoryCanceled {
				return nil, newError(c.provider, CategoryCanceled, 0, err.Error(), err)
			}
			lastErr = err
			continue
		}
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			if !httpx.IsRetryableHTTPStatus(resp.StatusCode) {
				return nil, newError(c.provider, classifyHTTP(resp.StatusCode, string(raw)), resp.StatusCode,
					truncate(string(raw), 2000), nil)
			}
			lastErr = &restHTTPError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 2000)}
			continue
		}
		return raw, nil
	}
	return nil, newError(c.provider, CategoryFatal, 0,
		fmt.Sprintf("download retries exhausted: %v", lastErr), lastErr)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Package httpx shapes retry behavior for the provider REST clients:
// status classification, exponential backoff, and server-directed delays.
package httpx

import (
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// IsRetryableHTTPStatus reports whether a status is worth another attempt:
// request timeout, throttling, or a server-side failure.
func IsRetryableHTTPStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500 && code <= 599
}

// Backoff returns the delay before retry n (0-based): base doubled n times,
// capped at max.
func Backoff(n int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < n && d < max; i++ {
		d *= 2
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}

// RetryAfterDuration returns the delay a response asks for via Retry-After
// (seconds or HTTP-date form), otherwise fallback. The result never exceeds
// max: a throttled provider does not get to park a stage for minutes.
func RetryAfterDuration(resp *http.Response, fallback, max time.Duration) time.Duration {
	d := fallback
	if resp != nil {
		if ra := strings.TrimSpace(resp.Header.Get("Retry-After")); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				d = time.Duration(secs) * time.Second
			} else if at, err := http.ParseTime(ra); err == nil {
				if until := time.Until(at); until > 0 {
					d = until
				}
			}
		}
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}

// Jitter spreads a delay over [0.8d, 1.2d) so retries from parallel chunk
// groups do not land on the provider in lockstep.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(f * float64(d))
}

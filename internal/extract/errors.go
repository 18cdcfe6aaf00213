package extract

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultWaitTime is used when a rate-limit response carries no hint
const DefaultWaitTime = 2 * time.Second

var (
	waitDurationPattern = regexp.MustCompile(`(?i)in\s+((?:\d+(?:\.\d+)?(?:ms|h|m|s))+)\b`)
	waitMillisPattern   = regexp.MustCompile(`(?i)in\s+(\d+)\s*ms`)
	waitSecondsPattern  = regexp.MustCompile(`(?i)in\s+([\d.]+)\s*s(?:ec)?`)
)

// HTTPError is returned when the remote endpoint answers with status >= 400.
// The rate-limit and auth classification is decided here, once.
type HTTPError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func newHTTPError(statusCode int, header http.Header, body string) *HTTPError {
	e := &HTTPError{StatusCode: statusCode, Body: body}
	if secs, err := strconv.Atoi(strings.TrimSpace(header.Get("Retry-After"))); err == nil && secs >= 0 {
		e.RetryAfter = time.Duration(secs) * time.Second
	} else {
		e.RetryAfter = ParseWaitTime(body)
	}
	return e
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Body)
}

// RateLimited reports a 429 or a body that signals rate limiting
func (e *HTTPError) RateLimited() bool {
	if e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	body := strings.ToLower(e.Body)
	return strings.Contains(body, "rate_limit") || strings.Contains(body, "rate limit")
}

// Unauthorized reports a 401 or 403
func (e *HTTPError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// InvalidKey reports a 401 whose body says the key itself is bad
func (e *HTTPError) InvalidKey() bool {
	if e.StatusCode != http.StatusUnauthorized {
		return false
	}
	body := strings.ToLower(e.Body)
	return strings.Contains(body, "invalid_api_key") || strings.Contains(body, "invalid api key") ||
		strings.Contains(body, "api_key_invalid")
}

// ParseWaitTime reads a suggested wait like "try again in 640ms",
// "in 1m23.5s" or "in 3 sec" from an error message, falling back to
// DefaultWaitTime.
func ParseWaitTime(msg string) time.Duration {
	if m := waitDurationPattern.FindStringSubmatch(msg); m != nil {
		if d, err := time.ParseDuration(strings.ToLower(m[1])); err == nil {
			return d
		}
	}
	if m := waitMillisPattern.FindStringSubmatch(msg); m != nil {
		if ms, err := strconv.Atoi(m[1]); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	if m := waitSecondsPattern.FindStringSubmatch(msg); m != nil {
		if secs, err := strconv.ParseFloat(m[1], 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return DefaultWaitTime
}

package ehr

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/karflow/pkg/schema"
)

// Backoff selects how the retry delay grows.
type Backoff string

const (
	BackoffExponential Backoff = "exponential"
	BackoffLinear      Backoff = "linear"
	BackoffConstant    Backoff = "constant"
)

// RetryPolicy bounds how often a failed record-system request is retried.
// A Retry-After sent with 429 or 503 lengthens the wait, capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first
	Delay       time.Duration // base delay
	MaxDelay    time.Duration // cap, 0 for none
	Backoff     Backoff
}

// DefaultRetryPolicy retries three times with exponential backoff from 200ms up to 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Delay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, Backoff: BackoffExponential}
}

// Wait returns the delay before retry number attempt (0-based) after err.
func (p RetryPolicy) Wait(attempt int, err error) time.Duration {
	d := p.backoff(attempt)
	if ra, ok := retryAfter(err); ok && ra > d {
		d = ra
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	switch p.Backoff {
	case BackoffExponential:
		return p.Delay << min(attempt, 16)
	case BackoffLinear:
		return p.Delay * time.Duration(attempt+1)
	default:
		return p.Delay
	}
}

// IsRetryableError reports whether a failed request may succeed on retry.
// Transport-fatal errors, rejected requests and cancellation are final.
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var kerr *schema.KarError
	if errors.As(err, &kerr) {
		return kerr.IsRetryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe")
}

// retryAfterDetail is the error detail key carrying a server-requested wait.
const retryAfterDetail = "retry_after"

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func parseRetryAfter(h string, now time.Time) (time.Duration, bool) {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(h); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := t.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

func retryAfter(err error) (time.Duration, bool) {
	var kerr *schema.KarError
	if !errors.As(err, &kerr) || kerr.Details == nil {
		return 0, false
	}
	d, ok := kerr.Details[retryAfterDetail].(time.Duration)
	return d, ok
}

// sleep waits for d or returns early with the context error.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

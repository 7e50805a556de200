package remote

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// Policy bounds the retries of one remote request.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultPolicy is used when a zero Policy is configured.
var DefaultPolicy = Policy{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: time.Minute}

func (p Policy) normalized() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	return p
}

// backoff is exponential from BaseDelay, capped at MaxDelay, with 10% jitter.
func (p Policy) backoff() *hintedBackoff {
	p = p.normalized()
	b := retry.NewExponential(p.BaseDelay)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithCappedDuration(p.MaxDelay, b)
	b = retry.WithMaxRetries(uint64(p.MaxRetries), b)
	return &hintedBackoff{next: b}
}

// hintedBackoff lets a server-supplied Retry-After replace the next delay.
// The retry budget is still consumed.
type hintedBackoff struct {
	next retry.Backoff
	hint time.Duration
}

func (h *hintedBackoff) Hint(d time.Duration) {
	if d > 0 {
		h.hint = d
	}
}

func (h *hintedBackoff) Next() (time.Duration, bool) {
	d, stop := h.next.Next()
	if stop {
		return 0, true
	}
	if h.hint > 0 {
		d, h.hint = h.hint, 0
	}
	return d, false
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Anything else, or a
// date in the past, yields 0.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// retryableStatus reports the statuses that are worth another attempt.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

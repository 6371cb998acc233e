package providers

import (
	"errors"
	"math"
	"time"
)

// BackoffPolicy computes exponential backoff with symmetric jitter.
type BackoffPolicy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64 // fraction of the delay, 0..1
}

// DefaultBackoff returns 500ms doubling up to 8s with ±20% jitter.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Base: 500 * time.Millisecond, Cap: 8 * time.Second, Jitter: 0.2}
}

// Delay returns the wait before retry number attempt (0-based), using r in
// [0,1) as the jitter source. The result is in [0, Cap].
func (p BackoffPolicy) Delay(attempt int, r float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(p.Base)
	capF := float64(p.Cap)
	if capF <= 0 {
		capF = float64(math.MaxInt64 >> 1)
	}

	d := base * math.Pow(2, float64(attempt))
	if d > capF || math.IsInf(d, 1) {
		d = capF
	}

	jitter := math.Min(math.Max(p.Jitter, 0), 1)
	d *= 1 + jitter*(2*r-1)

	if d < 0 {
		d = 0
	}
	if d > capF {
		d = capF
	}
	return time.Duration(math.Round(d))
}

// DelayFor is Delay raised to the server's Retry-After hint, still bounded by Cap.
func (p BackoffPolicy) DelayFor(attempt int, r float64, err error) time.Duration {
	d := p.Delay(attempt, r)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > d {
		d = httpErr.RetryAfter
		if p.Cap > 0 && d > p.Cap {
			d = p.Cap
		}
	}
	return d
}

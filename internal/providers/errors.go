package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// HTTPError is returned by a provider for any non-200 response.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration // parsed from the Retry-After header, zero if absent
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// ParseRetryAfter reads a Retry-After header given as delta-seconds or an HTTP date.
// Returns 0 when the header is empty, malformed or in the past.
func ParseRetryAfter(v string) time.Duration {
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
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// Outcome is the classification of one backend attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRetryable Outcome = "retryable"
	OutcomeFatal     Outcome = "fatal"
)

// retryabler lets an error declare its own retry semantics.
type retryabler interface {
	Retryable() bool
}

// Classify decides whether an attempt error is worth retrying on the same backend.
// Timeouts, throttling, 5xx and transport failures are retryable; auth, quota,
// malformed requests, caller cancellation and anything unrecognised are fatal.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}

	var r retryabler
	if errors.As(err, &r) {
		if r.Retryable() {
			return OutcomeRetryable
		}
		return OutcomeFatal
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == http.StatusRequestTimeout,
			httpErr.Status == http.StatusTooEarly,
			httpErr.Status == http.StatusTooManyRequests,
			httpErr.Status >= 500:
			return OutcomeRetryable
		default:
			return OutcomeFatal
		}
	}

	// Per-attempt timeouts surface as DeadlineExceeded; the invoker checks
	// the caller's own context before consulting Classify.
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeRetryable
	}
	if errors.Is(err, context.Canceled) {
		return OutcomeFatal
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return OutcomeRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return OutcomeRetryable
	}
	return OutcomeFatal
}

// ErrorKind classifies an InvocationError.
type ErrorKind string

const (
	KindRetryable            ErrorKind = "retryable"
	KindNonRetryable         ErrorKind = "non_retryable"
	KindAllBackendsExhausted ErrorKind = "all_backends_exhausted"
)

// InvocationError is the only error the Invoker surfaces.
type InvocationError struct {
	Kind     ErrorKind
	Session  string
	Err      error // last attempt error, or the caller's context error
	Attempts []Attempt
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %s: %s: %v", e.Session, e.Kind, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// IsExhausted reports whether err means every backend failed for the request.
func IsExhausted(err error) bool {
	var ie *InvocationError
	return errors.As(err, &ie) && ie.Kind == KindAllBackendsExhausted
}

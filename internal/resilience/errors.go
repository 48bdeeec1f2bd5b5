package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sells-group/area-advisor/internal/model"
)

// SourceError is a classified failure from an enrichment source.
type SourceError struct {
	Class      model.FailureClass
	StatusCode int
	// RetryAfter is the provider's back-off hint, zero when absent.
	RetryAfter time.Duration
	Err        error
}

func (e *SourceError) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure.
func Transient(err error) *SourceError {
	return &SourceError{Class: model.FailureTransient, Err: err}
}

// NotFound marks err as "the source has no data for this area".
func NotFound(err error) *SourceError {
	return &SourceError{Class: model.FailureNotFound, Err: err}
}

// RateLimited marks err as throttled, with an optional retry hint.
func RateLimited(err error, retryAfter time.Duration) *SourceError {
	return &SourceError{Class: model.FailureRateLimited, RetryAfter: retryAfter, Err: err}
}

// Permanent marks err as non-retryable.
func Permanent(err error) *SourceError {
	return &SourceError{Class: model.FailurePermanent, Err: err}
}

// FromHTTPStatus classifies a non-2xx provider response. header may be nil.
func FromHTTPStatus(status int, header http.Header, err error) *SourceError {
	if err == nil {
		err = fmt.Errorf("http status %d", status)
	}
	var se *SourceError
	switch {
	case status == http.StatusNotFound:
		se = NotFound(err)
	case status == http.StatusTooManyRequests:
		se = RateLimited(err, ParseRetryAfter(header.Get("Retry-After"), time.Now()))
	case IsTransientHTTPStatus(status):
		se = Transient(err)
	default:
		se = Permanent(err)
	}
	se.StatusCode = status
	return se
}

// ParseRetryAfter reads a Retry-After header in either delta-seconds or
// HTTP-date form. Unparseable or past values yield zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
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

// Classify maps any error to a failure class. Context expiry and an open
// circuit are transient; unrecognised errors are permanent.
func Classify(err error) model.FailureClass {
	if err == nil {
		return ""
	}
	var se *SourceError
	if errors.As(err, &se) {
		return se.Class
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return model.FailureTransient
	}
	if errors.Is(err, ErrCircuitOpen) {
		return model.FailureTransient
	}
	if IsTransient(err) {
		return model.FailureTransient
	}
	return model.FailurePermanent
}

// RetryAfterHint returns the provider hint carried by err, if any.
func RetryAfterHint(err error) time.Duration {
	var se *SourceError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// Retryable reports whether a failure may succeed on a later attempt.
// Context expiry is excluded so a retry loop stops at the deadline.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	switch Classify(err) {
	case model.FailureTransient, model.FailureRateLimited:
		return true
	}
	return false
}

// IsTransient matches network-level failures that usually clear on their
// own: timeouts, connection resets and DNS hiccups.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// HTTP clients frequently flatten these into strings.
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"unexpected eof",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports statuses that are safe to retry, other
// than 429 which is classified separately as rate limited.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

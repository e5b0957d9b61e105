package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// ErrorKind classifies a failed call for the retry loop.
type ErrorKind int

const (
	// KindFatal errors are returned immediately.
	KindFatal ErrorKind = iota
	// KindRetryable errors (timeouts, connection faults, 5xx) are retried with backoff.
	KindRetryable
	// KindRateLimited errors (429) are always retried until attempts run out.
	KindRateLimited
	// KindParseFailure means the call succeeded but the reply was unusable.
	KindParseFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindRetryable:
		return "retryable"
	case KindRateLimited:
		return "rate_limited"
	case KindParseFailure:
		return "parse_failure"
	default:
		return "unknown"
	}
}

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// ParseError marks a reply that could not be turned into a result.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return "unparseable model response: " + e.Err.Error()
	}
	return "unparseable model response"
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	HTTPStatus() int
}

// retryablePatterns are lowercase fragments of error messages that indicate a
// transient fault when no structured status is available.
var retryablePatterns = []string{
	"timeout",
	"timed out",
	"connection",
	"broken pipe",
	"temporary failure in name resolution",
	"no such host",
	"server closed idle connection",
	"transport connection broken",
	"overloaded",
	"500",
	"502",
	"503",
	"504",
	"529",
}

var rateLimitPatterns = []string{
	"429",
	"rate limit",
	"rate_limit",
	"too many requests",
}

// Classify maps an error to its ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindFatal
	}

	var pe *ParseError
	if errors.As(err, &pe) {
		return KindParseFailure
	}

	if code, ok := statusCode(err); ok {
		switch {
		case code == 429:
			return KindRateLimited
		case IsTransientHTTPStatus(code):
			return KindRetryable
		case code >= 400 && code < 500:
			return KindFatal
		}
	}

	var te *TransientError
	if errors.As(err, &te) {
		return KindRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindRetryable
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return KindRetryable
	}

	msg := strings.ToLower(err.Error())
	for _, p := range rateLimitPatterns {
		if strings.Contains(msg, p) {
			return KindRateLimited
		}
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return KindRetryable
		}
	}
	return KindFatal
}

// IsTransient returns true if the error is worth retrying.
func IsTransient(err error) bool {
	switch Classify(err) {
	case KindRetryable, KindRateLimited:
		return true
	default:
		return false
	}
}

func statusCode(err error) (int, bool) {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus(), true
	}
	var te *TransientError
	if errors.As(err, &te) && te.StatusCode > 0 {
		return te.StatusCode, true
	}
	return 0, false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504, // Gateway Timeout
		529: // Overloaded
		return true
	default:
		return false
	}
}

package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"
)

// Kind identifies one of the closed set of failure classes the client
// distinguishes. Every raw response or transport failure is classified into
// exactly one Kind, and the retry policy switches on it.
type Kind string

const (
	// KindConnection covers DNS, socket and timeout failures as well as
	// unexpected server responses (5xx, malformed bodies). Retryable.
	KindConnection Kind = "connection"
	// KindTooManyRequests is an explicit 429 or an in-band throttle signal
	// such as a redirect to the login page. Retryable with mandatory backoff.
	KindTooManyRequests Kind = "too_many_requests"
	// KindNotFound is a 404. The remote service sometimes returns transient
	// 404s for valid resources, so it is retried up to the attempt ceiling.
	KindNotFound Kind = "not_found"
	// KindBadRequest is a 400; the request itself must be fixed.
	KindBadRequest Kind = "bad_request"
	// KindForbidden is a 403, typically an invalid URL signature.
	KindForbidden Kind = "forbidden"
	// KindAuthRequired means an operation needing a session was attempted
	// without one, or the service demanded login mid-run.
	KindAuthRequired Kind = "auth_required"
	// KindBadCredentials means the supplied username/password or two-factor
	// code was rejected.
	KindBadCredentials Kind = "bad_credentials"
	// KindTwoFactorRequired means the first login step succeeded and a
	// verification code must be supplied to complete it.
	KindTwoFactorRequired Kind = "two_factor_required"
	// KindResourceChanged means the target resource's identity changed
	// mid-operation; the caller must re-resolve it.
	KindResourceChanged Kind = "resource_changed"
	// KindAbort means the status code matched the operator-configured
	// abort list. It bypasses retry and terminates the run.
	KindAbort Kind = "abort"
	// KindInvalidArgument is a usage error, e.g. resuming a checkpoint
	// against a mismatched query signature.
	KindInvalidArgument Kind = "invalid_argument"
)

// Error is the single error type produced by classification.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	RetryAfter time.Duration
	Endpoint   string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind wrapping a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithStatus attaches the originating HTTP status code.
func (e *Error) WithStatus(code int) *Error {
	e.StatusCode = code
	return e
}

// WithEndpoint attaches the originating request endpoint.
func (e *Error) WithEndpoint(endpoint string) *Error {
	e.Endpoint = endpoint
	return e
}

// WithRetryAfter attaches a server-provided retry-after hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// GetKind extracts the Kind from an error. Plain errors without taxonomy
// information classify as KindConnection; nil yields the empty Kind.
func GetKind(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindConnection
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return GetKind(err) == kind
}

// IsRetryable reports whether an error of the given kind may be retried.
// KindAbort is never retryable regardless of the underlying status code.
func IsRetryable(kind Kind) bool {
	switch kind {
	case KindConnection, KindTooManyRequests, KindNotFound:
		return true
	default:
		return false
	}
}

// ClassifyStatus maps an HTTP status code to a Kind. Codes in abortOn take
// priority over every other classification.
func ClassifyStatus(code int, abortOn map[int]bool) Kind {
	if abortOn[code] {
		return KindAbort
	}
	switch code {
	case 400:
		return KindBadRequest
	case 401:
		return KindAuthRequired
	case 403:
		return KindForbidden
	case 404:
		return KindNotFound
	case 429:
		return KindTooManyRequests
	default:
		// Everything else unexpected, including 5xx, counts as a
		// connection-level failure worth retrying.
		return KindConnection
	}
}

// ClassifyTransport maps a transport-level failure (DNS, socket, timeout) to
// an Error. Context cancellation passes through unchanged so callers can
// tell a user abort from a network fault.
func ClassifyTransport(err error, endpoint string) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var urlErr *url.Error
	if stderrors.As(err, &urlErr) && stderrors.Is(urlErr.Err, context.Canceled) {
		return urlErr.Err
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(KindConnection, "request timed out", err).WithEndpoint(endpoint)
	}
	if stderrors.Is(err, os.ErrDeadlineExceeded) {
		return Wrap(KindConnection, "request timed out", err).WithEndpoint(endpoint)
	}
	return Wrap(KindConnection, fmt.Sprintf("network error: %v", err), err).WithEndpoint(endpoint)
}

package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		code int
		want Kind
	}{
		{400, KindBadRequest},
		{401, KindAuthRequired},
		{403, KindForbidden},
		{404, KindNotFound},
		{429, KindTooManyRequests},
		{500, KindConnection},
		{502, KindConnection},
		{302, KindConnection},
	}

	for _, c := range cases {
		if got := ClassifyStatus(c.code, nil); got != c.want {
			t.Errorf("ClassifyStatus(%d) = %s, want %s", c.code, got, c.want)
		}
	}
}

func TestClassifyStatusAbortPrecedence(t *testing.T) {
	abortOn := map[int]bool{429: true, 302: true}

	// 429 would normally classify as retryable TooManyRequests; abort-on
	// must win.
	if got := ClassifyStatus(429, abortOn); got != KindAbort {
		t.Errorf("ClassifyStatus(429, abort) = %s, want %s", got, KindAbort)
	}
	if got := ClassifyStatus(302, abortOn); got != KindAbort {
		t.Errorf("ClassifyStatus(302, abort) = %s, want %s", got, KindAbort)
	}
	if IsRetryable(KindAbort) {
		t.Error("KindAbort must never be retryable")
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := []Kind{KindConnection, KindTooManyRequests, KindNotFound}
	fatal := []Kind{
		KindBadRequest, KindForbidden, KindAuthRequired, KindBadCredentials,
		KindTwoFactorRequired, KindResourceChanged, KindAbort, KindInvalidArgument,
	}

	for _, k := range retryable {
		if !IsRetryable(k) {
			t.Errorf("expected %s to be retryable", k)
		}
	}
	for _, k := range fatal {
		if IsRetryable(k) {
			t.Errorf("expected %s to not be retryable", k)
		}
	}
}

func TestGetKind(t *testing.T) {
	err := New(KindNotFound, "404 Not Found").WithStatus(404)
	if GetKind(err) != KindNotFound {
		t.Errorf("GetKind = %s, want %s", GetKind(err), KindNotFound)
	}

	wrapped := fmt.Errorf("fetching page: %w", err)
	if GetKind(wrapped) != KindNotFound {
		t.Error("GetKind should see through fmt.Errorf wrapping")
	}

	if GetKind(stderrors.New("boom")) != KindConnection {
		t.Error("plain errors should classify as connection failures")
	}
	if GetKind(nil) != "" {
		t.Error("nil error should have empty kind")
	}
}

func TestErrorMessage(t *testing.T) {
	err := New(KindTooManyRequests, "429 Too Many Requests").
		WithStatus(429).
		WithRetryAfter(30 * time.Second).
		WithEndpoint("graphql/query")

	want := "too_many_requests (status 429): 429 Too Many Requests"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if err.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", err.RetryAfter)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyTransport(t *testing.T) {
	var _ net.Error = timeoutErr{}

	err := ClassifyTransport(timeoutErr{}, "graphql/query")
	if GetKind(err) != KindConnection {
		t.Errorf("timeout should classify as connection, got %s", GetKind(err))
	}

	err = ClassifyTransport(stderrors.New("connection refused"), "graphql/query")
	if GetKind(err) != KindConnection {
		t.Errorf("socket error should classify as connection, got %s", GetKind(err))
	}

	// Cancellation must pass through so callers can distinguish user aborts.
	err = ClassifyTransport(context.Canceled, "graphql/query")
	if !stderrors.Is(err, context.Canceled) {
		t.Error("context.Canceled should pass through classification")
	}

	if ClassifyTransport(nil, "x") != nil {
		t.Error("nil should classify as nil")
	}
}

package instagram

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"igclient/pkg/config"
	errs "igclient/pkg/errors"
	"igclient/pkg/logger"
	"igclient/pkg/ratelimit"
	"igclient/pkg/retry"
	"igclient/pkg/session"
)

// mockRoundTripper allows us to intercept HTTP requests
type mockRoundTripper struct {
	handler func(req *http.Request) (*http.Response, error)
	calls   atomic.Int64
}

func (m *mockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	m.calls.Add(1)
	return m.handler(req)
}

func newResponse(statusCode int, body string) *http.Response {
	return &http.Response{
		StatusCode: statusCode,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     make(http.Header),
	}
}

func newTestClient(handler func(req *http.Request) (*http.Response, error)) (*Client, *mockRoundTripper, *session.MemoryStore) {
	cfg := config.DefaultConfig()
	cfg.Client.MaxConnectionAttempts = 3

	rc := ratelimit.NewController(ratelimit.Options{
		Window:  10 * time.Millisecond,
		Budget:  1000,
		Grace:   time.Millisecond,
		NoSleep: true,
		Logger:  logger.Nop(),
	})
	store := session.NewMemoryStore()

	client := NewClient(cfg, rc, store, logger.Nop())
	transport := &mockRoundTripper{handler: handler}
	client.SetTransport(transport)
	client.backoff = &retry.ConstantBackoff{Delay: time.Millisecond}
	return client, transport, store
}

func loginSession() *session.Session {
	return session.New("alice", map[string]string{
		"sessionid": "sess-abc",
		"csrftoken": "csrf-tok",
	})
}

func TestAuthRequiredFailsFastWithoutNetwork(t *testing.T) {
	client, transport, _ := newTestClient(func(req *http.Request) (*http.Response, error) {
		return newResponse(http.StatusOK, `{"status":"ok"}`), nil
	})

	_, err := client.Do(context.Background(), &Request{
		Endpoint:     "/graphql/query/",
		RequiresAuth: true,
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindAuthRequired, errs.GetKind(err))
	assert.Equal(t, int64(0), transport.calls.Load(), "must not touch the network")
}

func TestRetriesServerErrors(t *testing.T) {
	var served atomic.Int64
	client, transport, _ := newTestClient(func(req *http.Request) (*http.Response, error) {
		if served.Add(1) < 3 {
			return newResponse(http.StatusInternalServerError, ""), nil
		}
		return newResponse(http.StatusOK, `{"status":"ok","value":42}`), nil
	})

	body, err := client.Do(context.Background(), &Request{Endpoint: "/thing/"})
	require.NoError(t, err)
	assert.Contains(t, string(body), "42")
	assert.Equal(t, int64(3), transport.calls.Load())
}

func TestRetryCeilingKeepsKind(t *testing.T) {
	client, transport, _ := newTestClient(func(req *http.Request) (*http.Response, error) {
		return newResponse(http.StatusInternalServerError, ""), nil
	})

	_, err := client.Do(context.Background(), &Request{Endpoint: "/thing/"})
	require.Error(t, err)
	assert.Equal(t, errs.KindConnection, errs.GetKind(err))
	assert.Equal(t, int64(3), transport.calls.Load(), "attempt ceiling")
}

func TestAbortStatusBypassesRetry(t *testing.T) {
	client, transport, _ := newTestClient(func(req *http.Request) (*http.Response, error) {
		return newResponse(http.StatusTooManyRequests, ""), nil
	})
	client.abortOn = map[int]bool{429: true}

	_, err := client.Do(context.Background(), &Request{Endpoint: "/thing/"})
	require.Error(t, err)
	assert.Equal(t, errs.KindAbort, errs.GetKind(err))
	assert.Equal(t, int64(1), transport.calls.Load(), "abort must not be retried")
}

func TestAbortStatusOutranksRedirect(t *testing.T) {
	client, transport, _ := newTestClient(func(req *http.Request) (*http.Response, error) {
		resp := newResponse(http.StatusFound, "")
		resp.Header.Set("Location", "/accounts/login/?next=/thing/")
		return resp, nil
	})
	client.abortOn = map[int]bool{302: true}

	_, err := client.Do(context.Background(), &Request{Endpoint: "/thing/"})
	require.Error(t, err)
	assert.Equal(t, errs.KindAbort, errs.GetKind(err))
	assert.Equal(t, int64(1), transport.calls.Load(), "abort must not be retried")
}

func TestTooManyRequestsBacksOffAndRetries(t *testing.T) {
	var served atomic.Int64
	client, transport, _ := newTestClient(func(req *http.Request) (*http.Response, error) {
		if served.Add(1) == 1 {
			return newResponse(http.StatusTooManyRequests, ""), nil
		}
		return newResponse(http.StatusOK, `{"status":"ok"}`), nil
	})

	_, err := client.Do(context.Background(), &Request{Endpoint: "/thing/", Category: "posts"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), transport.calls.Load())
}

func TestBadRequestNotRetried(t *testing.T) {
	client, transport, _ := newTestClient(func(req *http.Request) (*http.Response, error) {
		return newResponse(http.StatusBadRequest, ""), nil
	})

	_, err := client.Do(context.Background(), &Request{Endpoint: "/thing/"})
	require.Error(t, err)
	assert.Equal(t, errs.KindBadRequest, errs.GetKind(err))
	assert.Equal(t, int64(1), transport.calls.Load())
}

func TestRedirectToLoginIsThrottleSignalWhenAnonymous(t *testing.T) {
	var served atomic.Int64
	client, transport, _ := newTestClient(func(req *http.Request) (*http.Response, error) {
		if served.Add(1) == 1 {
			resp := newResponse(http.StatusFound, "")
			resp.Header.Set("Location", "/accounts/login/?next=/thing/")
			return resp, nil
		}
		return newResponse(http.StatusOK, `{"status":"ok"}`), nil
	})

	_, err := client.Do(context.Background(), &Request{Endpoint: "/thing/"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), transport.calls.Load())
}

func TestRedirectToLoginInvalidatesSession(t *testing.T) {
	client, transport, _ := newTestClient(func(req *http.Request) (*http.Response, error) {
		resp := newResponse(http.StatusFound, "")
		resp.Header.Set("Location", "/accounts/login/")
		return resp, nil
	})
	client.sess = loginSession()

	_, err := client.Do(context.Background(), &Request{Endpoint: "/thing/"})
	require.Error(t, err)
	assert.Equal(t, errs.KindAuthRequired, errs.GetKind(err))
	assert.Equal(t, int64(1), transport.calls.Load())
}

func TestSuccessfulRequestTouchesSession(t *testing.T) {
	client, _, _ := newTestClient(func(req *http.Request) (*http.Response, error) {
		return newResponse(http.StatusOK, `{"status":"ok"}`), nil
	})
	sess := loginSession()
	sess.LastUsed = time.Now().Add(-time.Hour)
	client.sess = sess
	before := sess.LastUsed

	_, err := client.Do(context.Background(), &Request{Endpoint: "/thing/", RequiresAuth: true})
	require.NoError(t, err)
	assert.True(t, client.sess.LastUsed.After(before), "last-used marker must advance on success")
}

func TestInBandFailStatus(t *testing.T) {
	t.Run("generic fail is retried", func(t *testing.T) {
		client, transport, _ := newTestClient(func(req *http.Request) (*http.Response, error) {
			return newResponse(http.StatusOK, `{"status":"fail","message":"try later"}`), nil
		})

		_, err := client.Do(context.Background(), &Request{Endpoint: "/thing/"})
		require.Error(t, err)
		assert.Equal(t, errs.KindConnection, errs.GetKind(err))
		assert.Equal(t, int64(3), transport.calls.Load())
	})

	t.Run("login_required is terminal", func(t *testing.T) {
		client, transport, _ := newTestClient(func(req *http.Request) (*http.Response, error) {
			return newResponse(http.StatusOK, `{"status":"fail","message":"login_required"}`), nil
		})

		_, err := client.Do(context.Background(), &Request{Endpoint: "/thing/"})
		require.Error(t, err)
		assert.Equal(t, errs.KindAuthRequired, errs.GetKind(err))
		assert.Equal(t, int64(1), transport.calls.Load())
	})
}

func TestLoginFlow(t *testing.T) {
	client, _, store := newTestClient(func(req *http.Request) (*http.Response, error) {
		switch req.URL.Path {
		case LoginPageEndpoint:
			resp := newResponse(http.StatusOK, "<html></html>")
			resp.Header.Add("Set-Cookie", "csrftoken=csrf-tok; Path=/")
			return resp, nil
		case LoginEndpoint:
			if req.Header.Get("X-CSRFToken") != "csrf-tok" {
				return newResponse(http.StatusForbidden, ""), nil
			}
			require.NoError(t, req.ParseForm())
			if req.PostForm.Get("username") != "alice" {
				return newResponse(http.StatusOK, `{"authenticated":false,"user":false,"status":"ok"}`), nil
			}
			enc := req.PostForm.Get("enc_password")
			if !strings.HasPrefix(enc, "#PWD_INSTAGRAM_BROWSER:0:") || !strings.HasSuffix(enc, ":s3cret") {
				return newResponse(http.StatusOK, `{"authenticated":false,"user":true,"status":"ok"}`), nil
			}
			resp := newResponse(http.StatusOK, `{"authenticated":true,"user":true,"status":"ok"}`)
			resp.Header.Add("Set-Cookie", "sessionid=sess-abc; Path=/")
			return resp, nil
		}
		return newResponse(http.StatusNotFound, ""), nil
	})

	require.NoError(t, client.Login(context.Background(), "@Alice", "s3cret"))
	assert.Equal(t, "alice", client.Username())

	// The session must have been persisted for later runs.
	blob, err := store.Load("alice")
	require.NoError(t, err)
	sess, err := session.Deserialize(blob)
	require.NoError(t, err)
	assert.True(t, sess.IsLoggedIn())
	assert.Equal(t, "sess-abc", sess.Cookie("sessionid"))
}

func TestLoginBadCredentials(t *testing.T) {
	client, _, _ := newTestClient(func(req *http.Request) (*http.Response, error) {
		switch req.URL.Path {
		case LoginPageEndpoint:
			resp := newResponse(http.StatusOK, "")
			resp.Header.Add("Set-Cookie", "csrftoken=csrf-tok; Path=/")
			return resp, nil
		case LoginEndpoint:
			return newResponse(http.StatusOK, `{"authenticated":false,"user":true,"status":"ok"}`), nil
		}
		return newResponse(http.StatusNotFound, ""), nil
	})

	err := client.Login(context.Background(), "alice", "wrong")
	require.Error(t, err)
	assert.Equal(t, errs.KindBadCredentials, errs.GetKind(err))
	assert.Equal(t, "", client.Username())
}

func TestLoginCheckpoint(t *testing.T) {
	client, _, _ := newTestClient(func(req *http.Request) (*http.Response, error) {
		switch req.URL.Path {
		case LoginPageEndpoint:
			return newResponse(http.StatusOK, ""), nil
		case LoginEndpoint:
			return newResponse(http.StatusOK, `{"checkpoint_url":"/challenge/123/","status":"fail"}`), nil
		}
		return newResponse(http.StatusNotFound, ""), nil
	})

	err := client.Login(context.Background(), "alice", "s3cret")
	require.Error(t, err)
	assert.Equal(t, errs.KindAuthRequired, errs.GetKind(err))
	assert.Contains(t, err.Error(), "/challenge/123/")
}

func TestTwoFactorLogin(t *testing.T) {
	client, _, _ := newTestClient(func(req *http.Request) (*http.Response, error) {
		switch req.URL.Path {
		case LoginPageEndpoint:
			resp := newResponse(http.StatusOK, "")
			resp.Header.Add("Set-Cookie", "csrftoken=csrf-tok; Path=/")
			return resp, nil
		case LoginEndpoint:
			return newResponse(http.StatusOK,
				`{"two_factor_required":true,"two_factor_info":{"two_factor_identifier":"2fa-id"},"user":true,"status":"fail"}`), nil
		case TwoFactorEndpoint:
			require.NoError(t, req.ParseForm())
			if req.PostForm.Get("identifier") != "2fa-id" || req.PostForm.Get("verificationCode") != "123456" {
				return newResponse(http.StatusOK, `{"authenticated":false,"status":"ok"}`), nil
			}
			resp := newResponse(http.StatusOK, `{"authenticated":true,"status":"ok"}`)
			resp.Header.Add("Set-Cookie", "sessionid=sess-2fa; Path=/")
			return resp, nil
		}
		return newResponse(http.StatusNotFound, ""), nil
	})

	err := client.Login(context.Background(), "alice", "s3cret")
	require.Error(t, err)
	assert.Equal(t, errs.KindTwoFactorRequired, errs.GetKind(err))

	require.NoError(t, client.TwoFactorLogin(context.Background(), "123 456"))
	assert.Equal(t, "alice", client.Username())
}

func TestTwoFactorWithoutPendingLogin(t *testing.T) {
	client, transport, _ := newTestClient(func(req *http.Request) (*http.Response, error) {
		return newResponse(http.StatusOK, `{"status":"ok"}`), nil
	})

	err := client.TwoFactorLogin(context.Background(), "123456")
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidArgument, errs.GetKind(err))
	assert.Equal(t, int64(0), transport.calls.Load())
}

func TestResolveProfile(t *testing.T) {
	client, _, _ := newTestClient(func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, ProfileEndpoint, req.URL.Path)
		assert.Equal(t, AppID, req.Header.Get("X-IG-App-ID"))
		assert.Equal(t, "alice", req.URL.Query().Get("username"))
		return newResponse(http.StatusOK, `{
			"data":{"user":{
				"id":"12345","username":"alice","full_name":"Alice","is_private":false,
				"edge_owner_to_timeline_media":{"count":42}
			}},
			"status":"ok"
		}`), nil
	})

	profile, err := client.ResolveProfile(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "12345", profile.ID)
	assert.Equal(t, int64(42), profile.MediaCount)
}

func TestResolveProfileNotFound(t *testing.T) {
	client, _, _ := newTestClient(func(req *http.Request) (*http.Response, error) {
		return newResponse(http.StatusOK, `{"data":{"user":null},"status":"ok"}`), nil
	})

	_, err := client.ResolveProfile(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.GetKind(err))
}

func TestResolveProfileInvalidUsername(t *testing.T) {
	client, transport, _ := newTestClient(func(req *http.Request) (*http.Response, error) {
		return newResponse(http.StatusOK, `{"status":"ok"}`), nil
	})

	_, err := client.ResolveProfile(context.Background(), "not a user!")
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidArgument, errs.GetKind(err))
	assert.Equal(t, int64(0), transport.calls.Load())
}

func TestGraphQLRequest(t *testing.T) {
	client, _, _ := newTestClient(func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, GraphQLEndpoint, req.URL.Path)
		assert.Equal(t, "abc123", req.URL.Query().Get("query_hash"))

		var vars map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(req.URL.Query().Get("variables")), &vars))
		assert.Equal(t, "12345", vars["id"])

		return newResponse(http.StatusOK, `{"data":{"user":{}},"status":"ok"}`), nil
	})

	body, err := client.GraphQL(context.Background(), "abc123",
		map[string]interface{}{"id": "12345", "first": 12}, "")
	require.NoError(t, err)
	assert.Contains(t, string(body), `"data"`)
}

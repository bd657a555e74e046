package instagram

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"igclient/pkg/config"
	errs "igclient/pkg/errors"
	"igclient/pkg/logger"
	"igclient/pkg/ratelimit"
	"igclient/pkg/retry"
	"igclient/pkg/session"
)

// Request describes one API call for the executor.
type Request struct {
	// Endpoint is the path below BaseURL, e.g. "/graphql/query/".
	Endpoint string

	// Params are the query string parameters.
	Params url.Values

	// Form, when non-nil, turns the request into a POST with an
	// URL-encoded body.
	Form url.Values

	// Headers are merged over the client's default headers.
	Headers map[string]string

	// Category is the rate accounting category.
	Category string

	// Referer overrides the Referer header.
	Referer string

	// RequiresAuth makes the request fail fast without touching the
	// network when no logged-in session is present.
	RequiresAuth bool

	// Raw skips the in-band JSON status check; used for endpoints that
	// return HTML or carry meaning in a "fail" status.
	Raw bool
}

// Client executes API requests: it authenticates them from the active
// session, asks the rate controller for permission before each attempt,
// classifies every failure and retries the retryable ones.
type Client struct {
	httpClient *http.Client
	cfg        config.ClientConfig
	rate       *ratelimit.Controller
	store      session.Store
	log        logger.Logger

	baseURL string
	headers map[string]string
	abortOn map[int]bool
	backoff retry.BackoffStrategy

	mu   sync.RWMutex
	sess *session.Session

	// pending two-factor login state from a KindTwoFactorRequired result
	twoFactorUser       string
	twoFactorIdentifier string
}

// NewClient creates a request executor. The store may be nil when session
// persistence is not wanted.
func NewClient(cfg *config.Config, rc *ratelimit.Controller, store session.Store, log logger.Logger) *Client {
	if log == nil {
		log = logger.GetLogger()
	}

	abortOn := make(map[int]bool, len(cfg.Client.AbortOnStatusCodes))
	for _, code := range cfg.Client.AbortOnStatusCodes {
		abortOn[code] = true
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Client.RequestTimeoutSeconds) * time.Second,
			// Redirects carry meaning (login page means throttled or
			// logged out) and are classified, never followed.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cfg:   cfg.Client,
		rate:  rc,
		store: store,
		log:   log,
		headers: map[string]string{
			"User-Agent":       cfg.Client.UserAgent,
			"Accept":           "*/*",
			"Accept-Language":  "en-US,en;q=0.9",
			"X-Requested-With": "XMLHttpRequest",
		},
		baseURL: BaseURL,
		abortOn: abortOn,
		backoff: retry.DefaultExponentialBackoff(),
		sess:    session.New("", nil),
	}
}

// SetTransport replaces the underlying HTTP transport, mainly for tests.
func (c *Client) SetTransport(rt http.RoundTripper) {
	c.httpClient.Transport = rt
}

// SetBaseURL points the client at a different host, mainly for tests.
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = strings.TrimRight(baseURL, "/")
}

// Username returns the logged-in account name, or "".
func (c *Client) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess.IsLoggedIn() {
		return c.sess.Username
	}
	return ""
}

// LoadSession restores a persisted session for the account from the store.
func (c *Client) LoadSession(accountID string) error {
	if c.store == nil {
		return session.ErrNotFound
	}
	blob, err := c.store.Load(accountID)
	if err != nil {
		return err
	}
	sess, err := session.Deserialize(blob)
	if err != nil {
		return err
	}
	if !sess.IsLoggedIn() {
		return errs.Newf(errs.KindAuthRequired, "stored session for %s holds no login", accountID)
	}

	c.mu.Lock()
	c.sess = sess
	if sess.UserAgent != "" {
		// Reusing the session's original user agent keeps its cookies valid.
		c.headers["User-Agent"] = sess.UserAgent
	}
	c.mu.Unlock()

	c.log.InfoWithFields("session restored", map[string]interface{}{
		"username": sess.Username,
	})
	return nil
}

// SaveSession persists the active session to the store.
func (c *Client) SaveSession() error {
	c.mu.Lock()
	if !c.sess.IsLoggedIn() {
		c.mu.Unlock()
		return errs.New(errs.KindAuthRequired, "no logged-in session to save")
	}
	c.sess.Touch()
	blob, err := c.sess.Serialize()
	username := c.sess.Username
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if c.store == nil {
		return nil
	}
	return c.store.Save(username, blob)
}

// Do executes a request with rate control and retry. The returned bytes are
// the response body of the first successful attempt.
func (c *Client) Do(ctx context.Context, req *Request) ([]byte, error) {
	if req.RequiresAuth {
		c.mu.RLock()
		loggedIn := c.sess.IsLoggedIn()
		c.mu.RUnlock()
		if !loggedIn {
			return nil, errs.New(errs.KindAuthRequired, "login required").WithEndpoint(req.Endpoint)
		}
	}

	cat := req.Category
	if cat == "" {
		cat = CategoryOther
	}

	var body []byte
	op := func() error {
		if err := c.rate.WaitBefore(ctx, cat); err != nil {
			return err
		}
		var err error
		body, err = c.execute(ctx, req)
		return err
	}

	err := retry.Do(op, &retry.Config{
		MaxAttempts: c.cfg.MaxConnectionAttempts,
		Backoff:     c.backoff,
		RetryIf:     retry.DefaultRetryIf,
		OnRetry: func(attempt int, err error, delay time.Duration) time.Duration {
			if !errs.IsKind(err, errs.KindTooManyRequests) {
				return 0
			}
			var e *errs.Error
			var retryAfter time.Duration
			if stderrors.As(err, &e) {
				retryAfter = e.RetryAfter
			}
			// The controller owns the mandatory backoff after an
			// explicit throttle signal.
			return c.rate.HandleTooManyRequests(cat, retryAfter)
		},
		Context: ctx,
		Logger:  c.log,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sess.Touch()
	c.mu.Unlock()

	return body, nil
}

// execute performs a single attempt and classifies its outcome.
func (c *Client) execute(ctx context.Context, req *Request) ([]byte, error) {
	target := c.baseURL + req.Endpoint
	if len(req.Params) > 0 {
		target += "?" + req.Params.Encode()
	}

	method := http.MethodGet
	var bodyReader io.Reader
	if req.Form != nil {
		method = http.MethodPost
		bodyReader = strings.NewReader(req.Form.Encode())
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidArgument, "failed to build request", err).WithEndpoint(req.Endpoint)
	}

	c.mu.RLock()
	for key, value := range c.headers {
		httpReq.Header.Set(key, value)
	}
	for name, value := range c.sess.Cookies {
		httpReq.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	csrf := c.sess.CSRFToken()
	c.mu.RUnlock()

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	if req.Referer != "" {
		httpReq.Header.Set("Referer", req.Referer)
	}
	if req.Form != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if csrf != "" {
			httpReq.Header.Set("X-CSRFToken", csrf)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errs.ClassifyTransport(err, req.Endpoint)
	}
	defer resp.Body.Close()

	c.absorbCookies(resp)

	c.log.DebugWithFields("request completed", map[string]interface{}{
		"method":   method,
		"endpoint": req.Endpoint,
		"status":   resp.StatusCode,
		"duration": time.Since(start).Round(time.Millisecond),
	})

	if resp.StatusCode != http.StatusOK {
		// The abort list outranks every other classification, including
		// the redirect heuristics.
		if c.abortOn[resp.StatusCode] {
			return nil, c.classifyStatus(resp, req)
		}
		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			return nil, c.classifyRedirect(resp, req)
		}
		return nil, c.classifyStatus(resp, req)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindConnection, "failed to read response body", err).WithEndpoint(req.Endpoint)
	}

	if !req.Raw {
		var envelope statusEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, errs.Wrap(errs.KindConnection, "malformed JSON response", err).WithEndpoint(req.Endpoint)
		}
		if envelope.Status != "ok" {
			if envelope.Message == "login_required" {
				return nil, errs.New(errs.KindAuthRequired, "service demanded login").WithEndpoint(req.Endpoint)
			}
			return nil, errs.Newf(errs.KindConnection, "response status %q: %s",
				envelope.Status, envelope.Message).WithEndpoint(req.Endpoint)
		}
	}

	return body, nil
}

// classifyRedirect maps a 3xx response. A redirect to the login page is the
// service's in-band throttle signal for anonymous traffic; for a logged-in
// session it means the session was invalidated.
func (c *Client) classifyRedirect(resp *http.Response, req *Request) error {
	location := resp.Header.Get("Location")
	if strings.Contains(location, "/accounts/login") {
		c.mu.RLock()
		loggedIn := c.sess.IsLoggedIn()
		c.mu.RUnlock()
		if loggedIn {
			return errs.New(errs.KindAuthRequired, "redirected to login page, session invalidated").
				WithStatus(resp.StatusCode).WithEndpoint(req.Endpoint)
		}
		return errs.New(errs.KindTooManyRequests, "redirected to login page").
			WithStatus(resp.StatusCode).WithEndpoint(req.Endpoint)
	}
	return errs.Newf(errs.KindConnection, "unexpected redirect to %s", location).
		WithStatus(resp.StatusCode).WithEndpoint(req.Endpoint)
}

// classifyStatus maps a non-200 response, giving the abort list priority.
func (c *Client) classifyStatus(resp *http.Response, req *Request) error {
	kind := errs.ClassifyStatus(resp.StatusCode, c.abortOn)
	e := errs.Newf(kind, "unexpected status %d", resp.StatusCode).
		WithStatus(resp.StatusCode).WithEndpoint(req.Endpoint)
	if kind == errs.KindTooManyRequests {
		if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
			e = e.WithRetryAfter(time.Duration(seconds) * time.Second)
		}
	}
	return e
}

// absorbCookies merges response cookies into the active session.
func (c *Client) absorbCookies(resp *http.Response) {
	cookies := resp.Cookies()
	if len(cookies) == 0 {
		return
	}
	c.mu.Lock()
	for _, cookie := range cookies {
		if cookie.MaxAge < 0 || cookie.Value == "" {
			delete(c.sess.Cookies, cookie.Name)
			continue
		}
		c.sess.Cookies[cookie.Name] = cookie.Value
	}
	c.mu.Unlock()
}

// GraphQL executes a GraphQL query and returns the raw response body. Each
// query hash is rate-accounted as its own category.
func (c *Client) GraphQL(ctx context.Context, queryHash string, variables map[string]interface{}, referer string) (json.RawMessage, error) {
	if variables == nil {
		variables = map[string]interface{}{}
	}
	encoded, err := json.Marshal(variables)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidArgument, "failed to encode query variables", err)
	}

	params := url.Values{}
	params.Set("query_hash", queryHash)
	params.Set("variables", string(encoded))

	if referer == "" {
		referer = BaseURL + "/"
	}

	body, err := c.Do(ctx, &Request{
		Endpoint: GraphQLEndpoint,
		Params:   params,
		Category: GraphQLCategory(queryHash),
		Referer:  referer,
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// ResolveProfile resolves a username to its profile record, including the
// numeric account ID pagination is keyed on.
func (c *Client) ResolveProfile(ctx context.Context, username string) (*Profile, error) {
	username = SanitizeUsername(username)
	if !IsValidUsername(username) {
		return nil, errs.Newf(errs.KindInvalidArgument, "invalid username %q", username)
	}

	params := url.Values{}
	params.Set("username", username)

	body, err := c.Do(ctx, &Request{
		Endpoint: ProfileEndpoint,
		Params:   params,
		Headers:  map[string]string{"X-IG-App-ID": AppID},
		Category: CategoryIPhone,
		Referer:  fmt.Sprintf("%s/%s/", BaseURL, username),
	})
	if err != nil {
		return nil, err
	}

	var response profileResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, errs.Wrap(errs.KindConnection, "malformed profile response", err)
	}
	if response.Data.User == nil {
		return nil, errs.Newf(errs.KindNotFound, "profile %s does not exist", username)
	}

	profile := response.Data.User.Profile
	profile.MediaCount = response.Data.User.Media.Count
	return &profile, nil
}

// Login performs the first step of a credential login. A KindTwoFactorRequired
// result means the password was accepted and TwoFactorLogin must complete the
// flow with a verification code.
func (c *Client) Login(ctx context.Context, username, password string) error {
	username = SanitizeUsername(username)
	if !IsValidUsername(username) {
		return errs.Newf(errs.KindInvalidArgument, "invalid username %q", username)
	}

	// The login page sets the CSRF cookie the login POST must echo back.
	if _, err := c.Do(ctx, &Request{
		Endpoint: LoginPageEndpoint,
		Category: CategoryOther,
		Raw:      true,
	}); err != nil {
		return fmt.Errorf("failed to fetch login page: %w", err)
	}

	form := url.Values{}
	form.Set("username", username)
	form.Set("enc_password", fmt.Sprintf("#PWD_INSTAGRAM_BROWSER:0:%d:%s", time.Now().Unix(), password))

	body, err := c.Do(ctx, &Request{
		Endpoint: LoginEndpoint,
		Form:     form,
		Category: CategoryOther,
		Referer:  BaseURL + LoginPageEndpoint,
		Raw:      true,
	})
	if err != nil {
		return err
	}

	var response loginResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return errs.Wrap(errs.KindConnection, "malformed login response", err)
	}

	switch {
	case response.CheckpointURL != "":
		return errs.Newf(errs.KindAuthRequired,
			"checkpoint required, verify at %s%s and retry", BaseURL, response.CheckpointURL)
	case response.TwoFactorRequired:
		c.mu.Lock()
		c.twoFactorUser = username
		c.twoFactorIdentifier = response.TwoFactorInfo.TwoFactorIdentifier
		c.mu.Unlock()
		return errs.New(errs.KindTwoFactorRequired, "two-factor verification code required")
	case !response.User:
		return errs.Newf(errs.KindBadCredentials, "user %s does not exist", username)
	case !response.Authenticated:
		return errs.Newf(errs.KindBadCredentials, "wrong password for %s", username)
	}

	return c.completeLogin(username)
}

// TwoFactorLogin completes a login left pending by a KindTwoFactorRequired
// result from Login.
func (c *Client) TwoFactorLogin(ctx context.Context, code string) error {
	c.mu.RLock()
	username := c.twoFactorUser
	identifier := c.twoFactorIdentifier
	c.mu.RUnlock()
	if identifier == "" {
		return errs.New(errs.KindInvalidArgument, "no two-factor login pending")
	}

	form := url.Values{}
	form.Set("username", username)
	form.Set("verificationCode", strings.ReplaceAll(strings.TrimSpace(code), " ", ""))
	form.Set("identifier", identifier)

	body, err := c.Do(ctx, &Request{
		Endpoint: TwoFactorEndpoint,
		Form:     form,
		Category: CategoryOther,
		Referer:  BaseURL + LoginPageEndpoint,
		Raw:      true,
	})
	if err != nil {
		return err
	}

	var response loginResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return errs.Wrap(errs.KindConnection, "malformed two-factor response", err)
	}
	if !response.Authenticated {
		return errs.New(errs.KindBadCredentials, "invalid verification code")
	}

	c.mu.Lock()
	c.twoFactorUser = ""
	c.twoFactorIdentifier = ""
	c.mu.Unlock()

	return c.completeLogin(username)
}

// completeLogin promotes the accumulated cookies into a logged-in session
// and persists it.
func (c *Client) completeLogin(username string) error {
	c.mu.Lock()
	c.sess.Username = username
	c.sess.UserAgent = c.headers["User-Agent"]
	c.sess.CreatedAt = time.Now()
	loggedIn := c.sess.IsLoggedIn()
	c.mu.Unlock()

	if !loggedIn {
		return errs.New(errs.KindConnection, "login succeeded but no session cookie was issued")
	}

	c.log.InfoWithFields("logged in", map[string]interface{}{
		"username": username,
	})

	if err := c.SaveSession(); err != nil {
		c.log.WithError(err).Warn("failed to persist session")
	}
	return nil
}

// TestLogin asks the service which account the active session belongs to.
// An empty result means the session is anonymous or expired.
func (c *Client) TestLogin(ctx context.Context) (string, error) {
	body, err := c.GraphQL(ctx, ViewerQueryHash, map[string]interface{}{}, "")
	if err != nil {
		return "", err
	}

	var response struct {
		Data struct {
			User struct {
				Username string `json:"username"`
			} `json:"user"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", errs.Wrap(errs.KindConnection, "malformed viewer response", err)
	}
	return response.Data.User.Username, nil
}

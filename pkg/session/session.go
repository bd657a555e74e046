package session

import (
	"encoding/json"
	"fmt"
	"time"

	errs "igclient/pkg/errors"
)

// Session is the credential bundle for one logged-in account: the
// authentication cookies, the associated username and usage timestamps.
// It is created on successful login or restored from a persisted blob, and
// invalidated when the remote service signals session expiry.
type Session struct {
	Username  string            `json:"username"`
	Cookies   map[string]string `json:"cookies"`
	UserAgent string            `json:"user_agent,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	LastUsed  time.Time         `json:"last_used"`
}

// New creates a session for the given username and cookie set.
func New(username string, cookies map[string]string) *Session {
	now := time.Now()
	if cookies == nil {
		cookies = make(map[string]string)
	}
	return &Session{
		Username:  username,
		Cookies:   cookies,
		CreatedAt: now,
		LastUsed:  now,
	}
}

// IsLoggedIn reports whether the session belongs to an authenticated account.
func (s *Session) IsLoggedIn() bool {
	return s != nil && s.Username != "" && s.Cookies["sessionid"] != ""
}

// Touch updates the last-used marker.
func (s *Session) Touch() {
	s.LastUsed = time.Now()
}

// Cookie returns the named cookie value, or "".
func (s *Session) Cookie(name string) string {
	if s == nil {
		return ""
	}
	return s.Cookies[name]
}

// CSRFToken returns the session's CSRF token cookie.
func (s *Session) CSRFToken() string {
	return s.Cookie("csrftoken")
}

// Serialize encodes the session into an opaque blob suitable for a Store.
func (s *Session) Serialize() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize session: %w", err)
	}
	return data, nil
}

// Deserialize restores a session from a blob produced by Serialize.
func Deserialize(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errs.Wrap(errs.KindInvalidArgument, "malformed session blob", err)
	}
	if s.Cookies == nil {
		s.Cookies = make(map[string]string)
	}
	return &s, nil
}

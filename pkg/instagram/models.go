package instagram

import (
	"encoding/json"
	"fmt"

	errs "igclient/pkg/errors"
)

// PageInfo carries the pagination cursor state of a connection page.
type PageInfo struct {
	HasNextPage bool   `json:"has_next_page"`
	EndCursor   string `json:"end_cursor"`
}

// Edge wraps one node of a connection page. The node payload is kept raw so
// callers decode only the fields they need.
type Edge struct {
	Node json.RawMessage `json:"node"`
}

// Connection is one page of a paginated GraphQL connection.
type Connection struct {
	Count    int64    `json:"count"`
	PageInfo PageInfo `json:"page_info"`
	Edges    []Edge   `json:"edges"`
}

// Profile is the resolved identity of an account.
type Profile struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	FullName   string `json:"full_name"`
	IsPrivate  bool   `json:"is_private"`
	IsVerified bool   `json:"is_verified"`

	FollowedByViewer bool `json:"followed_by_viewer"`

	MediaCount int64 `json:"-"`
}

// profileResponse is the wire shape of the profile resolution endpoint.
type profileResponse struct {
	Data struct {
		User *struct {
			Profile
			Media struct {
				Count int64 `json:"count"`
			} `json:"edge_owner_to_timeline_media"`
		} `json:"user"`
	} `json:"data"`
	Status string `json:"status"`
}

// loginResponse is the wire shape of both login steps.
type loginResponse struct {
	Authenticated bool   `json:"authenticated"`
	User          bool   `json:"user"`
	Status        string `json:"status"`
	Message       string `json:"message"`

	TwoFactorRequired bool `json:"two_factor_required"`
	TwoFactorInfo     struct {
		TwoFactorIdentifier string `json:"two_factor_identifier"`
	} `json:"two_factor_info"`

	CheckpointURL string `json:"checkpoint_url"`
}

// statusEnvelope is the in-band status field every JSON endpoint carries.
type statusEnvelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ExtractConnection walks a GraphQL response body down the given key path
// (starting below the top-level "data" object) and decodes the connection
// found there.
func ExtractConnection(body json.RawMessage, path ...string) (*Connection, error) {
	var root struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, errs.Wrap(errs.KindConnection, "malformed response body", err)
	}
	current := root.Data

	for _, key := range path {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(current, &obj); err != nil {
			return nil, errs.Wrap(errs.KindConnection,
				fmt.Sprintf("response is missing object at %q", key), err)
		}
		next, ok := obj[key]
		if !ok || string(next) == "null" {
			return nil, errs.Newf(errs.KindConnection, "response is missing %q", key)
		}
		current = next
	}

	var conn Connection
	if err := json.Unmarshal(current, &conn); err != nil {
		return nil, errs.Wrap(errs.KindConnection, "malformed connection page", err)
	}
	return &conn, nil
}

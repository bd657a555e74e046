package instagram

import (
	"strings"
)

const (
	// BaseURL is the base URL for Instagram
	BaseURL = "https://www.instagram.com"

	// ProfileEndpoint resolves a username to its profile record
	ProfileEndpoint = "/api/v1/users/web_profile_info/"

	// GraphQLEndpoint is the endpoint for paginated GraphQL queries
	GraphQLEndpoint = "/graphql/query/"

	// LoginEndpoint performs the first step of a credential login
	LoginEndpoint = "/accounts/login/ajax/"

	// TwoFactorEndpoint completes a login pending two-factor verification
	TwoFactorEndpoint = "/accounts/login/ajax/two_factor/"

	// LoginPageEndpoint serves the login page; fetched once to obtain a
	// CSRF token before authenticating
	LoginPageEndpoint = "/accounts/login/"

	// ViewerQueryHash resolves the currently logged-in account
	ViewerQueryHash = "d6f4427fbe92d846298cf93df0b937d3"

	// MediaQueryHash pages through a profile's posts
	MediaQueryHash = "003056d32c2554def87228bc3fd9668a"

	// AppID is sent as X-IG-App-ID on API endpoints that demand it
	AppID = "936619743392459"
)

// Query categories for rate accounting. GraphQL queries are tracked per
// query hash because the service throttles each query document separately.
const (
	CategoryGraphQL = "graphql"
	CategoryIPhone  = "iphone"
	CategoryOther   = "other"
)

// GraphQLCategory returns the rate category for a GraphQL query hash.
func GraphQLCategory(queryHash string) string {
	return CategoryGraphQL + ":" + queryHash
}

// CategoryWeights returns the per-category request cost weights relative to
// the shared window budget. A weight of w leaves the category budget/w
// requests per window.
func CategoryWeights(budget int) map[string]float64 {
	if budget <= 0 {
		budget = 200
	}
	return map[string]float64{
		// Each GraphQL query document gets 20 requests per window.
		CategoryGraphQL: float64(budget) / 20.0,
		// The mobile API tolerates 75 requests per window.
		CategoryIPhone: float64(budget) / 75.0,
	}
}

// IsValidUsername checks whether a username is syntactically valid.
func IsValidUsername(username string) bool {
	if username == "" || len(username) > 30 {
		return false
	}
	for _, char := range username {
		if !((char >= 'a' && char <= 'z') ||
			(char >= 'A' && char <= 'Z') ||
			(char >= '0' && char <= '9') ||
			char == '.' || char == '_') {
			return false
		}
	}
	return true
}

// SanitizeUsername strips decoration users paste in: a leading @, trailing
// slashes and spaces, and uppercasing.
func SanitizeUsername(username string) string {
	username = strings.TrimSpace(username)
	username = strings.TrimPrefix(username, "@")
	username = strings.TrimRight(username, "/ ")
	return strings.ToLower(username)
}

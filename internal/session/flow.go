// Package session owns the authentication lifecycle: token acquisition and
// validation, expiry monitoring, sign-out, and account selection.
package session

import (
	"net/url"
	"strconv"
	"strings"

	"tradable/internal/domain"
)

// Window names recognised by the auth completion protocol. A context opened
// under one of these names reports completion back to its opener with the
// auth fragment, then closes itself.
const (
	PopupNameLaunch    = "osLaunch"
	PopupNameAddBroker = "osAddBroker"
)

// AuthFlow is how the session manager hands control to the platform's
// navigation surface for OAuth. The embedding application implements it:
// a browser shell redirects or opens a window, a CLI prints the URL and
// waits on a loopback listener. Completion always re-enters the manager
// through HandleAuthFragment, never by reaching into another context's
// object graph.
type AuthFlow interface {
	// Redirect navigates the current context to the authorization URL.
	// There is no cancellation; "navigate away" is the only way out.
	Redirect(authURL string) error

	// OpenPopup opens a second context at the authorization URL under the
	// given window name.
	OpenPopup(authURL, name string) error

	// SupportsPopups reports whether OpenPopup completions reliably reach
	// this application. When false, popup authentication falls back to a
	// plain redirect.
	SupportsPopups() bool
}

// NoBrowserFlow is the AuthFlow for applications that obtain tokens out of
// band and only ever call EnableTrading directly. Every navigation attempt
// fails with ErrAuthenticationRequired.
type NoBrowserFlow struct{}

var _ AuthFlow = NoBrowserFlow{}

func (NoBrowserFlow) Redirect(string) error          { return domain.ErrAuthenticationRequired }
func (NoBrowserFlow) OpenPopup(string, string) error { return domain.ErrAuthenticationRequired }
func (NoBrowserFlow) SupportsPopups() bool           { return false }

// AuthURL builds the OAuth authorization URL for the app. brokerID is
// optional and pre-selects a broker on the sign-in page.
func AuthURL(oauthHost, appID, redirectURL, brokerID string) string {
	q := url.Values{}
	q.Set("client_id", appID)
	q.Set("scope", "trade")
	q.Set("response_type", "token")
	q.Set("redirect_uri", redirectURL)
	if brokerID != "" {
		q.Set("broker_id", brokerID)
	}
	host := oauthHost
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	return strings.TrimSuffix(host, "/") + "/oauth/authorize?" + q.Encode()
}

// AuthFragment is the parsed form of the URL hash fragment a successful OAuth
// flow returns control with.
type AuthFragment struct {
	AccessToken string
	EndpointURL string
	ExpiresIn   int64 // seconds
}

// ParseAuthFragment parses "#access_token=...&endpointURL=...&expires_in=..."
// (the leading '#' is optional). ok is true only when both the token and the
// endpoint are present; anything else is a failed flow.
func ParseAuthFragment(fragment string) (AuthFragment, bool) {
	fragment = strings.TrimPrefix(fragment, "#")

	var f AuthFragment
	for _, pair := range strings.Split(fragment, "&") {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		if decoded, err := url.QueryUnescape(value); err == nil {
			value = decoded
		}
		switch key {
		case "access_token":
			f.AccessToken = value
		case "endpointURL":
			f.EndpointURL = value
		case "expires_in":
			f.ExpiresIn, _ = strconv.ParseInt(value, 10, 64)
		}
	}

	return f, f.AccessToken != "" && f.EndpointURL != ""
}

package oidc

import (
	"fmt"

	"golang.org/x/oauth2"
)

// DefaultScopes are requested on every login. The scope set is fixed; there
// is no per-request scope negotiation.
var DefaultScopes = []string{"openid", "email", "profile"}

// AuthURL builds the provider login URL for one flow attempt. The state is
// the only CSRF binding between the browser and the desktop application, so
// an empty state is a caller error. The function is pure: no side effects,
// no network calls.
func AuthURL(md *ProviderMetadata, clientID, redirectURI, state string) (string, error) {
	const op = "oidc.AuthURL"
	if state == "" {
		return "", fmt.Errorf("%s: state is empty: %w", op, ErrMissingParameter)
	}
	if md == nil || md.AuthorizationEndpoint == "" {
		return "", fmt.Errorf("%s: %w", op, ErrNotConfigured)
	}

	cfg := oauth2.Config{
		ClientID:    clientID,
		RedirectURL: redirectURI,
		Endpoint:    oauth2.Endpoint{AuthURL: md.AuthorizationEndpoint},
		Scopes:      DefaultScopes,
	}
	return cfg.AuthCodeURL(state), nil
}

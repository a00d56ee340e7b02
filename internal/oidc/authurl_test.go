package oidc

import (
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthURL(t *testing.T) {
	t.Parallel()
	testMetadata := &ProviderMetadata{
		Issuer:                "https://issuer.example.com",
		AuthorizationEndpoint: "https://issuer.example.com/auth",
		TokenEndpoint:         "https://issuer.example.com/token",
		JWKSURI:               "https://issuer.example.com/certs",
	}

	tests := []struct {
		name      string
		md        *ProviderMetadata
		state     string
		wantIsErr error
	}{
		{
			name:  "valid",
			md:    testMetadata,
			state: "st_0123456789",
		},
		{
			name:  "state-with-reserved-chars",
			md:    testMetadata,
			state: "st @te/with?&=chars",
		},
		{
			name:      "missing-state",
			md:        testMetadata,
			state:     "",
			wantIsErr: ErrMissingParameter,
		},
		{
			name:      "unset-metadata",
			md:        nil,
			state:     "st_0123456789",
			wantIsErr: ErrNotConfigured,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			got, err := AuthURL(tt.md, "test-client", "https://bridge.example.com/oauth/oidc/callback", tt.state)
			if tt.wantIsErr != nil {
				require.Error(err)
				assert.Truef(errors.Is(err, tt.wantIsErr), "want err %q, got %q", tt.wantIsErr, err)
				return
			}
			require.NoError(err)

			u, err := url.Parse(got)
			require.NoError(err)
			assert.Equal("https", u.Scheme)
			assert.Equal("issuer.example.com", u.Host)
			assert.Equal("/auth", u.Path)

			q := u.Query()
			assert.Equal("test-client", q.Get("client_id"))
			assert.Equal("code", q.Get("response_type"))
			assert.Equal("openid email profile", q.Get("scope"))
			assert.Equal("https://bridge.example.com/oauth/oidc/callback", q.Get("redirect_uri"))
			assert.Equal(tt.state, q.Get("state"))
		})
	}
}

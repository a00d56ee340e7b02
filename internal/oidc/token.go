package oidc

import (
	"encoding/json"
	"time"
)

// ClientSecret is the relying party secret.
type ClientSecret string

// RedactedClientSecret is the redacted string or json for a client secret.
const RedactedClientSecret = "[REDACTED: client secret]"

// String will redact the client secret.
func (s ClientSecret) String() string {
	return RedactedClientSecret
}

// MarshalJSON will redact the client secret.
func (s ClientSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedClientSecret)
}

// IdToken is a raw oidc id_token.
type IdToken string

// RedactedIdToken is the redacted string or json for an id_token.
const RedactedIdToken = "[REDACTED: id_token]"

// String will redact the token.
func (t IdToken) String() string {
	return RedactedIdToken
}

// MarshalJSON will redact the token.
func (t IdToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedIdToken)
}

// TokenResponse is the provider's token endpoint reply, kept verbatim so the
// whole thing can be forwarded to the desktop application. The set of fields
// is provider-defined and deliberately not enumerated here; only id_token is
// ever inspected. A TokenResponse lives for the duration of one request and
// is never stored.
type TokenResponse map[string]string

// UnmarshalJSON decodes string fields as-is and keeps every other value
// (numbers like expires_in, booleans) as its literal JSON text, so
// forwarding does not reshape what the provider returned.
func (t *TokenResponse) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(TokenResponse, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		out[k] = string(v)
	}
	*t = out
	return nil
}

// IdToken returns the response's id_token, if any.
func (t TokenResponse) IdToken() IdToken {
	return IdToken(t["id_token"])
}

// DecodedIdentity holds the claims extracted from a validated id_token. It
// exists to confirm validity and for logging; it is never persisted.
type DecodedIdentity struct {
	Subject  string
	Email    string
	Audience []string
	Issuer   string
	Expiry   time.Time
}

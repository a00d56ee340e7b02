package oidc

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// TestProvider is an in-process OIDC provider serving the discovery
// document, an authorization endpoint, a JWKS endpoint and a token endpoint.
// It signs id_tokens with RS256 and exposes knobs for forcing the failure
// modes the callback state machine has to handle.
type TestProvider struct {
	t          *testing.T
	httpServer *httptest.Server

	mu              sync.Mutex
	signingKey      *rsa.PrivateKey
	keyID           string
	jwks            *jose.JSONWebKeySet
	jwksFetches     int
	clientID        string
	clientSecret    string
	expectedCode    string
	allowedRedirect []string
	replySubject    string
	customAudience  string
	customIssuer    string
	expireIn        time.Duration
	extraFields     map[string]interface{}
	omitIDToken     bool
	rawIDToken      string
	tokenStatus     int
	unknownKey      *rsa.PrivateKey
}

// StartTestProvider creates a disposable TestProvider on a random local
// port. The server is shut down via t.Cleanup.
func StartTestProvider(t *testing.T) *TestProvider {
	t.Helper()
	p := &TestProvider{
		t:            t,
		replySubject: "test-subject",
		expireIn:     5 * time.Minute,
		allowedRedirect: []string{
			"https://example.com/oauth/oidc/callback",
		},
	}
	p.signingKey, p.keyID = testGenerateRSAKey(t)
	p.jwks = testJWKS(p.signingKey, p.keyID)

	p.httpServer = httptest.NewServer(p)
	t.Cleanup(p.httpServer.Close)
	return p
}

// Addr returns the provider's base URL, which doubles as its issuer.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// SetClientCreds configures the client the provider issues tokens for; the
// clientID becomes the id_token audience.
func (p *TestProvider) SetClientCreds(clientID, clientSecret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientID = clientID
	p.clientSecret = clientSecret
}

// SetExpectedAuthCode configures the code returned from /auth and the only
// code /token will accept.
func (p *TestProvider) SetExpectedAuthCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedCode = code
}

// SetAllowedRedirectURIs configures the redirect URIs /token will accept.
func (p *TestProvider) SetAllowedRedirectURIs(uris []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowedRedirect = uris
}

// SetCustomAudience overrides the id_token audience.
func (p *TestProvider) SetCustomAudience(aud string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customAudience = aud
}

// SetCustomIssuer overrides the id_token issuer claim, leaving the discovery
// document untouched.
func (p *TestProvider) SetCustomIssuer(iss string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customIssuer = iss
}

// SetExpireIn sets how far in the future issued id_tokens expire. Negative
// values issue already-expired tokens.
func (p *TestProvider) SetExpireIn(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expireIn = d
}

// SetExtraTokenFields merges additional fields into the token endpoint
// response, for exercising verbatim forwarding.
func (p *TestProvider) SetExtraTokenFields(fields map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.extraFields = fields
}

// OmitIDTokens forces the token endpoint to reply without an id_token.
func (p *TestProvider) OmitIDTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIDToken = true
}

// SetRawIDToken makes the token endpoint return the given literal id_token
// instead of signing one.
func (p *TestProvider) SetRawIDToken(raw string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rawIDToken = raw
}

// SetTokenErrorStatus makes the token endpoint fail every request with the
// given HTTP status.
func (p *TestProvider) SetTokenErrorStatus(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenStatus = status
}

// SignWithUnknownKey signs id_tokens with a key whose id is absent from the
// published JWKS.
func (p *TestProvider) SignWithUnknownKey() {
	p.mu.Lock()
	defer p.mu.Unlock()
	key, _ := testGenerateRSAKey(p.t)
	p.unknownKey = key
}

// RotateKeys replaces the signing key and the published JWKS with a fresh
// key id, simulating provider key rotation.
func (p *TestProvider) RotateKeys() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signingKey, p.keyID = testGenerateRSAKey(p.t)
	p.jwks = testJWKS(p.signingKey, p.keyID)
}

// CurrentKeyID returns the key id of the current signing key.
func (p *TestProvider) CurrentKeyID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keyID
}

// JWKSFetches reports how many times the JWKS endpoint has been hit.
func (p *TestProvider) JWKSFetches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jwksFetches
}

func (p *TestProvider) writeJSON(w http.ResponseWriter, out interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// ServeHTTP implements the provider's http.Handler.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.t.Helper()

	switch req.URL.Path {
	case DiscoveryPath:
		p.writeJSON(w, map[string]string{
			"issuer":                 p.Addr(),
			"authorization_endpoint": p.Addr() + "/auth",
			"token_endpoint":         p.Addr() + "/token",
			"jwks_uri":               p.Addr() + "/certs",
		})

	case "/auth":
		qv := req.URL.Query()
		state := qv.Get("state")
		redirectURI := qv.Get("redirect_uri")
		if qv.Get("response_type") != "code" || state == "" || redirectURI == "" {
			http.Error(w, "invalid authorization request", http.StatusBadRequest)
			return
		}
		target := redirectURI +
			"?state=" + url.QueryEscape(state) +
			"&code=" + url.QueryEscape(p.expectedCode)
		http.Redirect(w, req, target, http.StatusFound)

	case "/certs":
		p.jwksFetches++
		p.writeJSON(w, p.jwks)

	case "/token":
		p.serveToken(w, req)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (p *TestProvider) serveToken(w http.ResponseWriter, req *http.Request) {
	if p.tokenStatus != 0 {
		w.WriteHeader(p.tokenStatus)
		p.writeJSON(w, map[string]string{"error": "server_error"})
		return
	}
	switch {
	case req.Method != http.MethodPost:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	case req.FormValue("grant_type") != "authorization_code":
		w.WriteHeader(http.StatusBadRequest)
		p.writeJSON(w, map[string]string{"error": "invalid_request", "error_description": "bad grant_type"})
		return
	case !testStrListContains(p.allowedRedirect, req.FormValue("redirect_uri")):
		w.WriteHeader(http.StatusBadRequest)
		p.writeJSON(w, map[string]string{"error": "invalid_request", "error_description": "redirect_uri is not allowed"})
		return
	case req.FormValue("code") != p.expectedCode:
		w.WriteHeader(http.StatusUnauthorized)
		p.writeJSON(w, map[string]string{"error": "invalid_grant", "error_description": "unexpected auth code"})
		return
	}

	issuer := p.Addr()
	if p.customIssuer != "" {
		issuer = p.customIssuer
	}
	audience := p.clientID
	if p.customAudience != "" {
		audience = p.customAudience
	}
	claims := jwt.Claims{
		Subject:   p.replySubject,
		Issuer:    issuer,
		NotBefore: jwt.NewNumericDate(time.Now().Add(-5 * time.Second)),
		Expiry:    jwt.NewNumericDate(time.Now().Add(p.expireIn)),
		Audience:  jwt.Audience{audience},
	}

	signingKey, keyID := p.signingKey, p.keyID
	if p.unknownKey != nil {
		signingKey = p.unknownKey
		keyID = "unknown-" + p.keyID
	}
	idToken := testSignJWT(p.t, signingKey, keyID, claims, map[string]interface{}{
		"email": "alice@example.com",
	})
	if p.rawIDToken != "" {
		idToken = p.rawIDToken
	}

	reply := map[string]interface{}{
		"access_token": "access-" + p.expectedCode,
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     idToken,
	}
	if p.omitIDToken {
		delete(reply, "id_token")
	}
	for k, v := range p.extraFields {
		reply[k] = v
	}
	p.writeJSON(w, reply)
}

// testGenerateRSAKey generates an RS256 signing key with a fresh key id.
func testGenerateRSAKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keyID, err := uuid.GenerateUUID()
	require.NoError(t, err)
	return key, keyID
}

// testJWKS publishes the public half of a signing key as a key set.
func testJWKS(key *rsa.PrivateKey, keyID string) *jose.JSONWebKeySet {
	return &jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{
				Key:       key.Public(),
				KeyID:     keyID,
				Algorithm: string(jose.RS256),
				Use:       "sig",
			},
		},
	}
}

// testSignJWT bundles the provided claims into a signed JWT.
func testSignJWT(t *testing.T, key *rsa.PrivateKey, keyID string, claims jwt.Claims, privateClaims interface{}) string {
	t.Helper()
	sig, err := jose.NewSigner(
		jose.SigningKey{
			Algorithm: jose.RS256,
			Key:       jose.JSONWebKey{Key: key, KeyID: keyID},
		},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(t, err)

	builder := jwt.Signed(sig).Claims(claims)
	if privateClaims != nil {
		builder = builder.Claims(privateClaims)
	}
	raw, err := builder.CompactSerialize()
	require.NoError(t, err)
	return raw
}

func testStrListContains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

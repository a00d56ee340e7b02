package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// CallbackResult is the outcome of one callback request. Exactly one of
// Tokens or Err is set. State carries the caller's opaque state value
// byte-for-byte; it is never interpreted.
type CallbackResult struct {
	State  string
	Tokens TokenResponse
	Err    *CallbackError
}

// Succeeded reports whether the callback reached the Succeeded state.
func (r CallbackResult) Succeeded() bool {
	return r.Err == nil
}

// Failure builds a failed CallbackResult for the given taxonomy kind.
func Failure(kind ErrorKind, description, state string) CallbackResult {
	return CallbackResult{
		State: state,
		Err:   &CallbackError{Kind: kind, Description: description},
	}
}

// CallbackProcessor drives a provider callback from received parameters to a
// CallbackResult: it exchanges the authorization code for tokens and
// validates the returned id_token. Processors are stateless across requests
// and safe for concurrent use; the only shared mutable state is the
// KeyResolver's snapshot.
type CallbackProcessor struct {
	metadata     *ProviderMetadata // nil while the service is degraded
	keys         *KeyResolver
	clientID     string
	clientSecret ClientSecret
	redirectURI  string
	client       *http.Client
	logger       hclog.Logger
}

// NewCallbackProcessor creates a processor bound to the process-wide
// metadata snapshot. The redirectURI must exactly match the value used to
// build the authorization URL or the provider will reject the exchange.
func NewCallbackProcessor(md *ProviderMetadata, keys *KeyResolver, clientID string, clientSecret ClientSecret, redirectURI string, client *http.Client, logger hclog.Logger) *CallbackProcessor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &CallbackProcessor{
		metadata:     md,
		keys:         keys,
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		client:       client,
		logger:       logger.Named("callback"),
	}
}

// Process runs the callback state machine for one request. Every failure
// path is returned as a value carrying the error taxonomy; nothing is
// retried, and the single-use authorization code is exchanged at most once.
func (p *CallbackProcessor) Process(ctx context.Context, code, state string) CallbackResult {
	if code == "" || state == "" {
		return Failure(KindMissingParameter, "code and state parameters are required", state)
	}
	if p.metadata == nil || p.metadata.TokenEndpoint == "" {
		return Failure(KindNotConfigured, "provider discovery has not completed", state)
	}

	tokens, cbErr := p.exchange(ctx, code)
	if cbErr != nil {
		return CallbackResult{State: state, Err: cbErr}
	}

	identity, cbErr := p.validate(ctx, tokens.IdToken())
	if cbErr != nil {
		return CallbackResult{State: state, Err: cbErr}
	}

	p.logger.Info("callback succeeded",
		"subject", identity.Subject,
		"email", identity.Email,
		"issuer", identity.Issuer,
		"expiry", identity.Expiry,
	)
	return CallbackResult{State: state, Tokens: tokens}
}

// exchange issues the single authorization_code grant POST to the token
// endpoint. The provider response body is logged on error but never makes it
// into the CallbackError, so it cannot leak to the client.
func (p *CallbackProcessor) exchange(ctx context.Context, code string) (TokenResponse, *CallbackError) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {p.redirectURI},
		"client_id":     {p.clientID},
		"client_secret": {string(p.clientSecret)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.metadata.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &CallbackError{Kind: KindInternalError, Description: "unable to create token request"}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Error("token exchange transport failure", "error", err)
		return nil, &CallbackError{Kind: KindProviderError, Description: "token endpoint is unreachable"}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		p.logger.Error("unable to read token response", "error", err)
		return nil, &CallbackError{Kind: KindProviderError, Description: "unable to read token response"}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.logger.Error("token endpoint returned an error",
			"status", resp.StatusCode,
			"body", string(body),
		)
		return nil, &CallbackError{
			Kind:        KindProviderError,
			Description: fmt.Sprintf("token endpoint returned status %d", resp.StatusCode),
			Status:      resp.StatusCode,
		}
	}

	var tokens TokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, &CallbackError{Kind: KindMalformedResponse, Description: "token response is not valid JSON"}
	}
	if tokens.IdToken() == "" {
		return nil, &CallbackError{Kind: KindMalformedResponse, Description: "token response is missing id_token"}
	}
	return tokens, nil
}

// validate verifies the id_token's signature against the provider's key set
// and checks audience, issuer and expiry. Only RS256 signatures are
// accepted; "none" and HMAC algorithms are rejected outright to prevent
// algorithm-confusion attacks.
func (p *CallbackProcessor) validate(ctx context.Context, raw IdToken) (*DecodedIdentity, *CallbackError) {
	tok, err := jwt.ParseSigned(string(raw))
	if err != nil {
		return nil, validationFailed("id_token is not a valid JWT")
	}
	if len(tok.Headers) != 1 {
		return nil, validationFailed("id_token has an unexpected number of signatures")
	}
	header := tok.Headers[0]
	if header.Algorithm != string(jose.RS256) {
		return nil, validationFailed(fmt.Sprintf("unexpected signing algorithm %q", header.Algorithm))
	}

	key, err := p.keys.ResolveKey(ctx, header.KeyID)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, validationFailed("unknown key")
		}
		p.logger.Error("unable to resolve signing key", "error", err)
		return nil, validationFailed("unable to resolve signing key")
	}

	var std jwt.Claims
	var extra struct {
		Email string `json:"email"`
	}
	if err := tok.Claims(key, &std, &extra); err != nil {
		return nil, validationFailed("invalid signature")
	}

	if !audienceContains(std.Audience, p.clientID) {
		return nil, validationFailed("invalid audience")
	}
	if std.Issuer != p.metadata.Issuer {
		return nil, validationFailed("invalid issuer")
	}
	if std.Expiry == nil || std.Expiry.Time().Before(time.Now()) {
		return nil, validationFailed("id_token is expired")
	}

	identity := &DecodedIdentity{
		Subject:  std.Subject,
		Email:    extra.Email,
		Audience: std.Audience,
		Issuer:   std.Issuer,
		Expiry:   std.Expiry.Time(),
	}
	return identity, nil
}

func validationFailed(reason string) *CallbackError {
	return &CallbackError{Kind: KindTokenValidationFailed, Description: reason}
}

func audienceContains(aud jwt.Audience, clientID string) bool {
	for _, a := range aud {
		if a == clientID {
			return true
		}
	}
	return false
}

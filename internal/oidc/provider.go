package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// DiscoveryPath is the well-known path for an OpenID Connect discovery
// document, relative to the provider's base URL.
const DiscoveryPath = "/.well-known/openid-configuration"

// maxResponseBytes bounds how much of a provider response is read.
const maxResponseBytes = 1 << 20

// ProviderMetadata is an immutable snapshot of the provider's discovery
// document. It is loaded once at process start; a nil *ProviderMetadata
// means discovery never succeeded and the service is degraded.
type ProviderMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

func (m *ProviderMetadata) validate() error {
	for _, f := range []struct{ name, value string }{
		{"issuer", m.Issuer},
		{"authorization_endpoint", m.AuthorizationEndpoint},
		{"token_endpoint", m.TokenEndpoint},
		{"jwks_uri", m.JWKSURI},
	} {
		if f.value == "" {
			return fmt.Errorf("discovery document is missing %s: %w", f.name, ErrInvalidParameter)
		}
		if _, err := url.Parse(f.value); err != nil {
			return fmt.Errorf("discovery document field %s is not a valid URL: %w", f.name, err)
		}
	}
	return nil
}

// NewHTTPClient returns a pooled client with a bounded timeout, suitable for
// every outbound call to the provider (discovery, token exchange, key-set
// fetch). A slow provider must never hold a request open indefinitely.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: cleanhttp.DefaultPooledTransport(),
		Timeout:   timeout,
	}
}

// Discover fetches and validates the provider's discovery document. It runs
// exactly once at startup; there is no retry loop. Any transport failure,
// non-2xx response or missing required field yields an error, in which case
// the caller must treat the whole metadata as unset rather than keeping a
// partially populated snapshot.
func Discover(ctx context.Context, client *http.Client, providerBaseURL string) (*ProviderMetadata, error) {
	const op = "oidc.Discover"
	if providerBaseURL == "" {
		return nil, fmt.Errorf("%s: provider URL is empty: %w", op, ErrInvalidParameter)
	}
	if client == nil {
		client = NewHTTPClient(10 * time.Second)
	}

	wellKnown := strings.TrimSuffix(providerBaseURL, "/") + DiscoveryPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create discovery request: %w", op, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to fetch discovery document: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to read discovery document: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s: discovery endpoint returned status %d: %w", op, resp.StatusCode, ErrInvalidParameter)
	}

	var md ProviderMetadata
	if err := json.Unmarshal(body, &md); err != nil {
		return nil, fmt.Errorf("%s: unable to decode discovery document: %w", op, err)
	}
	if err := md.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &md, nil
}

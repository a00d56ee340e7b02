// Package oidc implements the provider-facing half of the bridge: discovery
// of the provider's endpoints, lookup-driven caching of its signing keys,
// construction of authorization URLs and the callback state machine that
// exchanges an authorization code for tokens and validates the resulting
// id_token.
//
// The package holds no per-user session state. A single ProviderMetadata
// snapshot is loaded once at startup and read by every request; the signing
// key set is the only mutable shared state and is replaced wholesale, never
// mutated in place.
package oidc

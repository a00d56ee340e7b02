package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/square/go-jose.v2"
)

// keySnapshot is one immutable fetch of the provider's key set. Refreshing
// replaces the whole snapshot; entries are never mutated in place, so
// concurrent readers always see a consistent set.
type keySnapshot struct {
	set       jose.JSONWebKeySet
	refreshed time.Time
}

// KeyResolver caches the provider's signing keys from its jwks_uri. The
// cache is lookup-driven: a miss triggers exactly one refetch before the key
// is reported as unknown. There is no timer-driven refresh, which bounds
// provider calls while still tolerating key rotation.
type KeyResolver struct {
	jwksURI string
	client  *http.Client
	logger  hclog.Logger

	// mu serializes refreshes; readers go through the atomic snapshot and
	// never block.
	mu       sync.Mutex
	snapshot atomic.Pointer[keySnapshot]
}

// NewKeyResolver creates a KeyResolver for the given jwks_uri. The key set
// starts empty and is populated on the first lookup.
func NewKeyResolver(jwksURI string, client *http.Client, logger hclog.Logger) *KeyResolver {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &KeyResolver{
		jwksURI: jwksURI,
		client:  client,
		logger:  logger.Named("keys"),
	}
}

// ResolveKey returns the provider public key with the given key id. On a
// cache miss the key set is refetched once and re-checked; a key still
// missing after that yields ErrKeyNotFound.
func (r *KeyResolver) ResolveKey(ctx context.Context, keyID string) (*jose.JSONWebKey, error) {
	const op = "KeyResolver.ResolveKey"
	if k := r.lookup(keyID); k != nil {
		return k, nil
	}
	if err := r.refresh(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if k := r.lookup(keyID); k != nil {
		return k, nil
	}
	return nil, fmt.Errorf("%s: no key with id %q: %w", op, keyID, ErrKeyNotFound)
}

// LastRefreshed reports when the current snapshot was fetched. The zero time
// means the key set has never been fetched.
func (r *KeyResolver) LastRefreshed() time.Time {
	if snap := r.snapshot.Load(); snap != nil {
		return snap.refreshed
	}
	return time.Time{}
}

func (r *KeyResolver) lookup(keyID string) *jose.JSONWebKey {
	snap := r.snapshot.Load()
	if snap == nil {
		return nil
	}
	if keys := snap.set.Key(keyID); len(keys) > 0 {
		return &keys[0]
	}
	return nil
}

// refresh fetches the key set and atomically replaces the snapshot.
func (r *KeyResolver) refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.jwksURI, nil)
	if err != nil {
		return fmt.Errorf("unable to create key set request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("unable to fetch key set: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("unable to read key set: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("key set endpoint returned status %d: %w", resp.StatusCode, ErrInvalidParameter)
	}

	var set jose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return fmt.Errorf("unable to decode key set: %w", err)
	}

	r.snapshot.Store(&keySnapshot{set: set, refreshed: time.Now()})
	r.logger.Debug("key set refreshed", "keys", len(set.Keys))
	return nil
}

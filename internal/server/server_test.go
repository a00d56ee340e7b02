package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extauth/oidc-bridge/internal/conf"
	"github.com/extauth/oidc-bridge/internal/oidc"
)

const (
	testClientID = "test-client-id"
	testSecret   = "test-client-secret"
	testCode     = "test-auth-code"
	testState    = "st_2596b60ee17a"
)

// startBridge brings up a test provider and the bridge in front of it. When
// discover is false the bridge starts degraded, as if discovery had failed.
func startBridge(t *testing.T, mode string, discover bool) (*oidc.TestProvider, *httptest.Server, *conf.Config) {
	t.Helper()

	tp := oidc.StartTestProvider(t)
	tp.SetClientCreds(testClientID, testSecret)
	tp.SetExpectedAuthCode(testCode)

	// the bridge handler is bound after the listener so the config can
	// carry the real base URL
	var svc *Service
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		svc.Handler().ServeHTTP(w, req)
	}))
	t.Cleanup(ts.Close)

	cfg := &conf.Config{
		Server: conf.Server{ListenAddr: ":0", BaseURL: ts.URL},
		Provider: conf.Provider{
			URL:            tp.Addr(),
			ClientID:       testClientID,
			ClientSecret:   oidc.ClientSecret(testSecret),
			TimeoutSeconds: 5,
		},
		App: conf.App{
			Scheme:       "testapp",
			ExtensionID:  "publisher.extension",
			RedirectMode: mode,
		},
	}
	tp.SetAllowedRedirectURIs([]string{cfg.RedirectURL()})

	var metadata *oidc.ProviderMetadata
	if discover {
		md, err := oidc.Discover(context.Background(), oidc.NewHTTPClient(5*time.Second), tp.Addr())
		require.NoError(t, err)
		metadata = md
	}
	svc = New(cfg, metadata, nil)
	return tp, ts, cfg
}

// noRedirectClient returns redirect responses instead of following them;
// the final hop is a custom URI scheme no HTTP client could follow anyway.
func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func TestService_InfoEndpoints(t *testing.T) {
	t.Parallel()

	t.Run("health", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		_, ts, _ := startBridge(t, "direct", true)

		resp, err := http.Get(ts.URL + "/health")
		require.NoError(err)
		defer resp.Body.Close()
		require.Equal(http.StatusOK, resp.StatusCode)

		var body map[string]string
		require.NoError(json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal("ok", body["status"])
	})

	t.Run("root-configured", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		tp, ts, _ := startBridge(t, "direct", true)

		resp, err := http.Get(ts.URL + "/")
		require.NoError(err)
		defer resp.Body.Close()
		require.Equal(http.StatusOK, resp.StatusCode)

		var body map[string]interface{}
		require.NoError(json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(tp.Addr(), body["provider"])
		assert.Equal(true, body["configured"])
	})

	t.Run("root-degraded", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		_, ts, _ := startBridge(t, "direct", false)

		resp, err := http.Get(ts.URL + "/")
		require.NoError(err)
		defer resp.Body.Close()
		require.Equal(http.StatusOK, resp.StatusCode)

		var body map[string]interface{}
		require.NoError(json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(false, body["configured"])
	})
}

func TestService_Login(t *testing.T) {
	t.Parallel()

	t.Run("redirects-with-exact-state", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		tp, ts, cfg := startBridge(t, "direct", true)
		client := noRedirectClient()

		state := "st @te/with?&=chars"
		resp, err := client.Get(ts.URL + "/login?state=" + url.QueryEscape(state))
		require.NoError(err)
		defer resp.Body.Close()
		require.Equal(http.StatusFound, resp.StatusCode)

		loc, err := url.Parse(resp.Header.Get("Location"))
		require.NoError(err)
		assert.True(strings.HasPrefix(loc.String(), tp.Addr()+"/auth"), loc.String())
		q := loc.Query()
		assert.Equal(state, q.Get("state"))
		assert.Equal(testClientID, q.Get("client_id"))
		assert.Equal(cfg.RedirectURL(), q.Get("redirect_uri"))
	})

	t.Run("missing-state-is-client-error", func(t *testing.T) {
		t.Parallel()
		require := require.New(t)
		_, ts, _ := startBridge(t, "direct", true)

		resp, err := http.Get(ts.URL + "/login")
		require.NoError(err)
		defer resp.Body.Close()
		require.Equal(http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("degraded-is-service-unavailable", func(t *testing.T) {
		t.Parallel()
		require := require.New(t)
		_, ts, _ := startBridge(t, "direct", false)

		resp, err := http.Get(ts.URL + "/login?state=" + testState)
		require.NoError(err)
		defer resp.Body.Close()
		require.Equal(http.StatusServiceUnavailable, resp.StatusCode)
	})
}

// TestService_FullFlow walks the whole authorization code flow: /login,
// the provider's authorization endpoint, the callback, and the final
// redirect to the desktop app's URI scheme.
func TestService_FullFlow(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	_, ts, _ := startBridge(t, "direct", true)
	client := noRedirectClient()

	// hop 1: bridge login -> provider auth endpoint
	resp, err := client.Get(ts.URL + "/login?state=" + url.QueryEscape(testState))
	require.NoError(err)
	resp.Body.Close()
	require.Equal(http.StatusFound, resp.StatusCode)
	authURL := resp.Header.Get("Location")

	// hop 2: provider auth endpoint -> bridge callback with code+state
	resp, err = client.Get(authURL)
	require.NoError(err)
	resp.Body.Close()
	require.Equal(http.StatusFound, resp.StatusCode)
	callbackURL := resp.Header.Get("Location")
	require.True(strings.HasPrefix(callbackURL, ts.URL+conf.CallbackPath), callbackURL)

	// hop 3: bridge callback -> desktop app URI
	resp, err = client.Get(callbackURL)
	require.NoError(err)
	resp.Body.Close()
	require.Equal(http.StatusFound, resp.StatusCode)

	target, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(err)
	assert.Equal("testapp", target.Scheme)
	assert.Equal("publisher.extension", target.Host)
	assert.Equal("/oidc", target.Path)

	q := target.Query()
	assert.Equal(testState, q.Get("state"))
	assert.NotEmpty(q.Get("id_token"))
	assert.Equal("access-"+testCode, q.Get("access_token"))
	assert.Equal("Bearer", q.Get("token_type"))
	assert.Equal("3600", q.Get("expires_in"))
	assert.Empty(q.Get("error"))
}

func TestService_Callback_Failures(t *testing.T) {
	t.Parallel()

	t.Run("missing-parameters", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		_, ts, _ := startBridge(t, "direct", true)
		client := noRedirectClient()

		resp, err := client.Get(ts.URL + conf.CallbackPath + "?state=" + testState)
		require.NoError(err)
		defer resp.Body.Close()
		require.Equal(http.StatusFound, resp.StatusCode)

		target, err := url.Parse(resp.Header.Get("Location"))
		require.NoError(err)
		assert.Equal("missing_parameter", target.Query().Get("error"))
		assert.Equal(testState, target.Query().Get("state"))
	})

	t.Run("provider-token-endpoint-500", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		tp, ts, _ := startBridge(t, "direct", true)
		tp.SetTokenErrorStatus(500)
		client := noRedirectClient()

		resp, err := client.Get(ts.URL + conf.CallbackPath + "?code=" + testCode + "&state=" + testState)
		require.NoError(err)
		defer resp.Body.Close()
		require.Equal(http.StatusFound, resp.StatusCode)

		target, err := url.Parse(resp.Header.Get("Location"))
		require.NoError(err)
		q := target.Query()
		assert.Equal("provider_error", q.Get("error"))
		assert.Equal(testState, q.Get("state"))
		// no token material leaks into the error redirect
		assert.Empty(q.Get("id_token"))
		assert.Empty(q.Get("access_token"))
	})

	t.Run("provider-authorization-error-passthrough", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		_, ts, _ := startBridge(t, "direct", true)
		client := noRedirectClient()

		u := ts.URL + conf.CallbackPath + "?error=access_denied&error_description=user+cancelled&state=" + testState
		resp, err := client.Get(u)
		require.NoError(err)
		defer resp.Body.Close()
		require.Equal(http.StatusFound, resp.StatusCode)

		target, err := url.Parse(resp.Header.Get("Location"))
		require.NoError(err)
		q := target.Query()
		assert.Equal("provider_error", q.Get("error"))
		assert.Contains(q.Get("error_description"), "access_denied")
		assert.Contains(q.Get("error_description"), "user cancelled")
		assert.Equal(testState, q.Get("state"))
	})

	t.Run("degraded-callback", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		_, ts, _ := startBridge(t, "direct", false)
		client := noRedirectClient()

		resp, err := client.Get(ts.URL + conf.CallbackPath + "?code=" + testCode + "&state=" + testState)
		require.NoError(err)
		defer resp.Body.Close()
		require.Equal(http.StatusFound, resp.StatusCode)

		target, err := url.Parse(resp.Header.Get("Location"))
		require.NoError(err)
		assert.Equal("not_configured", target.Query().Get("error"))
	})

	t.Run("landing-mode-error-page", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		tp, ts, _ := startBridge(t, "landing", true)
		tp.SetTokenErrorStatus(502)

		resp, err := http.Get(ts.URL + conf.CallbackPath + "?code=" + testCode + "&state=" + testState)
		require.NoError(err)
		defer resp.Body.Close()
		require.Equal(http.StatusBadRequest, resp.StatusCode)
		assert.Contains(resp.Header.Get("Content-Type"), "text/html")
	})
}

// Package server wires the HTTP surface: liveness endpoints, the /login
// entry point and the provider callback route.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"

	"github.com/extauth/oidc-bridge/internal/conf"
	"github.com/extauth/oidc-bridge/internal/oidc"
	"github.com/extauth/oidc-bridge/internal/render"
)

// Service holds the process-wide state shared by every request: the
// discovery snapshot (nil while degraded), the key resolver and the
// renderer. It is constructed once at startup; all fields are read-only
// afterwards.
type Service struct {
	cfg       *conf.Config
	metadata  *oidc.ProviderMetadata
	processor *oidc.CallbackProcessor
	renderer  *render.Renderer
	logger    hclog.Logger
}

// New builds the service around a discovery result. A nil metadata puts the
// service into degraded mode: /login and the callback fail fast with
// not-configured errors, but the process serves traffic and reports its
// state on the root endpoint.
func New(cfg *conf.Config, metadata *oidc.ProviderMetadata, logger hclog.Logger) *Service {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	client := oidc.NewHTTPClient(cfg.Provider.HTTPTimeout())
	var keys *oidc.KeyResolver
	if metadata != nil {
		keys = oidc.NewKeyResolver(metadata.JWKSURI, client, logger)
	}
	processor := oidc.NewCallbackProcessor(
		metadata,
		keys,
		cfg.Provider.ClientID,
		cfg.Provider.ClientSecret,
		cfg.RedirectURL(),
		client,
		logger,
	)
	renderer := render.New(
		cfg.App.Scheme,
		cfg.App.ExtensionID,
		render.Mode(cfg.App.RedirectMode),
		logger,
	)

	return &Service{
		cfg:       cfg,
		metadata:  metadata,
		processor: processor,
		renderer:  renderer,
		logger:    logger.Named("http"),
	}
}

// Configured reports whether provider discovery succeeded.
func (s *Service) Configured() bool {
	return s.metadata != nil
}

// Handler returns the service's router.
func (s *Service) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestID)
	r.HandleFunc("/", s.root).Methods(http.MethodGet)
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/login", s.login).Methods(http.MethodGet)
	r.HandleFunc(conf.CallbackPath, s.callback).Methods(http.MethodGet)
	return r
}

// requestID tags every request with an id for log correlation.
func (s *Service) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id, err := uuid.GenerateUUID()
		if err == nil {
			w.Header().Set("X-Request-Id", id)
		}
		s.logger.Debug("request", "id", id, "method", req.Method, "path", req.URL.Path)
		next.ServeHTTP(w, req)
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Service) root(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider":   s.cfg.Provider.URL,
		"configured": s.Configured(),
	})
}

func (s *Service) health(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// login begins the flow: it validates the desktop app's state value and
// redirects the browser to the provider's authorization endpoint.
func (s *Service) login(w http.ResponseWriter, req *http.Request) {
	state := req.URL.Query().Get("state")

	authURL, err := oidc.AuthURL(s.metadata, s.cfg.Provider.ClientID, s.cfg.RedirectURL(), state)
	switch {
	case errors.Is(err, oidc.ErrMissingParameter):
		http.Error(w, "missing state parameter", http.StatusBadRequest)
		return
	case errors.Is(err, oidc.ErrNotConfigured):
		http.Error(w, "provider is not configured", http.StatusServiceUnavailable)
		return
	case err != nil:
		s.logger.Error("unable to build authorization URL", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, req, authURL, http.StatusFound)
}

// callback receives the provider redirect, runs the state machine and hands
// the result to the renderer. Provider-initiated errors (the OAuth error
// response) short-circuit before any token exchange.
func (s *Service) callback(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	state := q.Get("state")

	if errCode := q.Get("error"); errCode != "" {
		desc := q.Get("error_description")
		s.logger.Error("provider returned an authorization error", "error", errCode, "description", desc)
		if desc == "" {
			desc = "provider returned error " + errCode
		} else {
			desc = errCode + ": " + desc
		}
		s.renderer.Render(w, req, oidc.Failure(oidc.KindProviderError, desc, state))
		return
	}

	result := s.processor.Process(req.Context(), q.Get("code"), state)
	if !result.Succeeded() {
		s.logger.Error("callback failed", "kind", result.Err.Kind, "description", result.Err.Description)
	}
	s.renderer.Render(w, req, result)
}

// Package conf loads and validates the bridge configuration from a YAML
// file with environment variable overrides. All values are read-only for
// the process lifetime.
package conf

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/extauth/oidc-bridge/internal/oidc"
)

// CallbackPath is the provider-facing callback route. The redirect URI
// registered with the provider must be the server base URL plus this path.
const CallbackPath = "/oauth/oidc/callback"

// Config is the top-level configuration.
type Config struct {
	Server   Server   `yaml:"server"`
	Provider Provider `yaml:"provider"`
	App      App      `yaml:"app"`
}

// Server configures this service's own HTTP surface.
type Server struct {
	ListenAddr string `yaml:"listen_addr"`

	// BaseURL is the externally visible base URL, used to build the
	// redirect URI sent to the provider.
	BaseURL string `yaml:"base_url"`
}

// Provider configures the upstream OIDC provider.
type Provider struct {
	URL          string            `yaml:"url"`
	ClientID     string            `yaml:"client_id"`
	ClientSecret oidc.ClientSecret `yaml:"client_secret"`

	// TimeoutSeconds bounds every outbound call to the provider.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// HTTPTimeout returns the bound for outbound provider calls.
func (p Provider) HTTPTimeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// App identifies the desktop application receiving the final redirect.
type App struct {
	// Scheme is the custom URI scheme the application registered.
	Scheme string `yaml:"scheme"`

	// ExtensionID is the authority component of the target URI.
	ExtensionID string `yaml:"extension_id"`

	// RedirectMode is "direct" (302 to the app URI) or "landing" (HTML
	// page that navigates to it).
	RedirectMode string `yaml:"redirect_mode"`
}

// RedirectURL returns the redirect URI this server registers with the
// provider. It must match byte-for-byte between the authorization URL and
// the token exchange.
func (c *Config) RedirectURL() string {
	return strings.TrimSuffix(c.Server.BaseURL, "/") + CallbackPath
}

// Load reads the config file at path, applies env overrides and defaults,
// and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("unable to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unable to parse config file: %w", err)
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("SERVER_BASE_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("OIDC_PROVIDER_URL"); v != "" {
		cfg.Provider.URL = v
	}
	if v := os.Getenv("OIDC_CLIENT_ID"); v != "" {
		cfg.Provider.ClientID = v
	}
	if v := os.Getenv("OIDC_CLIENT_SECRET"); v != "" {
		cfg.Provider.ClientSecret = oidc.ClientSecret(v)
	}
	if v := os.Getenv("APP_SCHEME"); v != "" {
		cfg.App.Scheme = v
	}
	if v := os.Getenv("APP_EXTENSION_ID"); v != "" {
		cfg.App.ExtensionID = v
	}
	if v := os.Getenv("APP_REDIRECT_MODE"); v != "" {
		cfg.App.RedirectMode = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Provider.TimeoutSeconds == 0 {
		cfg.Provider.TimeoutSeconds = 10
	}
	if cfg.App.RedirectMode == "" {
		cfg.App.RedirectMode = "landing"
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	for _, f := range []struct{ name, value string }{
		{"server.base_url", c.Server.BaseURL},
		{"provider.url", c.Provider.URL},
		{"provider.client_id", c.Provider.ClientID},
		{"provider.client_secret", string(c.Provider.ClientSecret)},
		{"app.scheme", c.App.Scheme},
		{"app.extension_id", c.App.ExtensionID},
	} {
		if f.value == "" {
			result = multierror.Append(result, fmt.Errorf("%s is required", f.name))
		}
	}
	switch c.App.RedirectMode {
	case "direct", "landing":
	default:
		result = multierror.Append(result, fmt.Errorf("app.redirect_mode must be direct or landing, got %q", c.App.RedirectMode))
	}
	return result.ErrorOrNil()
}

// Package render turns a CallbackResult into the HTTP response that hands
// the flow back to the desktop application's custom URI scheme, either as a
// direct 302 or as an HTML landing page. Custom URI schemes are not followed
// reliably by every browser on a 302, which is why the landing page exists.
package render

import (
	"fmt"
	"html/template"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-hclog"

	"github.com/extauth/oidc-bridge/internal/oidc"
)

// Mode selects how a callback result is returned to the browser.
type Mode string

const (
	// ModeDirect issues a 302 redirect straight to the app URI.
	ModeDirect Mode = "direct"

	// ModeLanding serves an HTML page that auto-navigates to the app URI
	// and offers a clickable link plus the raw URI as fallback.
	ModeLanding Mode = "landing"
)

// Renderer builds responses for one configured desktop application.
// Rendering is deterministic: identical results produce byte-identical
// output.
type Renderer struct {
	scheme      string
	extensionID string
	mode        Mode
	logger      hclog.Logger
}

// New creates a Renderer targeting scheme://extensionID/oidc.
func New(scheme, extensionID string, mode Mode, logger hclog.Logger) *Renderer {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Renderer{
		scheme:      scheme,
		extensionID: extensionID,
		mode:        mode,
		logger:      logger.Named("render"),
	}
}

// TargetURI builds the app URI for a result. Every token field (or the
// error fields) plus state appears exactly once, percent-encoded exactly
// once; url.Values.Encode sorts keys, keeping the output stable.
func (r *Renderer) TargetURI(res oidc.CallbackResult) string {
	q := url.Values{}
	if res.Succeeded() {
		for k, v := range res.Tokens {
			q.Set(k, v)
		}
	} else {
		q.Set("error", string(res.Err.Kind))
		q.Set("error_description", res.Err.Description)
	}
	q.Set("state", res.State)
	return fmt.Sprintf("%s://%s/oidc?%s", r.scheme, r.extensionID, q.Encode())
}

// Render writes the HTTP response for a callback result.
func (r *Renderer) Render(w http.ResponseWriter, req *http.Request, res oidc.CallbackResult) {
	target := r.TargetURI(res)

	if r.mode == ModeDirect {
		http.Redirect(w, req, target, http.StatusFound)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if res.Succeeded() {
		w.WriteHeader(http.StatusOK)
		if err := landingTmpl.Execute(w, landingData{Target: template.URL(target)}); err != nil {
			r.logger.Error("unable to render landing page", "error", err)
		}
		return
	}

	w.WriteHeader(http.StatusBadRequest)
	data := errorData{
		Target:      template.URL(target),
		Kind:        string(res.Err.Kind),
		Description: res.Err.Description,
	}
	if err := errorTmpl.Execute(w, data); err != nil {
		r.logger.Error("unable to render error page", "error", err)
	}
}

// Target is template.URL so the custom scheme survives href contexts;
// html/template's URL sanitizer would otherwise replace anything outside
// http/https/mailto with a placeholder. The value is safe to trust: it is
// built from the configured scheme and extension id plus a query string
// escaped by url.Values.Encode.
type landingData struct {
	Target template.URL
}

type errorData struct {
	Target      template.URL
	Kind        string
	Description string
}

var landingTmpl = template.Must(template.New("landing").Parse(`<!DOCTYPE html>
<html>
<head>
<title>Returning to the application...</title>
<style>
body { font-family: Arial, sans-serif; padding: 20px; text-align: center; background-color: #f5f5f5; }
.container { max-width: 500px; margin: 50px auto; padding: 30px; background: white; border-radius: 10px; box-shadow: 0 2px 10px rgba(0,0,0,0.1); }
.open-link { margin-top: 20px; padding: 10px 20px; background-color: #007acc; color: white; text-decoration: none; border-radius: 5px; display: inline-block; }
.raw-uri { margin-top: 20px; word-break: break-all; font-size: 12px; color: #666; }
</style>
</head>
<body>
<div class="container">
<h1>Sign-in complete</h1>
<p>Returning you to the application. If nothing happens, use the link below.</p>
<a id="open" class="open-link" href="{{.Target}}">Open the application</a>
<div class="raw-uri">{{.Target}}</div>
</div>
<script>
setTimeout(function () {
  window.location.href = document.getElementById("open").href;
}, 1000);
</script>
</body>
</html>
`))

var errorTmpl = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head>
<title>Authentication Error</title>
<style>
body { font-family: Arial, sans-serif; padding: 20px; text-align: center; }
.error { color: red; margin: 20px 0; }
button { padding: 10px 20px; font-size: 16px; cursor: pointer; }
</style>
</head>
<body>
<h1>Authentication Error</h1>
<div class="error">{{.Kind}}: {{.Description}}</div>
<p><a href="{{.Target}}">Return to the application</a></p>
<button onclick="window.close()">Close Window</button>
</body>
</html>
`))

package authserver

import (
	"html/template"
	"net/http"
	"strings"

	"github.com/ethpandaops/xatu-mcp/pkg/logger"
)

// The login page runs the PKCE dance in the browser: it generates a
// verifier, derives the S256 challenge and sends the user through
// /auth/authorize. The base URL is injected as template data, never by
// string concatenation, so the script treats it as an opaque value.
var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>xatu-mcp sign in</title>
  <style>
    body { font-family: system-ui, sans-serif; max-width: 32rem; margin: 4rem auto; padding: 0 1rem; }
    button { font-size: 1rem; padding: 0.6rem 1.2rem; cursor: pointer; }
    code { background: #f4f4f4; padding: 0.1rem 0.3rem; }
  </style>
</head>
<body>
  <h1>xatu-mcp</h1>
  <p>Sign in with GitHub to obtain an access token for this gateway.</p>
  <button id="login">Sign in with GitHub</button>
  <p id="result"></p>
  <script>
    const baseURL = {{.BaseURL}};
    const scopes = {{.Scopes}};

    function b64url(bytes) {
      return btoa(String.fromCharCode(...new Uint8Array(bytes)))
        .replace(/\+/g, "-").replace(/\//g, "_").replace(/=+$/, "");
    }

    async function startLogin() {
      const verifierBytes = new Uint8Array(32);
      crypto.getRandomValues(verifierBytes);
      const verifier = b64url(verifierBytes);
      sessionStorage.setItem("pkce_verifier", verifier);

      const digest = await crypto.subtle.digest("SHA-256", new TextEncoder().encode(verifier));
      const challenge = b64url(digest);

      const stateBytes = new Uint8Array(16);
      crypto.getRandomValues(stateBytes);
      const state = b64url(stateBytes);
      sessionStorage.setItem("oauth_state", state);

      const params = new URLSearchParams({
        response_type: "code",
        client_id: "xatu-mcp-login",
        redirect_uri: baseURL + "/auth/login",
        code_challenge: challenge,
        code_challenge_method: "S256",
        resource: baseURL,
        scope: scopes,
        state: state,
      });

      window.location = baseURL + "/auth/authorize?" + params.toString();
    }

    async function completeLogin(code, state) {
      if (state !== sessionStorage.getItem("oauth_state")) {
        document.getElementById("result").textContent = "State mismatch; please retry.";
        return;
      }

      const resp = await fetch(baseURL + "/auth/token", {
        method: "POST",
        headers: { "Content-Type": "application/x-www-form-urlencoded" },
        body: new URLSearchParams({
          grant_type: "authorization_code",
          code: code,
          redirect_uri: baseURL + "/auth/login",
          client_id: "xatu-mcp-login",
          code_verifier: sessionStorage.getItem("pkce_verifier"),
          resource: baseURL,
        }),
      });

      const body = await resp.json();
      if (!resp.ok) {
        document.getElementById("result").textContent = "Sign in failed: " + body.error;
        return;
      }

      document.getElementById("result").innerHTML =
        "Access token (keep it secret):<br><code>" + body.access_token + "</code>";
    }

    document.getElementById("login").addEventListener("click", startLogin);

    const query = new URLSearchParams(window.location.search);
    if (query.has("code")) {
      completeLogin(query.get("code"), query.get("state"));
    }
  </script>
</body>
</html>
`))

var errorTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: system-ui, sans-serif; max-width: 32rem; margin: 4rem auto; padding: 0 1rem; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <p>{{.Message}}</p>
</body>
</html>
`))

// handleLogin serves GET /auth/login, the browser-based login affordance.
func (s *Server) handleLogin(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	err := loginTemplate.Execute(w, map[string]string{
		"BaseURL": s.baseURL,
		"Scopes":  strings.Join(SupportedScopes, " "),
	})
	if err != nil {
		logger.Errorw("failed to render login page", "error", err.Error())
	}
}

// renderErrorPage writes a terminal HTML page for browser-facing failures.
// The message is user-safe; provider detail stays in the logs.
func (s *Server) renderErrorPage(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)

	err := errorTemplate.Execute(w, map[string]string{
		"Title":   title,
		"Message": message,
	})
	if err != nil {
		logger.Errorw("failed to render error page", "error", err.Error())
	}
}

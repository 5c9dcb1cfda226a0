package api

import (
	_ "embed"
	"encoding/json"
	"net/http"
	"strings"

	"scriptforge/backend/internal/auth"
)

//go:embed openapi.yaml
var openAPISpec string

// SpecHandler serves the embedded OpenAPI document with {oktaIssuer}
// replaced by the configured issuer.
func SpecHandler(oktaIssuer string) http.HandlerFunc {
	spec := []byte(strings.ReplaceAll(openAPISpec, "{oktaIssuer}", oktaIssuer))
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(spec)
	}
}

// SwaggerHandler serves a Swagger UI page for the OpenAPI document. The
// authorization endpoints come from the document's security scheme; the
// client uses PKCE so no secret is embedded in the page.
func SwaggerHandler(clientID string) http.HandlerFunc {
	scopes, _ := json.Marshal(auth.AllScopes)
	return func(w http.ResponseWriter, r *http.Request) {
		scheme := "http"
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			scheme = "https"
		}
		page := strings.NewReplacer(
			"${SPEC_URL}", "/openapi.yaml",
			"${OAUTH2_REDIRECT}", scheme+"://"+r.Host+"/docs/oauth2-redirect.html",
			"${CLIENT_ID}", clientID,
			"${SCOPES}", string(scopes),
		).Replace(swaggerHTML)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	}
}

// OAuthRedirectHandler serves the OAuth2 redirect page used by Swagger UI.
func OAuthRedirectHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(oauthRedirectHTML))
}

const swaggerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8" />
  <title>scriptforge API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist/swagger-ui.css" />
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist/swagger-ui-bundle.js"></script>
  <script>
  window.onload = function() {
    const ui = SwaggerUIBundle({
      url: "${SPEC_URL}",
      dom_id: "#swagger-ui",
      presets: [SwaggerUIBundle.presets.apis],
      layout: "BaseLayout",
      oauth2RedirectUrl: "${OAUTH2_REDIRECT}",
      persistAuthorization: true
    });
    ui.initOAuth({
      clientId: "${CLIENT_ID}",
      scopes: ${SCOPES},
      usePkceWithAuthorizationCodeGrant: true
    });
    window.ui = ui;
  };
  </script>
</body>
</html>`

const oauthRedirectHTML = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"/><title>OAuth2 Redirect</title></head>
<body>
<script>
if (window.opener && window.opener.swaggerUIRedirectCallback) {
  window.opener.swaggerUIRedirectCallback(window.location.href);
}
</script>
</body>
</html>`

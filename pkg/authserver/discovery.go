package authserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethpandaops/xatu-mcp/pkg/logger"
)

// DefaultDiscoveryCacheMaxAge is the Cache-Control max-age for the metadata
// documents (1 hour).
const DefaultDiscoveryCacheMaxAge = 3600

// Well-known metadata document paths.
const (
	ProtectedResourcePath   = "/.well-known/oauth-protected-resource"
	AuthorizationServerPath = "/.well-known/oauth-authorization-server"
	OpenIDConfigurationPath = "/.well-known/openid-configuration"
)

// ProtectedResourceMetadata is the RFC 9728 protected resource document.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ScopesSupported        []string `json:"scopes_supported"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// AuthorizationServerMetadata is the RFC 8414 authorization server document.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`

	// ClientIDMetadataDocumentSupported advertises that clients may identify
	// themselves with a client metadata document URL instead of a registered
	// client id.
	ClientIDMetadataDocumentSupported bool `json:"client_id_metadata_document_supported"`
}

// FormatWWWAuthenticate builds a Bearer challenge pointing at the protected
// resource metadata. Quotes in the description are escaped so the header
// stays parseable.
func FormatWWWAuthenticate(baseURL, errorCode, description string, extra map[string]string) string {
	parts := []string{
		fmt.Sprintf("resource_metadata=%q", baseURL+ProtectedResourcePath),
	}

	if errorCode != "" {
		parts = append(parts, fmt.Sprintf("error=%q", errorCode))
	}

	if description != "" {
		escaped := strings.ReplaceAll(description, `"`, `\"`)
		parts = append(parts, fmt.Sprintf(`error_description="%s"`, escaped))
	}

	for k, v := range extra {
		parts = append(parts, fmt.Sprintf("%s=%q", k, v))
	}

	return "Bearer " + strings.Join(parts, ", ")
}

func (s *Server) protectedResourceMetadata() *ProtectedResourceMetadata {
	base := s.baseURL

	return &ProtectedResourceMetadata{
		Resource:               base,
		AuthorizationServers:   []string{base},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        SupportedScopes,
		ResourceDocumentation:  "https://github.com/ethpandaops/xatu-mcp",
	}
}

func (s *Server) authorizationServerMetadata() *AuthorizationServerMetadata {
	base := s.baseURL

	return &AuthorizationServerMetadata{
		Issuer:                            base,
		AuthorizationEndpoint:             base + "/auth/authorize",
		TokenEndpoint:                     base + "/auth/token",
		RevocationEndpoint:                base + "/auth/revoke",
		UserinfoEndpoint:                  base + "/auth/userinfo",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		ScopesSupported:                   SupportedScopes,
		ClientIDMetadataDocumentSupported: true,
	}
}

// handleProtectedResource serves GET /.well-known/oauth-protected-resource.
func (s *Server) handleProtectedResource(w http.ResponseWriter, _ *http.Request) {
	writeMetadata(w, s.protectedResourceMetadata())
}

// handleAuthorizationServer serves GET /.well-known/oauth-authorization-server.
func (s *Server) handleAuthorizationServer(w http.ResponseWriter, _ *http.Request) {
	writeMetadata(w, s.authorizationServerMetadata())
}

// handleOpenIDConfiguration serves GET /.well-known/openid-configuration.
// It mirrors the AS document for OIDC-aware clients.
func (s *Server) handleOpenIDConfiguration(w http.ResponseWriter, _ *http.Request) {
	writeMetadata(w, s.authorizationServerMetadata())
}

func writeMetadata(w http.ResponseWriter, doc any) {
	data, err := json.Marshal(doc)
	if err != nil {
		logger.Errorw("failed to encode metadata document", "error", err.Error())
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultDiscoveryCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}

package provider

import (
	"github.com/dgellow/authsession/internal/discovery"
	"github.com/dgellow/authsession/internal/urlutil"
)

// endpoint paths relative to the issuer
const (
	pathAuthorize    = "/authorize"
	pathToken        = "/token"
	pathUserinfo     = "/userinfo"
	pathLogout       = "/logout"
	pathRevoke       = "/revoke"
	pathCheckSession = "/check_session"
	pathJWKS         = "/jwks"
)

// Metadata builds the OpenID Provider discovery document
// https://openid.net/specs/openid-connect-discovery-1_0.html#ProviderMetadata
func (p *Provider) Metadata() (map[string]any, error) {
	doc := map[string]any{
		"issuer":                   p.issuer,
		"response_types_supported": []string{"code"},
		"response_modes_supported": []string{"query"},
		"grant_types_supported": []string{
			"authorization_code",
			"refresh_token",
		},
		"code_challenge_methods_supported": []string{
			"S256",
		},
		"token_endpoint_auth_methods_supported": []string{
			"none",
			"client_secret_basic",
			"client_secret_post",
		},
		"scopes_supported": []string{
			"openid",
			"profile",
			"email",
			"offline_access",
		},
		"claims_supported":                      []string{"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce", "sid", "name", "email"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"subject_types_supported":               []string{"public"},
		"prompt_values_supported":               []string{"none", "login"},
	}

	for field, path := range map[string]string{
		discovery.AuthorizationEndpoint: pathAuthorize,
		discovery.TokenEndpoint:         pathToken,
		discovery.UserinfoEndpoint:      pathUserinfo,
		discovery.EndSessionEndpoint:    pathLogout,
		discovery.RevocationEndpoint:    pathRevoke,
		discovery.CheckSessionIframe:    pathCheckSession,
		discovery.JWKSURI:               pathJWKS,
	} {
		endpoint, err := urlutil.JoinPath(p.issuer, path)
		if err != nil {
			return nil, err
		}
		doc[field] = endpoint
	}
	return doc, nil
}

package oauth

import (
	"net/url"
)

// Grant and token type identifiers
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"

	TokenTypeHintAccess  = "access_token"
	TokenTypeHintRefresh = "refresh_token"
)

// ClientCredentials identifies the client at the token endpoint. Public
// clients leave Secret empty and send only client_id.
type ClientCredentials struct {
	ID     string
	Secret string
}

func (c ClientCredentials) apply(v url.Values) {
	v.Set("client_id", c.ID)
	if c.Secret != "" {
		v.Set("client_secret", c.Secret)
	}
}

// CodeExchange builds the authorization_code grant request body.
func CodeExchange(client ClientCredentials, code, redirectURI, codeVerifier string) url.Values {
	v := url.Values{}
	v.Set("grant_type", GrantAuthorizationCode)
	v.Set("code", code)
	v.Set("redirect_uri", redirectURI)
	v.Set("code_verifier", codeVerifier)
	client.apply(v)
	return v
}

// RefreshGrant builds the refresh_token grant request body. scope may be
// empty to keep the originally granted scope.
func RefreshGrant(client ClientCredentials, refreshToken, scope string) url.Values {
	v := url.Values{}
	v.Set("grant_type", GrantRefreshToken)
	v.Set("refresh_token", refreshToken)
	if scope != "" {
		v.Set("scope", scope)
	}
	client.apply(v)
	return v
}

// Revocation builds an RFC 7009 revocation request body.
func Revocation(client ClientCredentials, token, hint string) url.Values {
	v := url.Values{}
	v.Set("token", token)
	if hint != "" {
		v.Set("token_type_hint", hint)
	}
	client.apply(v)
	return v
}

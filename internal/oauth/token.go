package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/dgellow/authsession/internal/log"
	"github.com/dgellow/authsession/internal/transport"
)

// TokenResponse is a successful token endpoint or implicit callback response.
type TokenResponse struct {
	AccessToken  string `json:"access_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
	SessionState string `json:"session_state,omitempty"`
}

// tokenEnvelope decodes either branch of a provider response. expires_in is
// accepted as a number or a numeric string.
type tokenEnvelope struct {
	TokenResponse
	ExpiresIn json.RawMessage `json:"expires_in,omitempty"`
	AuthenticationError
}

func parseExpiresIn(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil {
			return 0, fmt.Errorf("invalid expires_in %q", raw)
		}
		n = int64(f)
	}
	return n, nil
}

// DecodeTokenResponse resolves the outcome of a token endpoint call into
// exactly one of a TokenResponse or an error. Error bodies returned with a
// non-2xx status become *AuthenticationError; other transport failures are
// returned unchanged.
func DecodeTokenResponse(raw json.RawMessage, callErr error) (*TokenResponse, error) {
	if callErr != nil {
		return nil, ResponseError(callErr)
	}

	if len(raw) == 0 {
		return nil, fmt.Errorf("empty token response")
	}

	var env tokenEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if env.Code != "" {
		authErr := env.AuthenticationError
		return nil, &authErr
	}

	tok := env.TokenResponse
	if len(env.ExpiresIn) > 0 {
		var s string
		if json.Unmarshal(env.ExpiresIn, &s) != nil {
			s = string(env.ExpiresIn)
		}
		n, err := parseExpiresIn(s)
		if err != nil {
			return nil, err
		}
		tok.ExpiresIn = n
	}
	if tok.AccessToken == "" && tok.IDToken == "" {
		return nil, fmt.Errorf("token response carries neither access_token nor id_token")
	}
	return &tok, nil
}

// ResponseError converts a failed back-channel call into an
// *AuthenticationError when the provider answered with an OAuth error body.
// Any other error is returned unchanged.
func ResponseError(callErr error) error {
	var statusErr *transport.StatusError
	if errors.As(callErr, &statusErr) {
		var authErr AuthenticationError
		if json.Unmarshal(statusErr.Body, &authErr) == nil && authErr.Code != "" {
			return &authErr
		}
	}
	return callErr
}

// TokenFromParams reads token fields delivered directly on the callback
// (implicit and hybrid flows). It returns nil when none are present.
func TokenFromParams(params url.Values) (*TokenResponse, error) {
	if params.Get("access_token") == "" && params.Get("id_token") == "" {
		return nil, nil
	}
	expiresIn, err := parseExpiresIn(params.Get("expires_in"))
	if err != nil {
		return nil, err
	}
	return &TokenResponse{
		AccessToken:  params.Get("access_token"),
		TokenType:    params.Get("token_type"),
		IDToken:      params.Get("id_token"),
		ExpiresIn:    expiresIn,
		Scope:        params.Get("scope"),
		SessionState: params.Get("session_state"),
	}, nil
}

// WriteTokenResponse writes a successful token response.
func WriteTokenResponse(w http.ResponseWriter, tok *TokenResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if err := json.NewEncoder(w).Encode(tok); err != nil {
		log.LogError("Failed to encode token response: %v", err)
	}
}

package oauth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/dgellow/authsession/internal/log"
)

type ErrorCode string

const (
	ErrInvalidRequest           ErrorCode = "invalid_request"
	ErrUnauthorizedClient       ErrorCode = "unauthorized_client"
	ErrAccessDenied             ErrorCode = "access_denied"
	ErrUnsupportedResponseType  ErrorCode = "unsupported_response_type"
	ErrInvalidScope             ErrorCode = "invalid_scope"
	ErrServerError              ErrorCode = "server_error"
	ErrInvalidGrant             ErrorCode = "invalid_grant"
	ErrInvalidClient            ErrorCode = "invalid_client"
	ErrUnsupportedGrantType     ErrorCode = "unsupported_grant_type"
	ErrLoginRequired            ErrorCode = "login_required"
	ErrInteractionRequired      ErrorCode = "interaction_required"
	ErrConsentRequired          ErrorCode = "consent_required"
	ErrAccountSelectionRequired ErrorCode = "account_selection_required"
)

// AuthenticationError is an error response from the provider, received
// either on the authorization callback or from a back-channel endpoint.
type AuthenticationError struct {
	Code        ErrorCode `json:"error"`
	Description string    `json:"error_description,omitempty"`
	URI         string    `json:"error_uri,omitempty"`
	State       string    `json:"state,omitempty"`
}

func (e *AuthenticationError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	return string(e.Code)
}

// RequiresInteraction reports whether the provider refused a prompt=none
// request because the user has to interact.
func (e *AuthenticationError) RequiresInteraction() bool {
	switch e.Code {
	case ErrLoginRequired, ErrInteractionRequired, ErrConsentRequired, ErrAccountSelectionRequired:
		return true
	}
	return false
}

func NewAuthenticationError(code ErrorCode, description string) *AuthenticationError {
	return &AuthenticationError{Code: code, Description: description}
}

// ErrorFromParams returns the AuthenticationError carried by callback
// parameters, or nil if the response is not an error.
func ErrorFromParams(params url.Values) *AuthenticationError {
	code := params.Get("error")
	if code == "" {
		return nil
	}
	return &AuthenticationError{
		Code:        ErrorCode(code),
		Description: params.Get("error_description"),
		URI:         params.Get("error_uri"),
		State:       params.Get("state"),
	}
}

// Params encodes the error as redirect parameters
func (e *AuthenticationError) Params() url.Values {
	q := url.Values{}
	q.Set("error", string(e.Code))
	if e.Description != "" {
		q.Set("error_description", e.Description)
	}
	if e.URI != "" {
		q.Set("error_uri", e.URI)
	}
	if e.State != "" {
		q.Set("state", e.State)
	}
	return q
}

// WriteAuthorizeError redirects the user agent back to the client with the
// error, or answers directly when the redirect target cannot be trusted.
func WriteAuthorizeError(w http.ResponseWriter, r *http.Request, redirectURI string, authErr *AuthenticationError) {
	if redirectURI == "" {
		WriteTokenError(w, http.StatusBadRequest, authErr)
		return
	}

	u, err := url.Parse(redirectURI)
	if err != nil {
		WriteTokenError(w, http.StatusBadRequest, authErr)
		return
	}

	q := u.Query()
	for k, vs := range authErr.Params() {
		q[k] = vs
	}
	u.RawQuery = q.Encode()

	http.Redirect(w, r, u.String(), http.StatusFound)
}

func WriteTokenError(w http.ResponseWriter, status int, authErr *AuthenticationError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	body := *authErr
	body.State = ""
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.LogError("Failed to encode OAuth error response: %v", err)
	}
}

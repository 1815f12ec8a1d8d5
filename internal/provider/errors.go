package provider

import (
	"net/http"

	"github.com/dgellow/authsession/internal/oauth"
	"github.com/ory/fosite"
)

// authError converts a fosite error into the wire form shared with the client
// side of the module.
func authError(e *fosite.RFC6749Error) *oauth.AuthenticationError {
	return oauth.NewAuthenticationError(oauth.ErrorCode(e.ErrorField), e.GetDescription())
}

// writeError answers a back-channel request with e and its status code.
func writeError(w http.ResponseWriter, e *fosite.RFC6749Error) {
	status := e.CodeField
	if status == 0 {
		status = http.StatusBadRequest
	}
	oauth.WriteTokenError(w, status, authError(e))
}

// redirectError sends e back to a validated redirect URI, carrying state.
func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state string, e *fosite.RFC6749Error) {
	authErr := authError(e)
	authErr.State = state
	oauth.WriteAuthorizeError(w, r, redirectURI, authErr)
}

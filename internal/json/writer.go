// Package json writes the JSON bodies of the development provider. Error
// bodies follow RFC 6749 section 5.2.
package json

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/dgellow/authsession/internal/log"
)

// ErrorResponse is an OAuth 2.0 error body
type ErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// WriteResponse writes data with statusCode. Responses are never cached
// since most of them carry tokens.
func WriteResponse(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.LogErrorWithFields("json", "Failed to encode response", map[string]any{
			"error": err.Error(),
		})
		return err
	}
	return nil
}

// Write writes data with 200 OK
func Write(w http.ResponseWriter, data any) error {
	return WriteResponse(w, http.StatusOK, data)
}

// WriteError writes an error body. The status line is already sent when
// encoding fails, so that failure is only logged.
func WriteError(w http.ResponseWriter, statusCode int, code, description string) {
	_ = WriteResponse(w, statusCode, ErrorResponse{Error: code, Description: description})
}

// WriteBearerError writes a 401 with an RFC 6750 WWW-Authenticate challenge:
// Bearer error="<code>", error_description="<text>"
func WriteBearerError(w http.ResponseWriter, code, description string) {
	challenge := fmt.Sprintf(`Bearer error="%s"`, escapeQuotedString(code))
	if description != "" {
		challenge += fmt.Sprintf(`, error_description="%s"`, escapeQuotedString(description))
	}
	w.Header().Set("WWW-Authenticate", challenge)
	WriteError(w, http.StatusUnauthorized, code, description)
}

// escapeQuotedString escapes backslash and double quote for an RFC 9110
// quoted-string
func escapeQuotedString(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	return s
}

func WriteInternalServerError(w http.ResponseWriter, description string) {
	WriteError(w, http.StatusInternalServerError, "server_error", description)
}

// WriteBadRequest answers a request the provider cannot make sense of
func WriteBadRequest(w http.ResponseWriter, description string) {
	WriteError(w, http.StatusBadRequest, "invalid_request", description)
}

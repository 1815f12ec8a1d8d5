// Package discovery resolves provider metadata from the OpenID discovery document.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/dgellow/authsession/internal/log"
	"github.com/dgellow/authsession/internal/transport"
	"github.com/dgellow/authsession/internal/urlutil"
)

const WellKnownPath = ".well-known/openid-configuration"

// Well-known endpoint names
const (
	AuthorizationEndpoint = "authorization_endpoint"
	TokenEndpoint         = "token_endpoint"
	UserinfoEndpoint      = "userinfo_endpoint"
	EndSessionEndpoint    = "end_session_endpoint"
	RevocationEndpoint    = "revocation_endpoint"
	JWKSURI               = "jwks_uri"
	CheckSessionIframe    = "check_session_iframe"
)

// ErrMissingEndpoint is returned when a flow needs an endpoint the provider
// does not advertise
var ErrMissingEndpoint = errors.New("endpoint not advertised by provider")

// IssuerMismatchError is returned when the discovery document names a
// different issuer than the one it was fetched for.
type IssuerMismatchError struct {
	Expected string
	Actual   string
}

func (e *IssuerMismatchError) Error() string {
	return fmt.Sprintf("discovery document issuer %q does not match configured issuer %q", e.Actual, e.Expected)
}

// Metadata is the resolved provider metadata. Endpoints holds every string
// field of the document whose name ends in "_endpoint" or contains
// "_session" or "_uri".
type Metadata struct {
	Issuer    string
	Endpoints map[string]string
}

// IsEndpointField reports whether a discovery field is adopted as an endpoint
func IsEndpointField(name string) bool {
	return strings.HasSuffix(name, "_endpoint") ||
		strings.Contains(name, "_session") ||
		strings.Contains(name, "_uri")
}

// FromDocument builds Metadata from a decoded discovery document.
func FromDocument(doc map[string]any) *Metadata {
	m := &Metadata{Endpoints: make(map[string]string)}
	if iss, ok := doc["issuer"].(string); ok {
		m.Issuer = iss
	}
	for k, v := range doc {
		s, ok := v.(string)
		if !ok || s == "" || !IsEndpointField(k) {
			continue
		}
		m.Endpoints[k] = s
	}
	return m
}

// Static returns metadata for a provider configured without discovery.
func Static(issuer string, endpoints map[string]string) *Metadata {
	m := &Metadata{Issuer: issuer, Endpoints: make(map[string]string, len(endpoints))}
	for k, v := range endpoints {
		if v != "" {
			m.Endpoints[k] = v
		}
	}
	return m
}

// Endpoint returns the named endpoint or ErrMissingEndpoint.
func (m *Metadata) Endpoint(name string) (string, error) {
	if m == nil {
		return "", fmt.Errorf("%s: %w", name, ErrMissingEndpoint)
	}
	v, ok := m.Endpoints[name]
	if !ok {
		return "", fmt.Errorf("%s: %w", name, ErrMissingEndpoint)
	}
	return v, nil
}

// Has reports whether the provider advertises the named endpoint
func (m *Metadata) Has(name string) bool {
	_, err := m.Endpoint(name)
	return err == nil
}

// Names lists the adopted endpoint names, sorted
func (m *Metadata) Names() []string {
	names := make([]string, 0, len(m.Endpoints))
	for k := range m.Endpoints {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func normalizeIssuer(s string) string {
	return strings.TrimSuffix(s, "/")
}

// Fetch retrieves <issuer>/.well-known/openid-configuration through doer.
func Fetch(ctx context.Context, doer transport.Doer, issuer string) (*Metadata, error) {
	if issuer == "" {
		return nil, fmt.Errorf("issuer is required for discovery")
	}
	wellKnown, err := urlutil.JoinPath(issuer, WellKnownPath)
	if err != nil {
		return nil, fmt.Errorf("invalid issuer %q: %w", issuer, err)
	}

	raw, err := doer.Do(ctx, transport.Request{Method: http.MethodGet, URL: wellKnown})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch discovery document: %w", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		return nil, fmt.Errorf("failed to decode discovery document from %s", wellKnown)
	}

	m := FromDocument(doc)
	if m.Issuer != "" && normalizeIssuer(m.Issuer) != normalizeIssuer(issuer) {
		return nil, &IssuerMismatchError{Expected: issuer, Actual: m.Issuer}
	}
	if m.Issuer == "" {
		m.Issuer = issuer
	}
	if !m.Has(AuthorizationEndpoint) || !m.Has(TokenEndpoint) {
		return nil, fmt.Errorf("discovery document missing required endpoints")
	}

	log.LogDebugWithFields("discovery", "Resolved provider metadata", map[string]any{
		"issuer":    m.Issuer,
		"endpoints": len(m.Endpoints),
	})
	return m, nil
}

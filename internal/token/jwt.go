// Package token decodes JSON Web Tokens and validates their claims with
// clock skew tolerance. Signatures are not checked here; see Verifier.
package token

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ParsedJWT is the decoded header and payload of a compact JWT.
type ParsedJWT struct {
	Header  map[string]any
	Payload jwt.MapClaims
}

// Parse splits a compact JWT and decodes its header and payload. The
// signature segment is carried but not verified.
func Parse(raw string) (*ParsedJWT, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, &MalformedTokenError{Reason: "token must have exactly 3 segments"}
	}

	p := jwt.NewParser()
	header, err := decodeSegment(p, parts[0])
	if err != nil {
		return nil, &MalformedTokenError{Reason: "header", Err: err}
	}
	payload, err := decodeSegment(p, parts[1])
	if err != nil {
		return nil, &MalformedTokenError{Reason: "payload", Err: err}
	}

	return &ParsedJWT{Header: header, Payload: jwt.MapClaims(payload)}, nil
}

func decodeSegment(p *jwt.Parser, seg string) (map[string]any, error) {
	b, err := p.DecodeSegment(seg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, &MalformedTokenError{Reason: "segment is not a JSON object"}
	}
	return m, nil
}

// Options configures claim validation.
type Options struct {
	Issuer    string
	Audience  string
	ClientID  string
	ClockSkew time.Duration
	// Now overrides the validation time; zero means time.Now.
	Now time.Time
}

func (o Options) now() time.Time {
	if o.Now.IsZero() {
		return time.Now()
	}
	return o.Now
}

// ValidateClaims checks iss, aud, azp, iat, nbf and exp in that order.
// ID tokens must be addressed to the client; access tokens to Audience when
// set, otherwise to the client.
func ValidateClaims(raw string, opts Options, isIDToken bool) (*ParsedJWT, error) {
	parsed, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := validateParsed(parsed, opts, isIDToken); err != nil {
		return nil, err
	}
	return parsed, nil
}

func validateParsed(parsed *ParsedJWT, opts Options, isIDToken bool) error {
	claims := parsed.Payload
	now := opts.now()

	if _, ok := claims["iss"]; !ok {
		return &MissingClaimError{Claim: "iss"}
	}
	iss, err := claims.GetIssuer()
	if err != nil {
		return &InvalidClaimError{Claim: "iss", Value: claims["iss"], Err: err}
	}
	if iss != opts.Issuer {
		return &InvalidIssuerError{Expected: opts.Issuer, Actual: iss}
	}

	if _, ok := claims["aud"]; !ok {
		return &MissingClaimError{Claim: "aud"}
	}
	aud, err := claims.GetAudience()
	if err != nil {
		return &InvalidClaimError{Claim: "aud", Value: claims["aud"], Err: err}
	}
	expected := opts.ClientID
	if !isIDToken && opts.Audience != "" {
		expected = opts.Audience
	}
	if !slices.Contains([]string(aud), expected) {
		return &InvalidAudienceError{Expected: expected, Actual: aud}
	}

	if v, ok := claims["azp"]; ok {
		azp, _ := v.(string)
		if azp != opts.ClientID {
			return &InvalidAuthorizedPartyError{Expected: opts.ClientID, Actual: azp}
		}
	}

	if _, ok := claims["iat"]; !ok {
		return &MissingClaimError{Claim: "iat"}
	}
	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return &InvalidClaimError{Claim: "iat", Value: claims["iat"], Err: err}
	}
	if iat.After(now.Add(opts.ClockSkew)) {
		return &IssuedInFutureError{IssuedAt: iat.Time, Now: now}
	}

	if _, ok := claims["nbf"]; ok {
		nbf, err := claims.GetNotBefore()
		if err != nil || nbf == nil {
			return &InvalidClaimError{Claim: "nbf", Value: claims["nbf"], Err: err}
		}
		if nbf.After(now.Add(opts.ClockSkew)) {
			return &NotYetValidError{NotBefore: nbf.Time, Now: now}
		}
	}

	if _, ok := claims["exp"]; !ok {
		return &MissingClaimError{Claim: "exp"}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return &InvalidClaimError{Claim: "exp", Value: claims["exp"], Err: err}
	}
	if exp.Before(now.Add(-opts.ClockSkew)) {
		return &ExpiredError{ExpiredAt: exp.Time, Now: now}
	}

	return nil
}

// ValidateIDToken validates an ID token against the nonce stored with the
// authorization request, then the standard claims, then the subject.
func ValidateIDToken(raw, expectedNonce string, opts Options) (*ParsedJWT, error) {
	if expectedNonce == "" {
		return nil, &MissingNonceError{}
	}

	parsed, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	nonce, _ := parsed.Payload["nonce"].(string)
	if nonce != expectedNonce {
		return nil, &NonceMismatchError{Expected: expectedNonce, Actual: nonce}
	}

	if err := validateParsed(parsed, opts, true); err != nil {
		return nil, err
	}

	if sub, _ := parsed.Payload["sub"].(string); sub == "" {
		return nil, &MissingSubjectError{}
	}
	return parsed, nil
}

// protocolClaims are stripped when deriving user claims from an ID token.
var protocolClaims = []string{"nonce", "at_hash", "c_hash", "iat", "nbf", "exp", "aud", "iss", "azp", "auth_time", "jti"}

// UserClaims returns the payload minus protocol-only claims.
func (p *ParsedJWT) UserClaims() map[string]any {
	out := make(map[string]any, len(p.Payload))
	for k, v := range p.Payload {
		if slices.Contains(protocolClaims, k) {
			continue
		}
		out[k] = v
	}
	return out
}

// Subject returns the sub claim, or "" when absent.
func (p *ParsedJWT) Subject() string {
	sub, _ := p.Payload["sub"].(string)
	return sub
}

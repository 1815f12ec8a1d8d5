package token

import (
	"fmt"
	"time"
)

// MalformedTokenError is returned when a token cannot be decoded as a compact JWT.
type MalformedTokenError struct {
	Reason string
	Err    error
}

func (e *MalformedTokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed token: %s: %v", e.Reason, e.Err)
	}
	return "malformed token: " + e.Reason
}

func (e *MalformedTokenError) Unwrap() error { return e.Err }

// MissingClaimError names a required claim absent from the payload.
type MissingClaimError struct {
	Claim string
}

func (e *MissingClaimError) Error() string {
	return fmt.Sprintf("token is missing required claim %q", e.Claim)
}

// InvalidClaimError is returned when a claim is present but has the wrong JSON type.
type InvalidClaimError struct {
	Claim string
	Value any
	Err   error
}

func (e *InvalidClaimError) Error() string {
	return fmt.Sprintf("claim %q has invalid value %v: %v", e.Claim, e.Value, e.Err)
}

func (e *InvalidClaimError) Unwrap() error { return e.Err }

type InvalidIssuerError struct {
	Expected string
	Actual   string
}

func (e *InvalidIssuerError) Error() string {
	return fmt.Sprintf("invalid issuer: expected %q, got %q", e.Expected, e.Actual)
}

type InvalidAudienceError struct {
	Expected string
	Actual   []string
}

func (e *InvalidAudienceError) Error() string {
	return fmt.Sprintf("invalid audience: expected %q, got %q", e.Expected, e.Actual)
}

type InvalidAuthorizedPartyError struct {
	Expected string
	Actual   string
}

func (e *InvalidAuthorizedPartyError) Error() string {
	return fmt.Sprintf("invalid authorized party: expected %q, got %q", e.Expected, e.Actual)
}

type IssuedInFutureError struct {
	IssuedAt time.Time
	Now      time.Time
}

func (e *IssuedInFutureError) Error() string {
	return fmt.Sprintf("token issued in the future: iat %d is after %d", e.IssuedAt.Unix(), e.Now.Unix())
}

type NotYetValidError struct {
	NotBefore time.Time
	Now       time.Time
}

func (e *NotYetValidError) Error() string {
	return fmt.Sprintf("token not yet valid: nbf %d is after %d", e.NotBefore.Unix(), e.Now.Unix())
}

type ExpiredError struct {
	ExpiredAt time.Time
	Now       time.Time
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("token expired: exp %d is before %d", e.ExpiredAt.Unix(), e.Now.Unix())
}

// MissingNonceError is returned when ID token validation is requested without
// an expected nonce.
type MissingNonceError struct{}

func (*MissingNonceError) Error() string {
	return "no nonce was supplied for ID token validation"
}

type NonceMismatchError struct {
	Expected string
	Actual   string
}

func (e *NonceMismatchError) Error() string {
	return fmt.Sprintf("nonce mismatch: expected %q, got %q", e.Expected, e.Actual)
}

type MissingSubjectError struct{}

func (*MissingSubjectError) Error() string {
	return "ID token is missing the sub claim"
}

// InvalidIDTokenError wraps a rejection from an external Verifier.
type InvalidIDTokenError struct {
	Err error
}

func (e *InvalidIDTokenError) Error() string {
	return fmt.Sprintf("invalid ID token: %v", e.Err)
}

func (e *InvalidIDTokenError) Unwrap() error { return e.Err }

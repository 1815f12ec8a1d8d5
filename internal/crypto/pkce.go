package crypto

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

const (
	// MinVerifierLength and MaxVerifierLength bound a PKCE code verifier (RFC 7636 §4.1).
	MinVerifierLength = 43
	MaxVerifierLength = 128

	// DefaultVerifierLength is the length of verifiers generated for new requests.
	DefaultVerifierLength = 64

	// MethodS256 is the only challenge method this package produces.
	MethodS256 = "S256"
)

// InvalidInputError reports a verifier outside the permitted length range.
type InvalidInputError struct {
	Length int
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("code verifier must be between %d and %d characters, got %d",
		MinVerifierLength, MaxVerifierLength, e.Length)
}

// Digest computes a SHA-256 digest. It exists so hosts with their own hashing
// capability (hardware modules, remote signers) can be plugged in.
type Digest interface {
	SHA256(ctx context.Context, data []byte) ([]byte, error)
}

// DigestFunc adapts a function to Digest.
type DigestFunc func(ctx context.Context, data []byte) ([]byte, error)

func (f DigestFunc) SHA256(ctx context.Context, data []byte) ([]byte, error) {
	return f(ctx, data)
}

type stdDigest struct{}

func (stdDigest) SHA256(_ context.Context, data []byte) ([]byte, error) {
	sum := sha256.Sum256(data)
	return sum[:], nil
}

// ChallengeDeriver produces PKCE verifiers and their S256 challenges.
type ChallengeDeriver struct {
	digest Digest
}

// NewChallengeDeriver returns a deriver backed by d, or by crypto/sha256 when d is nil.
func NewChallengeDeriver(d Digest) *ChallengeDeriver {
	if d == nil {
		d = stdDigest{}
	}
	return &ChallengeDeriver{digest: d}
}

// NewVerifier generates a fresh code verifier.
func (c *ChallengeDeriver) NewVerifier() (string, error) {
	return GenerateRandom(DefaultVerifierLength)
}

// DeriveChallenge returns base64url(SHA-256(verifier)) without padding.
func (c *ChallengeDeriver) DeriveChallenge(ctx context.Context, verifier string) (string, error) {
	if n := len(verifier); n < MinVerifierLength || n > MaxVerifierLength {
		return "", &InvalidInputError{Length: n}
	}
	sum, err := c.digest.SHA256(ctx, []byte(verifier))
	if err != nil {
		return "", fmt.Errorf("failed to digest code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// VerifyPKCE reports whether challenge is the S256 challenge of verifier.
func VerifyPKCE(verifier, challenge string) bool {
	h := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(h[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/bcrypt"
)

// URLSafeAlphabet is the RFC 3986 unreserved character set, which is also the
// character set permitted in a PKCE code verifier.
const URLSafeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// randomSource is swapped in tests to observe rejection behavior.
var randomSource io.Reader = rand.Reader

// GenerateRandom returns a string of length characters drawn uniformly from
// URLSafeAlphabet. Bytes at or above the largest multiple of the alphabet size
// are discarded so that no character is favored.
func GenerateRandom(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("random length must be positive, got %d", length)
	}

	n := len(URLSafeAlphabet)
	limit := 256 - (256 % n)

	out := make([]byte, 0, length)
	buf := make([]byte, length+length/4+8)
	for len(out) < length {
		if _, err := io.ReadFull(randomSource, buf); err != nil {
			return "", fmt.Errorf("failed to generate random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, URLSafeAlphabet[int(b)%n])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

// GenerateSecureToken creates a cryptographically secure random token.
// Returns a base64 URL-encoded string suitable for authorization codes,
// opaque access tokens and refresh tokens.
func GenerateSecureToken() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(randomSource, b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashClientSecret hashes a client secret using bcrypt
func HashClientSecret(secret string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
}

// CompareClientSecret reports whether secret matches a bcrypt hash.
func CompareClientSecret(hashed []byte, secret string) bool {
	return bcrypt.CompareHashAndPassword(hashed, []byte(secret)) == nil
}

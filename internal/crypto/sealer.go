package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/crypto/hkdf"
)

const sealerInfo = "authsession sealed record v1"

// Sealer encrypts records as compact JWE (dir + A256GCM). Keys are derived
// from secrets with HKDF-SHA256; the first secret seals, every secret opens,
// which allows rotating the sealing secret without losing stored sessions.
type Sealer struct {
	kid  string
	key  []byte
	keys map[string][]byte
}

// NewSealer derives sealing keys from one or more secrets.
func NewSealer(secrets ...[]byte) (*Sealer, error) {
	if len(secrets) == 0 {
		return nil, errors.New("at least one sealing secret is required")
	}

	s := &Sealer{keys: make(map[string][]byte, len(secrets))}
	for i, secret := range secrets {
		if len(secret) < 16 {
			return nil, fmt.Errorf("sealing secret %d must be at least 16 bytes", i)
		}
		key := make([]byte, 32)
		if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(sealerInfo)), key); err != nil {
			return nil, fmt.Errorf("deriving sealing key: %w", err)
		}
		sum := sha256.Sum256(key)
		kid := hex.EncodeToString(sum[:8])
		s.keys[kid] = key
		if i == 0 {
			s.kid = kid
			s.key = key
		}
	}
	return s, nil
}

// Seal encrypts plaintext with the current key.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	enc, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: s.key, KeyID: s.kid},
		nil,
	)
	if err != nil {
		return "", fmt.Errorf("creating encrypter: %w", err)
	}

	obj, err := enc.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("encrypting: %w", err)
	}
	return obj.CompactSerialize()
}

// Open decrypts a token produced by Seal with any known key.
func (s *Sealer) Open(token string) ([]byte, error) {
	obj, err := jose.ParseEncrypted(token,
		[]jose.KeyAlgorithm{jose.DIRECT},
		[]jose.ContentEncryption{jose.A256GCM},
	)
	if err != nil {
		return nil, fmt.Errorf("parsing JWE: %w", err)
	}

	key, ok := s.keys[obj.Header.KeyID]
	if !ok {
		return nil, fmt.Errorf("unknown key ID: %s", obj.Header.KeyID)
	}

	plaintext, err := obj.Decrypt(key)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

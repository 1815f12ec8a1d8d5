package crypto

import (
	"context"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestDeriveChallenge(t *testing.T) {
	ctx := context.Background()
	d := NewChallengeDeriver(nil)

	t.Run("RFC 7636 Appendix B test vector", func(t *testing.T) {
		challenge, err := d.DeriveChallenge(ctx, "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk")
		require.NoError(t, err)
		assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", challenge)
	})

	t.Run("deterministic unpadded base64url for every valid length", func(t *testing.T) {
		for n := MinVerifierLength; n <= MaxVerifierLength; n++ {
			v, err := GenerateRandom(n)
			require.NoError(t, err)

			c1, err := d.DeriveChallenge(ctx, v)
			require.NoError(t, err)
			c2, err := d.DeriveChallenge(ctx, v)
			require.NoError(t, err)

			assert.Equal(t, c1, c2)
			assert.NotContains(t, c1, "=")
			_, err = base64.RawURLEncoding.DecodeString(c1)
			assert.NoError(t, err)
			assert.Equal(t, oauth2.S256ChallengeFromVerifier(v), c1)
		}
	})

	t.Run("rejects out of range verifiers", func(t *testing.T) {
		for _, n := range []int{0, 1, 42, 129, 300} {
			_, err := d.DeriveChallenge(ctx, strings.Repeat("a", n))
			var invalid *InvalidInputError
			require.True(t, errors.As(err, &invalid), "length %d", n)
			assert.Equal(t, n, invalid.Length)
			assert.Contains(t, err.Error(), "got "+strconv.Itoa(n))
		}
	})

	t.Run("custom digest", func(t *testing.T) {
		called := false
		custom := NewChallengeDeriver(DigestFunc(func(_ context.Context, data []byte) ([]byte, error) {
			called = true
			return []byte{0xfb, 0xff}, nil
		}))
		c, err := custom.DeriveChallenge(ctx, strings.Repeat("x", 43))
		require.NoError(t, err)
		assert.True(t, called)
		assert.Equal(t, "-_8", c)
	})

	t.Run("digest failure propagates", func(t *testing.T) {
		failing := NewChallengeDeriver(DigestFunc(func(context.Context, []byte) ([]byte, error) {
			return nil, errors.New("no digest")
		}))
		_, err := failing.DeriveChallenge(ctx, strings.Repeat("x", 43))
		assert.ErrorContains(t, err, "no digest")
	})
}

func TestVerifyPKCE(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	assert.True(t, VerifyPKCE(verifier, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"))
	assert.False(t, VerifyPKCE("wrong-verifier", "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"))
}

func TestNewVerifier(t *testing.T) {
	v, err := NewChallengeDeriver(nil).NewVerifier()
	require.NoError(t, err)
	assert.Len(t, v, DefaultVerifierLength)
}

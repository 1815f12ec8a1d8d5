package token

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://issuer.example.com"
	testClientID = "client-123"
)

var testNow = time.Unix(1_700_000_000, 0)

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-signing-secret-0123456789abcdef"))
	require.NoError(t, err)
	return raw
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":   testIssuer,
		"aud":   testClientID,
		"sub":   "user-1",
		"iat":   testNow.Unix(),
		"exp":   testNow.Add(time.Hour).Unix(),
		"nonce": "n-0S6_WzA2Mj",
		"email": "user@example.com",
	}
}

func testOptions() Options {
	return Options{Issuer: testIssuer, ClientID: testClientID, ClockSkew: 5 * time.Minute, Now: testNow}
}

func TestParse(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		parsed, err := Parse(sign(t, validClaims()))
		require.NoError(t, err)
		assert.Equal(t, "HS256", parsed.Header["alg"])
		assert.Equal(t, "user-1", parsed.Subject())
	})

	malformed := map[string]string{
		"two segments":    "a.b",
		"four segments":   "a.b.c.d",
		"bad base64":      "!!!.e30.sig",
		"header not json": base64.RawURLEncoding.EncodeToString([]byte("nope")) + ".e30.sig",
		"payload array":   "e30." + base64.RawURLEncoding.EncodeToString([]byte("[1]")) + ".sig",
		"empty":           "",
	}
	for name, raw := range malformed {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(raw)
			var target *MalformedTokenError
			assert.True(t, errors.As(err, &target), "got %v", err)
		})
	}
}

func TestValidateClaims(t *testing.T) {
	t.Run("all claims within window", func(t *testing.T) {
		_, err := ValidateClaims(sign(t, validClaims()), testOptions(), true)
		assert.NoError(t, err)
	})

	t.Run("missing required claims", func(t *testing.T) {
		for _, claim := range []string{"iss", "aud", "iat", "exp"} {
			claims := validClaims()
			delete(claims, claim)
			_, err := ValidateClaims(sign(t, claims), testOptions(), true)
			var missing *MissingClaimError
			require.True(t, errors.As(err, &missing), "claim %s: %v", claim, err)
			assert.Equal(t, claim, missing.Claim)
		}
	})

	t.Run("issuer mismatch", func(t *testing.T) {
		claims := validClaims()
		claims["iss"] = "https://evil.example.com"
		_, err := ValidateClaims(sign(t, claims), testOptions(), true)
		var target *InvalidIssuerError
		require.True(t, errors.As(err, &target))
		assert.Equal(t, "https://evil.example.com", target.Actual)
	})

	t.Run("audience array containing client", func(t *testing.T) {
		claims := validClaims()
		claims["aud"] = []string{"other", testClientID}
		_, err := ValidateClaims(sign(t, claims), testOptions(), true)
		assert.NoError(t, err)
	})

	t.Run("audience mismatch", func(t *testing.T) {
		claims := validClaims()
		claims["aud"] = []string{"other"}
		_, err := ValidateClaims(sign(t, claims), testOptions(), true)
		var target *InvalidAudienceError
		require.True(t, errors.As(err, &target))
		assert.Equal(t, []string{"other"}, target.Actual)
	})

	t.Run("access token audience prefers configured audience", func(t *testing.T) {
		claims := validClaims()
		claims["aud"] = "https://api.example.com"
		opts := testOptions()
		opts.Audience = "https://api.example.com"

		_, err := ValidateClaims(sign(t, claims), opts, false)
		assert.NoError(t, err)

		_, err = ValidateClaims(sign(t, claims), opts, true)
		var target *InvalidAudienceError
		assert.True(t, errors.As(err, &target), "ID tokens are always checked against the client")
	})

	t.Run("azp must equal client", func(t *testing.T) {
		claims := validClaims()
		claims["azp"] = "someone-else"
		_, err := ValidateClaims(sign(t, claims), testOptions(), true)
		var target *InvalidAuthorizedPartyError
		require.True(t, errors.As(err, &target))
		assert.Equal(t, "someone-else", target.Actual)
	})

	t.Run("issued in the future beyond skew", func(t *testing.T) {
		claims := validClaims()
		claims["iat"] = testNow.Add(6 * time.Minute).Unix()
		_, err := ValidateClaims(sign(t, claims), testOptions(), true)
		var target *IssuedInFutureError
		require.True(t, errors.As(err, &target))
		assert.Equal(t, testNow.Add(6*time.Minute).Unix(), target.IssuedAt.Unix())
	})

	t.Run("issued in the future within skew", func(t *testing.T) {
		claims := validClaims()
		claims["iat"] = testNow.Add(4 * time.Minute).Unix()
		_, err := ValidateClaims(sign(t, claims), testOptions(), true)
		assert.NoError(t, err)
	})

	t.Run("not yet valid", func(t *testing.T) {
		claims := validClaims()
		claims["nbf"] = testNow.Add(10 * time.Minute).Unix()
		_, err := ValidateClaims(sign(t, claims), testOptions(), true)
		var target *NotYetValidError
		assert.True(t, errors.As(err, &target))
	})

	t.Run("expired beyond skew", func(t *testing.T) {
		claims := validClaims()
		claims["iat"] = testNow.Add(-2 * time.Hour).Unix()
		claims["exp"] = testNow.Add(-6 * time.Minute).Unix()
		_, err := ValidateClaims(sign(t, claims), testOptions(), true)
		var target *ExpiredError
		require.True(t, errors.As(err, &target))
		assert.Equal(t, testNow.Add(-6*time.Minute).Unix(), target.ExpiredAt.Unix())
	})

	t.Run("expired within skew", func(t *testing.T) {
		claims := validClaims()
		claims["exp"] = testNow.Add(-4 * time.Minute).Unix()
		_, err := ValidateClaims(sign(t, claims), testOptions(), true)
		assert.NoError(t, err)
	})

	t.Run("wrong claim type", func(t *testing.T) {
		claims := validClaims()
		claims["exp"] = "tomorrow"
		_, err := ValidateClaims(sign(t, claims), testOptions(), true)
		var target *InvalidClaimError
		require.True(t, errors.As(err, &target))
		assert.Equal(t, "exp", target.Claim)
	})
}

func TestValidateIDToken(t *testing.T) {
	nonce := validClaims()["nonce"].(string)

	t.Run("valid", func(t *testing.T) {
		parsed, err := ValidateIDToken(sign(t, validClaims()), nonce, testOptions())
		require.NoError(t, err)

		user := parsed.UserClaims()
		assert.Equal(t, "user-1", user["sub"])
		assert.Equal(t, "user@example.com", user["email"])
		assert.NotContains(t, user, "nonce")
		assert.NotContains(t, user, "iss")
		assert.NotContains(t, user, "exp")
	})

	t.Run("no expected nonce", func(t *testing.T) {
		_, err := ValidateIDToken(sign(t, validClaims()), "", testOptions())
		var target *MissingNonceError
		assert.True(t, errors.As(err, &target))
	})

	t.Run("nonce mismatch", func(t *testing.T) {
		_, err := ValidateIDToken(sign(t, validClaims()), "other-nonce", testOptions())
		var target *NonceMismatchError
		require.True(t, errors.As(err, &target))
		assert.Equal(t, nonce, target.Actual)
	})

	t.Run("missing subject", func(t *testing.T) {
		claims := validClaims()
		delete(claims, "sub")
		_, err := ValidateIDToken(sign(t, claims), nonce, testOptions())
		var target *MissingSubjectError
		assert.True(t, errors.As(err, &target))
	})

	t.Run("empty subject", func(t *testing.T) {
		claims := validClaims()
		claims["sub"] = ""
		_, err := ValidateIDToken(sign(t, claims), nonce, testOptions())
		var target *MissingSubjectError
		assert.True(t, errors.As(err, &target))
	})

	t.Run("claim failures surface before subject", func(t *testing.T) {
		claims := validClaims()
		claims["iss"] = "https://other"
		_, err := ValidateIDToken(sign(t, claims), nonce, testOptions())
		var target *InvalidIssuerError
		assert.True(t, errors.As(err, &target))
	})
}

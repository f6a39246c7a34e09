package auth_test

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyashahama/early-warning-analyst-backend/internal/auth"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := auth.HashPassword("correct horse")
	require.NoError(t, err)
	assert.Contains(t, hash, "$")

	ok, err := auth.VerifyPassword("correct horse", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = auth.VerifyPassword("wrong", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := auth.HashPassword("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, hash, other, "salts must differ")
}

func TestVerifyPassword_Malformed(t *testing.T) {
	_, err := auth.VerifyPassword("x", "no-separator")
	assert.ErrorIs(t, err, auth.ErrMalformedHash)

	_, err = auth.VerifyPassword("x", "!!!$AAAA")
	assert.Error(t, err)
}

func TestVerifier_Password(t *testing.T) {
	hash, err := auth.HashPassword("s3cret")
	require.NoError(t, err)
	v := auth.NewVerifier(hash, "")
	assert.True(t, v.Enabled())

	assert.NoError(t, v.Check(auth.Credential{Password: "s3cret"}))
	assert.ErrorIs(t, v.Check(auth.Credential{Password: "nope"}), auth.ErrInvalidCredential)
	assert.ErrorIs(t, v.Check(auth.Credential{}), auth.ErrNoCredential)
	assert.ErrorIs(t, v.Check(auth.Credential{Token: "abc"}), auth.ErrInvalidCredential,
		"tokens are refused without a secret")
}

func TestVerifier_Token(t *testing.T) {
	v := auth.NewVerifier("", "super-secret")

	token, exp, err := v.IssueToken("ops", time.Hour)
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	require.NoError(t, v.Check(auth.Credential{Token: token}))

	claims, err := v.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)

	// Passwords are refused when no hash is configured.
	assert.ErrorIs(t, v.Check(auth.Credential{Password: "anything"}), auth.ErrInvalidCredential)
}

func TestVerifier_TokenRejections(t *testing.T) {
	v := auth.NewVerifier("", "super-secret")

	t.Run("expired", func(t *testing.T) {
		token, _, err := v.IssueToken("ops", -time.Minute)
		require.NoError(t, err)
		assert.ErrorIs(t, v.Check(auth.Credential{Token: token}), auth.ErrInvalidCredential)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := auth.NewVerifier("", "another-secret")
		token, _, err := other.IssueToken("ops", time.Hour)
		require.NoError(t, err)
		assert.Error(t, v.Check(auth.Credential{Token: token}))
	})

	t.Run("wrong audience", func(t *testing.T) {
		claims := jwt.RegisteredClaims{
			Issuer:    "early-warning",
			Audience:  jwt.ClaimStrings{"someone-else"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("super-secret"))
		require.NoError(t, err)
		_, err = v.ValidateToken(token)
		assert.Error(t, err)
	})

	t.Run("no expiry", func(t *testing.T) {
		claims := jwt.RegisteredClaims{
			Issuer:   "early-warning",
			Audience: jwt.ClaimStrings{"early-warning-admin"},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("super-secret"))
		require.NoError(t, err)
		_, err = v.ValidateToken(token)
		assert.Error(t, err)
	})

	t.Run("none algorithm", func(t *testing.T) {
		claims := jwt.RegisteredClaims{
			Issuer:    "early-warning",
			Audience:  jwt.ClaimStrings{"early-warning-admin"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = v.ValidateToken(token)
		assert.Error(t, err)
	})
}

func TestVerifier_Disabled(t *testing.T) {
	v := auth.NewVerifier("", "")
	assert.False(t, v.Enabled())

	err := v.Check(auth.Credential{Password: "x"})
	assert.True(t, errors.Is(err, auth.ErrInvalidCredential))

	_, _, err = v.IssueToken("ops", time.Hour)
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc.def":   "abc.def",
		"bearer  abc ":     "abc",
		"Basic dXNlcjpwdw": "",
		"":                 "",
		"Bearer":           "",
	}
	for in, want := range cases {
		assert.Equal(t, want, auth.BearerToken(in), "header %q", in)
	}
}

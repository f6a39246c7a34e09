// Package auth checks the credential that guards destructive operations.
//
// Two credentials are accepted: a shared password verified against an
// Argon2id hash, and an HS256 admin JWT signed with a shared secret. Either
// may be configured alone. With neither configured every check fails.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenIssuer   = "early-warning"
	tokenAudience = "early-warning-admin"
)

var (
	// ErrNoCredential means the request carried neither a password nor a token.
	ErrNoCredential = errors.New("auth: no credential supplied")
	// ErrInvalidCredential means the supplied credential did not verify.
	ErrInvalidCredential = errors.New("auth: invalid credential")
)

// Credential is what a caller presented. Token takes precedence when both
// are set.
type Credential struct {
	Password string
	Token    string
}

// Verifier checks credentials against the configured hash and secret.
type Verifier struct {
	passwordHash string
	jwtSecret    []byte
}

// NewVerifier builds a Verifier. Empty arguments disable that credential.
func NewVerifier(passwordHash, jwtSecret string) *Verifier {
	v := &Verifier{passwordHash: strings.TrimSpace(passwordHash)}
	if s := strings.TrimSpace(jwtSecret); s != "" {
		v.jwtSecret = []byte(s)
	}
	return v
}

// Enabled reports whether any credential can succeed.
func (v *Verifier) Enabled() bool {
	return v.passwordHash != "" || len(v.jwtSecret) > 0
}

// Check returns nil when c verifies. Failures wrap ErrInvalidCredential or
// are ErrNoCredential.
func (v *Verifier) Check(c Credential) error {
	if c.Token != "" {
		if len(v.jwtSecret) == 0 {
			return fmt.Errorf("%w: tokens not accepted", ErrInvalidCredential)
		}
		if _, err := v.ValidateToken(c.Token); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCredential, err)
		}
		return nil
	}

	if c.Password == "" {
		return ErrNoCredential
	}
	if v.passwordHash == "" {
		dummyVerify()
		return fmt.Errorf("%w: passwords not accepted", ErrInvalidCredential)
	}
	ok, err := VerifyPassword(c.Password, v.passwordHash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !ok {
		return ErrInvalidCredential
	}
	return nil
}

// ─── ADMIN TOKENS ─────────────────────────────────────────────────────────────

// IssueToken signs an admin token for subject valid for ttl.
func (v *Verifier) IssueToken(subject string, ttl time.Duration) (string, time.Time, error) {
	if len(v.jwtSecret) == 0 {
		return "", time.Time{}, errors.New("auth: no token secret configured")
	}
	now := time.Now().UTC()
	exp := now.Add(ttl)

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    tokenIssuer,
		Audience:  jwt.ClaimStrings{tokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.jwtSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates an admin token.
func (v *Verifier) ValidateToken(tokenStr string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(
		tokenStr,
		claims,
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return v.jwtSecret, nil
		},
		jwt.WithAudience(tokenAudience),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token claims")
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyashahama/early-warning-analyst-backend/internal/auth"
)

func TestRunAdmin_HashPassword(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runAdmin([]string{"hash-password"}, strings.NewReader("s3cret\n"), &out))

	hash := strings.TrimSpace(out.String())
	ok, err := auth.VerifyPassword("s3cret", hash)
	require.NoError(t, err)
	assert.True(t, ok, "hash %q does not verify", hash)

	assert.Error(t, runAdmin([]string{"hash-password"}, strings.NewReader(""), &out), "empty password")
}

func TestRunAdmin_IssueToken(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ADMIN_JWT_SECRET", "topsecret")

	var out bytes.Buffer
	require.NoError(t, runAdmin([]string{"issue-token", "-subject", "ops", "-ttl", "5m"}, nil, &out))
	token := strings.SplitN(out.String(), "\n", 2)[0]

	claims, err := auth.NewVerifier("", "topsecret").ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)

	ttl := time.Until(claims.ExpiresAt.Time)
	assert.Positive(t, ttl)
	assert.LessOrEqual(t, ttl, 5*time.Minute)
}

func TestRunAdmin_Unknown(t *testing.T) {
	assert.Error(t, runAdmin([]string{"frobnicate"}, nil, &bytes.Buffer{}))
}

func TestNewLogger(t *testing.T) {
	assert.False(t, newLogger("production", "").Enabled(t.Context(), slog.LevelDebug),
		"production logger should not enable debug")
	assert.True(t, newLogger("production", "debug").Enabled(t.Context(), slog.LevelDebug),
		"LOG_LEVEL=debug should enable debug")
}

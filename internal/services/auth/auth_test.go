package auth_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"authd/internal/domain/models"
	libjwt "authd/internal/lib/jwt"
	"authd/internal/services/auth"
	"authd/internal/storage/sqlite"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	appSecret     = "test-secret"
	refreshPepper = "test-pepper"
	tokenTTL      = time.Minute
	refreshTTL    = time.Hour
)

func newTestAuth(t *testing.T, refreshTokenTTL time.Duration) *auth.Auth {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")

	schema, err := os.ReadFile("../../../migrations/1_init.up.sql")
	require.NoError(t, err)

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(string(schema))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	store, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.DiscardHandler)

	return auth.New(logger, store, store, store, tokenTTL, refreshTokenTTL, appSecret, refreshPepper)
}

func TestLoginIssuesVerifiablePair(t *testing.T) {
	ctx := context.Background()
	a := newTestAuth(t, refreshTTL)

	uid, err := a.Register(ctx, "a@x.com", "password123")
	require.NoError(t, err)

	pair, err := a.Login(ctx, "a@x.com", "password123")
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.NotEqual(t, pair.AccessToken, pair.RefreshToken)

	identity, err := a.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, uid, identity.ID)
	assert.Equal(t, "a@x.com", identity.Email)
}

func TestLoginNeverRevealsWhichCredentialFailed(t *testing.T) {
	ctx := context.Background()
	a := newTestAuth(t, refreshTTL)

	_, err := a.Register(ctx, "a@x.com", "password123")
	require.NoError(t, err)

	_, unknownUserErr := a.Login(ctx, "nobody@x.com", "password123")
	require.ErrorIs(t, unknownUserErr, auth.ErrInvalidCredentials)

	_, badPasswordErr := a.Login(ctx, "a@x.com", "wrong-password")
	require.ErrorIs(t, badPasswordErr, auth.ErrInvalidCredentials)
}

func TestSecondLoginSupersedesFirstSession(t *testing.T) {
	ctx := context.Background()
	a := newTestAuth(t, refreshTTL)

	_, err := a.Register(ctx, "a@x.com", "password123")
	require.NoError(t, err)

	first, err := a.Login(ctx, "a@x.com", "password123")
	require.NoError(t, err)

	second, err := a.Login(ctx, "a@x.com", "password123")
	require.NoError(t, err)

	// The first login's refresh token was silently invalidated.
	_, err = a.Refresh(ctx, first.RefreshToken)
	require.ErrorIs(t, err, auth.ErrInvalidRefreshToken)

	_, err = a.Refresh(ctx, second.RefreshToken)
	require.NoError(t, err)
}

func TestRefreshRotation(t *testing.T) {
	ctx := context.Background()
	a := newTestAuth(t, refreshTTL)

	_, err := a.Register(ctx, "a@x.com", "password123")
	require.NoError(t, err)

	pair, err := a.Login(ctx, "a@x.com", "password123")
	require.NoError(t, err)

	rotated, err := a.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.AccessToken, rotated.AccessToken)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	// A refresh token is exchangeable at most once.
	_, err = a.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, auth.ErrInvalidRefreshToken)

	// The rotated token is live.
	_, err = a.Refresh(ctx, rotated.RefreshToken)
	require.NoError(t, err)
}

func TestRefreshExpiredSession(t *testing.T) {
	ctx := context.Background()
	// Sessions are stored already expired.
	a := newTestAuth(t, -time.Minute)

	_, err := a.Register(ctx, "a@x.com", "password123")
	require.NoError(t, err)

	pair, err := a.Login(ctx, "a@x.com", "password123")
	require.NoError(t, err)

	_, err = a.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, auth.ErrRefreshTokenExpired)

	// The expired row was cleaned up, so the repeat attempt fails as
	// not-found; the caller sees the same outcome either way.
	_, err = a.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, auth.ErrInvalidRefreshToken)
}

func TestRefreshUnknownToken(t *testing.T) {
	ctx := context.Background()
	a := newTestAuth(t, refreshTTL)

	_, err := a.Refresh(ctx, "never-issued")
	require.ErrorIs(t, err, auth.ErrInvalidRefreshToken)
}

func TestLogoutInvalidatesRefreshToken(t *testing.T) {
	ctx := context.Background()
	a := newTestAuth(t, refreshTTL)

	uid, err := a.Register(ctx, "a@x.com", "password123")
	require.NoError(t, err)

	pair, err := a.Login(ctx, "a@x.com", "password123")
	require.NoError(t, err)

	require.NoError(t, a.Logout(ctx, uid))

	_, err = a.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, auth.ErrInvalidRefreshToken)

	// Logout is idempotent.
	require.NoError(t, a.Logout(ctx, uid))
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	ctx := context.Background()
	a := newTestAuth(t, refreshTTL)

	uid, err := a.Register(ctx, "a@x.com", "password123")
	require.NoError(t, err)

	_, err = a.Authenticate(ctx, "")
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	_, err = a.Authenticate(ctx, "garbage")
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	wrongKey, err := libjwt.NewToken(&models.User{ID: uid}, "wrong-secret", tokenTTL)
	require.NoError(t, err)
	_, err = a.Authenticate(ctx, wrongKey)
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	expired, err := libjwt.NewToken(&models.User{ID: uid}, appSecret, -time.Second)
	require.NoError(t, err)
	_, err = a.Authenticate(ctx, expired)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestAuthenticateDeletedAccount(t *testing.T) {
	ctx := context.Background()
	a := newTestAuth(t, refreshTTL)

	// Valid signature and expiry, but the subject account does not exist.
	token, err := libjwt.NewToken(&models.User{ID: 9999}, appSecret, tokenTTL)
	require.NoError(t, err)

	_, err = a.Authenticate(ctx, token)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestAuthenticateMalformedSubjectIsInternal(t *testing.T) {
	ctx := context.Background()
	a := newTestAuth(t, refreshTTL)

	// A correctly signed token with a non-numeric subject can only come
	// from a bug, so it must not map to the generic unauthorized error.
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"sub": "not-a-number",
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	signed, err := token.SignedString([]byte(appSecret))
	require.NoError(t, err)

	_, err = a.Authenticate(ctx, signed)
	require.Error(t, err)
	require.NotErrorIs(t, err, auth.ErrInvalidToken)
}

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"authd/internal/domain/models"
	"authd/internal/lib/jwt"
	"authd/internal/lib/sl"
	"authd/internal/storage"

	"golang.org/x/crypto/bcrypt"
)

type Auth struct {
	logger          *slog.Logger
	userSaver       UserSaver
	userProvider    UserProvider
	sessionStore    SessionStore
	tokenTTL        time.Duration
	refreshTokenTTL time.Duration
	appSecret       string
	refreshPepper   string
}

type UserSaver interface {
	SaveUser(
		ctx context.Context,
		email string,
		passHash []byte,
	) (uid int64, err error)
}

type UserProvider interface {
	User(
		ctx context.Context,
		email string,
	) (user *models.User, err error)
	UserByID(
		ctx context.Context,
		userID int64,
	) (user *models.User, err error)
}

type SessionStore interface {
	UpsertSession(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error
	SessionByHash(ctx context.Context, tokenHash string) (*models.RefreshSession, error)
	RotateSession(ctx context.Context, oldHash string, userID int64, newHash string, newExpiresAt time.Time) error
	DeleteSessionByHash(ctx context.Context, tokenHash string) error
	DeleteSessionByUser(ctx context.Context, userID int64) error
}

// TokenPair is the result of a successful login or refresh. The refresh
// token is the raw value, visible to the caller exactly once; only its
// hash is stored.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrUserAlreadyExists   = errors.New("user already exists")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrRefreshTokenExpired = errors.New("refresh token expired")
	ErrInvalidToken        = errors.New("invalid token")
)

// New returns a new instance of the Auth service. Signing secret, pepper
// and TTLs are injected here and threaded into every issuance and
// verification; nothing is read from ambient state.
func New(
	logger *slog.Logger,
	userSaver UserSaver,
	userProvider UserProvider,
	sessionStore SessionStore,
	tokenTTL time.Duration,
	refreshTokenTTL time.Duration,
	appSecret string,
	refreshPepper string,
) *Auth {
	return &Auth{
		logger:          logger,
		userSaver:       userSaver,
		userProvider:    userProvider,
		sessionStore:    sessionStore,
		tokenTTL:        tokenTTL,
		refreshTokenTTL: refreshTokenTTL,
		appSecret:       appSecret,
		refreshPepper:   refreshPepper,
	}
}

func (a *Auth) Register(
	ctx context.Context,
	email string,
	password string,
) (userID int64, err error) {
	const op = "auth.Register"
	log := a.logger.With(
		slog.String("op", op),
		slog.String("email", email),
	)
	log.Info("register request")

	passHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Error("failed to generate password hash", sl.Err(err))
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	userID, err = a.userSaver.SaveUser(ctx, email, passHash)
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			log.Warn("user already exists", sl.Err(err))
			return 0, fmt.Errorf("%s: %w", op, ErrUserAlreadyExists)
		}
		log.Error("failed to save user", sl.Err(err))
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user registered", slog.Int64("userID", userID))

	return userID, nil
}

// Login authenticates the user and returns a fresh token pair. The new
// refresh session unconditionally overwrites any previous one for the
// account: one live session per account, so a second login silently
// invalidates the refresh token from the first.
func (a *Auth) Login(
	ctx context.Context,
	email string,
	password string,
) (TokenPair, error) {
	const op = "auth.Login"
	log := a.logger.With(slog.String("op", op))
	log.Info("login request", slog.String("email", email))

	user, err := a.userProvider.User(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			// Same outcome as a bad password: the login endpoint must not
			// reveal whether the account exists.
			log.Warn("user not found", sl.Err(err))
			return TokenPair{}, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}
		log.Error("failed to get user", sl.Err(err))
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := bcrypt.CompareHashAndPassword(user.PassHash, []byte(password)); err != nil {
		log.Warn("invalid password", sl.Err(err))
		return TokenPair{}, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	accessToken, err := jwt.NewToken(user, a.appSecret, a.tokenTTL)
	if err != nil {
		log.Error("failed to generate access token", sl.Err(err))
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	rawRefresh, err := generateRefreshTokenRaw()
	if err != nil {
		log.Error("failed to generate refresh token", sl.Err(err))
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	tokenHash := a.hashRefreshToken(rawRefresh)
	expiresAt := time.Now().Add(a.refreshTokenTTL)

	if err := a.sessionStore.UpsertSession(ctx, user.ID, tokenHash, expiresAt); err != nil {
		log.Error("failed to save refresh session", sl.Err(err))
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user logged in", slog.Int64("userID", user.ID))

	return TokenPair{AccessToken: accessToken, RefreshToken: rawRefresh}, nil
}

// Refresh exchanges a valid refresh token for a new token pair, rotating
// the stored session atomically. A token can be exchanged at most once:
// after rotation its hash no longer exists, so a replay is indistinguishable
// from a forged token and fails the same way.
func (a *Auth) Refresh(
	ctx context.Context,
	rawRefresh string,
) (TokenPair, error) {
	const op = "auth.Refresh"
	log := a.logger.With(slog.String("op", op))
	log.Info("refresh request")

	tokenHash := a.hashRefreshToken(rawRefresh)

	sess, err := a.sessionStore.SessionByHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			// Unknown, forged, or already-rotated token.
			log.Warn("refresh token not found", sl.Err(err))
			return TokenPair{}, fmt.Errorf("%s: %w", op, ErrInvalidRefreshToken)
		}
		log.Error("failed to get refresh session", sl.Err(err))
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	if time.Now().After(sess.ExpiresAt) {
		// Best-effort cleanup: a failure here never changes the outcome.
		if err := a.sessionStore.DeleteSessionByHash(ctx, tokenHash); err != nil {
			log.Warn("failed to delete expired session", sl.Err(err))
		}
		log.Warn("refresh token expired", slog.Int64("userID", sess.UserID))
		return TokenPair{}, fmt.Errorf("%s: %w", op, ErrRefreshTokenExpired)
	}

	user, err := a.userProvider.UserByID(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("user for session no longer exists", slog.Int64("userID", sess.UserID))
			return TokenPair{}, fmt.Errorf("%s: %w", op, ErrInvalidRefreshToken)
		}
		log.Error("failed to get user", sl.Err(err))
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	newAccessToken, err := jwt.NewToken(user, a.appSecret, a.tokenTTL)
	if err != nil {
		log.Error("failed to generate access token", sl.Err(err))
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	newRawRefresh, err := generateRefreshTokenRaw()
	if err != nil {
		log.Error("failed to generate refresh token", sl.Err(err))
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	newHash := a.hashRefreshToken(newRawRefresh)
	newExpiresAt := time.Now().Add(a.refreshTokenTTL)

	err = a.sessionStore.RotateSession(ctx, tokenHash, user.ID, newHash, newExpiresAt)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			// A concurrent refresh consumed the token first.
			log.Warn("refresh token already rotated", slog.Int64("userID", user.ID))
			return TokenPair{}, fmt.Errorf("%s: %w", op, ErrInvalidRefreshToken)
		}
		log.Error("failed to rotate refresh session", sl.Err(err))
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("tokens refreshed", slog.Int64("userID", user.ID))

	return TokenPair{AccessToken: newAccessToken, RefreshToken: newRawRefresh}, nil
}

// Logout terminates the account's session. Deleting an absent session is
// not an error, so logout is idempotent.
func (a *Auth) Logout(ctx context.Context, userID int64) error {
	const op = "auth.Logout"
	log := a.logger.With(slog.String("op", op), slog.Int64("userID", userID))
	log.Info("logout request")

	if err := a.sessionStore.DeleteSessionByUser(ctx, userID); err != nil {
		log.Error("failed to delete refresh session", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user logged out")

	return nil
}

// Authenticate verifies an access token and resolves it to a live account
// identity. Any verification failure collapses to ErrInvalidToken; a
// subject that does not parse as an account id is an internal invariant
// violation, since this service only issues numeric subjects.
func (a *Auth) Authenticate(
	ctx context.Context,
	accessToken string,
) (models.Identity, error) {
	const op = "auth.Authenticate"
	log := a.logger.With(slog.String("op", op))

	if accessToken == "" {
		return models.Identity{}, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	subject, err := jwt.ParseToken(accessToken, a.appSecret)
	if err != nil {
		log.Warn("token validation failed", sl.Err(err))
		return models.Identity{}, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	userID, err := strconv.ParseInt(subject, 10, 64)
	if err != nil {
		log.Error("malformed subject in verified token", slog.String("subject", subject))
		return models.Identity{}, fmt.Errorf("%s: malformed subject: %w", op, err)
	}

	user, err := a.userProvider.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			// Account deleted after the token was issued.
			log.Warn("user for token no longer exists", slog.Int64("userID", userID))
			return models.Identity{}, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}
		log.Error("failed to get user", sl.Err(err))
		return models.Identity{}, fmt.Errorf("%s: %w", op, err)
	}

	return models.Identity{ID: user.ID, Email: user.Email}, nil
}

// hashRefreshToken computes SHA-256 hash of the token with pepper.
func (a *Auth) hashRefreshToken(token string) string {
	h := sha256.New()
	h.Write([]byte(token + a.refreshPepper))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// generateRefreshTokenRaw generates a cryptographically secure random token.
func generateRefreshTokenRaw() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

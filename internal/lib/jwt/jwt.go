package jwt

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"authd/internal/domain/models"

	"github.com/golang-jwt/jwt/v5"
)

const nonceLen = 32

// NewToken creates an access JWT for the user, signed with the given secret.
// The jti nonce makes two tokens issued for the same user within the same
// second byte-distinct. Secret and TTL come from the caller so that no
// configuration lives in package state.
func NewToken(
	user *models.User,
	secret string,
	duration time.Duration,
) (string, error) {
	nonce, err := newNonce()
	if err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	token := jwt.NewWithClaims(
		jwt.SigningMethodHS256,
		jwt.MapClaims{
			"sub": strconv.FormatInt(user.ID, 10),
			"exp": time.Now().Add(duration).Unix(),
			"jti": nonce,
		})
	return token.SignedString([]byte(secret))
}

// ParseToken verifies a JWT's signature and expiry and returns its subject.
// Expiry is checked with zero leeway: a token is invalid the instant it
// expires.
func ParseToken(tokenString string, secret string) (subject string, err error) {
	token, err := jwt.Parse(tokenString,
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		},
		jwt.WithLeeway(0),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	sub, ok := claims["sub"].(string)
	if !ok {
		return "", fmt.Errorf("missing subject claim")
	}

	return sub, nil
}

// newNonce generates a cryptographically secure random URL-safe string.
func newNonce() (string, error) {
	bytes := make([]byte, nonceLen)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoSession = errors.New("no active session")

type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 access token for userID.
func IssueToken(secret, userID string, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates token and returns its user id.
func ParseToken(secret, token string) (string, error) {
	parsed, err := parseClaimsFn(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID == "" {
		return "", errors.New("token invalid")
	}
	return claims.UserID, nil
}

var parseClaimsFn = jwt.ParseWithClaims

// TokenSession resolves the current user from a stored bearer token, the way
// the hosted auth client answers "who is signed in". An expired or missing
// token means nobody is.
type TokenSession struct {
	secret string
	token  string
}

func NewTokenSession(secret, token string) *TokenSession {
	return &TokenSession{secret: secret, token: token}
}

func (s *TokenSession) CurrentUser(context.Context) (string, error) {
	if s == nil || s.token == "" {
		return "", ErrNoSession
	}
	userID, err := ParseToken(s.secret, s.token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	return userID, nil
}

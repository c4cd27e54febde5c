package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

func TestJWTMiddleware(t *testing.T) {
	app := fiber.New()
	app.Get("/private", JWTMiddleware("secret"), func(c *fiber.Ctx) error {
		if UserID(c) != "user-1" || Token(c) == "" {
			return fiber.NewError(fiber.StatusUnauthorized)
		}
		return c.SendStatus(http.StatusOK)
	})

	// missing token
	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	resp, _ := app.Test(req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized")
	}

	// wrong scheme
	req = httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("Authorization", "Basic abc")
	resp, _ = app.Test(req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for basic auth")
	}

	// foreign secret
	foreign, _ := IssueToken("other", "user-1", time.Minute)
	req = httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("Authorization", "Bearer "+foreign)
	resp, _ = app.Test(req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for foreign token")
	}

	// valid token
	token, err := IssueToken("secret", "user-1", time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, _ = app.Test(req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ok")
	}
}

func TestParseTokenRejectsNoneAlg(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "user-1"})
	signed, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseToken("secret", signed); err == nil {
		t.Fatalf("expected none alg to be rejected")
	}
}

func TestParseTokenClaimsTypeMismatch(t *testing.T) {
	old := parseClaimsFn
	defer func() { parseClaimsFn = old }()
	parseClaimsFn = func(string, jwt.Claims, jwt.Keyfunc, ...jwt.ParserOption) (*jwt.Token, error) {
		return &jwt.Token{Claims: jwt.MapClaims{}, Valid: true}, nil
	}

	if _, err := ParseToken("secret", "anything"); err == nil {
		t.Fatalf("expected invalid token")
	}
}

func TestTokenSessionCurrentUser(t *testing.T) {
	token, _ := IssueToken("secret", "user-1", time.Minute)
	id, err := NewTokenSession("secret", token).CurrentUser(context.Background())
	if err != nil || id != "user-1" {
		t.Fatalf("current user: %q %v", id, err)
	}

	if _, err := NewTokenSession("secret", "").CurrentUser(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession for empty token")
	}

	expired, _ := IssueToken("secret", "user-1", -time.Minute)
	if _, err := NewTokenSession("secret", expired).CurrentUser(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession for expired token")
	}
}

package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-with-enough-entropy-0123456789")

func sign(t *testing.T, method jwt.SigningMethod, key any, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestJWTAuthenticatorRoundTrip(t *testing.T) {
	a, err := NewJWTAuthenticator(testSecret, "chatsock")
	if err != nil {
		t.Fatal(err)
	}
	tok, err := a.Issue("42", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	uid, err := a.Authenticate(context.Background(), tok)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if uid != "42" {
		t.Errorf("user id = %q, want 42", uid)
	}
}

func TestJWTAuthenticatorRejects(t *testing.T) {
	a, err := NewJWTAuthenticator(testSecret, "chatsock")
	if err != nil {
		t.Fatal(err)
	}
	valid := func() Claims {
		return Claims{
			Type: TokenTypeAccess,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "7",
				Issuer:    "chatsock",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			},
		}
	}

	expired := valid()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	refresh := valid()
	refresh.Type = "refresh"
	noSubject := valid()
	noSubject.Subject = ""
	otherIssuer := valid()
	otherIssuer.Issuer = "someone-else"
	noExpiry := valid()
	noExpiry.ExpiresAt = nil

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"wrong secret", sign(t, jwt.SigningMethodHS256, []byte("other-secret"), valid())},
		{"wrong algorithm", sign(t, jwt.SigningMethodHS512, testSecret, valid())},
		{"unsigned", sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, valid())},
		{"expired", sign(t, jwt.SigningMethodHS256, testSecret, expired)},
		{"no expiry", sign(t, jwt.SigningMethodHS256, testSecret, noExpiry)},
		{"refresh token", sign(t, jwt.SigningMethodHS256, testSecret, refresh)},
		{"missing subject", sign(t, jwt.SigningMethodHS256, testSecret, noSubject)},
		{"other issuer", sign(t, jwt.SigningMethodHS256, testSecret, otherIssuer)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uid, err := a.Authenticate(context.Background(), tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Authenticate() = %q, %v; want ErrInvalidToken", uid, err)
			}
		})
	}
}

func TestJWTAuthenticatorNoIssuerCheck(t *testing.T) {
	a, err := NewJWTAuthenticator(testSecret, "")
	if err != nil {
		t.Fatal(err)
	}
	tok := sign(t, jwt.SigningMethodHS256, testSecret, Claims{
		Type: TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "9",
			Issuer:    "anything",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	if uid, err := a.Authenticate(context.Background(), tok); err != nil || uid != "9" {
		t.Errorf("Authenticate() = %q, %v", uid, err)
	}
}

func TestNewJWTAuthenticatorRequiresSecret(t *testing.T) {
	if _, err := NewJWTAuthenticator(nil, ""); err == nil {
		t.Error("empty secret accepted")
	}
}

func TestAuthenticatorFunc(t *testing.T) {
	var a Authenticator = AuthenticatorFunc(func(_ context.Context, token string) (string, error) {
		if token == "letmein" {
			return "u1", nil
		}
		return "", ErrInvalidToken
	})
	if uid, err := a.Authenticate(context.Background(), "letmein"); err != nil || uid != "u1" {
		t.Errorf("Authenticate() = %q, %v", uid, err)
	}
	if _, err := a.Authenticate(context.Background(), "nope"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v", err)
	}
}

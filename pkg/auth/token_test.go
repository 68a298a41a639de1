package auth

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/angelmondragon/kluret-checkout/pkg/config"
	"github.com/golang-jwt/jwt/v5"
)

func TestMintAndParseAccessToken(t *testing.T) {
	cfg := config.JWTConfig{Secret: "secret", Issuer: "kluret"}
	now := time.Now().UTC()

	token, err := MintAccessToken(cfg, now, 30*time.Minute, AccessTokenPayload{UserID: "user-42"})
	if err != nil {
		t.Fatalf("mint access token: %v", err)
	}

	claims, err := ParseAccessToken(cfg, token)
	if err != nil {
		t.Fatalf("parse access token: %v", err)
	}
	if claims.UserID != "user-42" {
		t.Fatalf("expected user_id user-42, got %s", claims.UserID)
	}
	if claims.Issuer != cfg.Issuer {
		t.Fatalf("expected issuer %s, got %s", cfg.Issuer, claims.Issuer)
	}
	if claims.ID == "" {
		t.Fatalf("expected generated jti")
	}
}

func TestParseAccessTokenRejectsWrongIssuer(t *testing.T) {
	token, err := MintAccessToken(config.JWTConfig{Secret: "secret", Issuer: "other"}, time.Now(), time.Minute, AccessTokenPayload{UserID: "u"})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := ParseAccessToken(config.JWTConfig{Secret: "secret", Issuer: "kluret"}, token); err == nil {
		t.Fatal("expected issuer mismatch to fail")
	}
}

func TestParseAccessTokenRejectsExpired(t *testing.T) {
	cfg := config.JWTConfig{Secret: "secret", Issuer: "kluret"}
	token, err := MintAccessToken(cfg, time.Now().Add(-time.Hour), time.Minute, AccessTokenPayload{UserID: "u"})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := ParseAccessToken(cfg, token); err == nil {
		t.Fatal("expected expired token to fail")
	}
}

func TestParseAccessTokenFallsBackToSubject(t *testing.T) {
	cfg := config.JWTConfig{Secret: "secret", Issuer: "kluret"}
	claims := jwt.RegisteredClaims{
		Issuer:    cfg.Issuer,
		Subject:   "user-from-sub",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	parsed, err := ParseAccessToken(cfg, signed)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.UserID != "user-from-sub" {
		t.Fatalf("expected subject fallback, got %q", parsed.UserID)
	}
}

func TestMintAccessTokenValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.JWTConfig
		ttl  time.Duration
		user string
		want string
	}{
		{name: "secret", cfg: config.JWTConfig{Issuer: "kluret"}, ttl: time.Minute, user: "u", want: "secret"},
		{name: "issuer", cfg: config.JWTConfig{Secret: "s"}, ttl: time.Minute, user: "u", want: "issuer"},
		{name: "ttl", cfg: config.JWTConfig{Secret: "s", Issuer: "i"}, user: "u", want: "ttl"},
		{name: "user", cfg: config.JWTConfig{Secret: "s", Issuer: "i"}, ttl: time.Minute, want: "user id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := MintAccessToken(tc.cfg, time.Now(), tc.ttl, AccessTokenPayload{UserID: tc.user})
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestVerifierChecksAudienceWhenConfigured(t *testing.T) {
	cfg := config.JWTConfig{Secret: "secret", Issuer: "kluret", Audience: "checkout"}
	verifier, err := NewVerifier(cfg)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	good, err := MintAccessToken(cfg, time.Now(), time.Minute, AccessTokenPayload{UserID: "u"})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := verifier.Verify(good); err != nil {
		t.Fatalf("expected audience match, got %v", err)
	}

	other := cfg
	other.Audience = "admin"
	bad, err := MintAccessToken(other, time.Now(), time.Minute, AccessTokenPayload{UserID: "u"})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := verifier.Verify(bad); err == nil {
		t.Fatal("expected audience mismatch to fail")
	}
}

func TestVerifierRejectsTokenWithoutIdentity(t *testing.T) {
	cfg := config.JWTConfig{Secret: "secret", Issuer: "kluret"}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    cfg.Issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte(cfg.Secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseAccessToken(cfg, signed); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"abc":          "abc",
	}
	for header, want := range cases {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", header)
		got, err := BearerToken(req)
		if err != nil || got != want {
			t.Fatalf("header %q: got %q err %v", header, got, err)
		}
	}
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer ")
	if _, err := BearerToken(req); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

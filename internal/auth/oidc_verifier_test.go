package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestOIDCVerifierValidatesTokenUsingJWKS(t *testing.T) {
	privateKey, jwksServer := newJWKSFixture(t)
	defer jwksServer.Close()

	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"aud":     "crewnet-client",
		"iss":     "https://id.example.com",
		"sub":     "user-123",
		"email":   "ada@example.com",
		"name":    "Ada Lovelace",
		"picture": "https://cdn.example.com/ada.png",
		"exp":     now.Add(5 * time.Minute).Unix(),
		"iat":     now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "test-key"
	signedToken, err := token.SignedString(privateKey)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	verifier, err := NewOIDCVerifier(OIDCVerifierConfig{
		Audience:       "crewnet-client",
		JWKSURL:        jwksServer.URL + "/certs",
		AllowedIssuers: []string{"https://id.example.com"},
		HTTPClient:     jwksServer.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	verified, err := verifier.Verify(context.Background(), signedToken)
	if err != nil {
		t.Fatalf("expected verification to succeed: %v", err)
	}

	if verified.UserID != "user-123" {
		t.Fatalf("unexpected user id %s", verified.UserID)
	}
	if verified.Email != "ada@example.com" {
		t.Fatalf("unexpected email %s", verified.Email)
	}
	if verified.DisplayName != "Ada Lovelace" {
		t.Fatalf("unexpected display name %s", verified.DisplayName)
	}
}

func TestOIDCVerifierRejectsInvalidAudience(t *testing.T) {
	privateKey, jwksServer := newJWKSFixture(t)
	defer jwksServer.Close()

	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"aud": "unexpected-client",
		"iss": "https://id.example.com",
		"sub": "user-123",
		"exp": now.Add(5 * time.Minute).Unix(),
		"iat": now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "test-key"
	signedToken, err := token.SignedString(privateKey)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	verifier, err := NewOIDCVerifier(OIDCVerifierConfig{
		Audience:       "crewnet-client",
		JWKSURL:        jwksServer.URL + "/certs",
		AllowedIssuers: []string{"https://id.example.com"},
		HTTPClient:     jwksServer.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	_, err = verifier.Verify(context.Background(), signedToken)
	if !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected invalid credential error, got %v", err)
	}
}

func TestNewOIDCVerifierRequiresAudienceAndJWKS(t *testing.T) {
	_, err := NewOIDCVerifier(OIDCVerifierConfig{
		Audience:       "",
		JWKSURL:        "https://example.com/jwks",
		AllowedIssuers: []string{"https://id.example.com"},
	})
	if !errors.Is(err, ErrInvalidVerifierConfig) {
		t.Fatalf("expected invalid verifier config error, got %v", err)
	}
	if !strings.Contains(err.Error(), errMissingAudienceConfig.Error()) {
		t.Fatalf("expected audience validation error to be reported, got %v", err)
	}

	_, err = NewOIDCVerifier(OIDCVerifierConfig{
		Audience:       "crewnet-client",
		JWKSURL:        " ",
		AllowedIssuers: []string{"https://id.example.com"},
	})
	if !errors.Is(err, ErrInvalidVerifierConfig) {
		t.Fatalf("expected invalid verifier config error, got %v", err)
	}
	if !strings.Contains(err.Error(), errMissingJWKSURL.Error()) {
		t.Fatalf("expected jwks validation error to be reported, got %v", err)
	}
}

func TestNewOIDCVerifierRejectsEmptyIssuerList(t *testing.T) {
	_, err := NewOIDCVerifier(OIDCVerifierConfig{
		Audience:       "crewnet-client",
		JWKSURL:        "https://example.com/jwks",
		AllowedIssuers: []string{"", "   "},
	})
	if !errors.Is(err, ErrInvalidVerifierConfig) {
		t.Fatalf("expected invalid verifier config error, got %v", err)
	}
	if !strings.Contains(err.Error(), errNoAllowedIssuers.Error()) {
		t.Fatalf("expected allowed issuers validation error to be reported, got %v", err)
	}
}

func newJWKSFixture(t *testing.T) (*rsa.PrivateKey, *httptest.Server) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	publicKey := privateKey.PublicKey
	jwksResponse := map[string]any{
		"keys": []any{map[string]string{
			"kty": "RSA",
			"alg": "RS256",
			"kid": "test-key",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(publicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(publicKey.E)).Bytes()),
		}},
	}

	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwksResponse)
	}))
	return privateKey, jwksServer
}

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const testIssuer = "panemux-test"

func newTestJWTManager(t *testing.T) *JWTManager {
	t.Helper()
	m, err := NewJWTManagerGenerated(testIssuer)
	if err != nil {
		t.Fatalf("creating jwt manager: %v", err)
	}
	return m
}

// signExpiredAccess creates an access token that expired an hour ago,
// signed with the manager's own key.
func signExpiredAccess(t *testing.T, m *JWTManager, userID string) string {
	t.Helper()
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-1 * time.Hour)),
			ID:        uuid.NewString(),
		},
		UserID: userID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(m.privateKey)
	if err != nil {
		t.Fatalf("signing expired token: %v", err)
	}
	return signed
}

func TestAccessTokenRoundTrip(t *testing.T) {
	m := newTestJWTManager(t)
	userID := uuid.NewString()

	token, err := m.GenerateAccessToken(userID, "user@example.com", "pro")
	if err != nil {
		t.Fatalf("generating access token: %v", err)
	}

	claims, err := m.ValidateAccessToken(token)
	if err != nil {
		t.Fatalf("validating access token: %v", err)
	}
	if claims.Subject != userID {
		t.Errorf("subject = %q, want %q", claims.Subject, userID)
	}
	if claims.UserID != userID {
		t.Errorf("uid claim = %q, want %q", claims.UserID, userID)
	}
	if claims.Email != "user@example.com" {
		t.Errorf("email claim = %q, want user@example.com", claims.Email)
	}
	if claims.Tier != "pro" {
		t.Errorf("tier claim = %q, want pro", claims.Tier)
	}
}

func TestExpiredAccessTokenIsDistinguished(t *testing.T) {
	m := newTestJWTManager(t)

	_, err := m.ValidateAccessToken(signExpiredAccess(t, m, uuid.NewString()))
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
}

func TestTamperedTokenIsInvalid(t *testing.T) {
	m := newTestJWTManager(t)

	token, err := m.GenerateAccessToken(uuid.NewString(), "a@b.c", "free")
	if err != nil {
		t.Fatalf("generating access token: %v", err)
	}

	tampered := token[:len(token)-4] + "AAAA"
	if _, err := m.ValidateAccessToken(tampered); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestTokenFromDifferentKeyIsInvalid(t *testing.T) {
	m1 := newTestJWTManager(t)
	m2 := newTestJWTManager(t)

	token, err := m1.GenerateAccessToken(uuid.NewString(), "a@b.c", "free")
	if err != nil {
		t.Fatalf("generating access token: %v", err)
	}

	if _, err := m2.ValidateAccessToken(token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestRefreshTokenRoundTrip(t *testing.T) {
	m := newTestJWTManager(t)
	userID := uuid.NewString()

	signed, jti, expiresAt, err := m.GenerateRefreshToken(userID)
	if err != nil {
		t.Fatalf("generating refresh token: %v", err)
	}
	if jti == "" {
		t.Fatal("jti is empty")
	}
	if time.Until(expiresAt) < 6*24*time.Hour {
		t.Errorf("expiry %v is sooner than expected", expiresAt)
	}

	claims, err := m.ValidateRefreshToken(signed)
	if err != nil {
		t.Fatalf("validating refresh token: %v", err)
	}
	if claims.Subject != userID {
		t.Errorf("subject = %q, want %q", claims.Subject, userID)
	}
	if claims.ID != jti {
		t.Errorf("jti = %q, want %q", claims.ID, jti)
	}
	if claims.TokenType != "refresh" {
		t.Errorf("typ = %q, want refresh", claims.TokenType)
	}
}

func TestAccessTokenRejectedAsRefresh(t *testing.T) {
	m := newTestJWTManager(t)

	access, err := m.GenerateAccessToken(uuid.NewString(), "a@b.c", "free")
	if err != nil {
		t.Fatalf("generating access token: %v", err)
	}

	if _, err := m.ValidateRefreshToken(access); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestRefreshTokenRejectedAsAccess(t *testing.T) {
	m := newTestJWTManager(t)

	refresh, _, _, err := m.GenerateRefreshToken(uuid.NewString())
	if err != nil {
		t.Fatalf("generating refresh token: %v", err)
	}

	if _, err := m.ValidateAccessToken(refresh); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestPublicKeyPEM(t *testing.T) {
	m := newTestJWTManager(t)

	pemBytes, err := m.PublicKeyPEM()
	if err != nil {
		t.Fatalf("exporting public key: %v", err)
	}
	if len(pemBytes) == 0 {
		t.Fatal("empty PEM output")
	}
}

package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// accessTokenDuration defines how long an access token remains valid.
	// Kept short; refresh tokens handle session continuity.
	accessTokenDuration = 15 * time.Minute

	// refreshTokenDuration defines how long a refresh token remains valid.
	refreshTokenDuration = 7 * 24 * time.Hour

	// refreshTokenType is the value of the "typ" claim that marks a JWT as
	// a refresh token. Verification rejects refresh tokens without it so an
	// access token can never be replayed as a refresh token.
	refreshTokenType = "refresh"

	// rsaKeyBits is the RSA key size used for JWT signing.
	rsaKeyBits = 2048
)

// Claims holds the custom JWT claims embedded in every access token.
// Standard claims (exp, iat, iss, sub) come via jwt.RegisteredClaims.
type Claims struct {
	jwt.RegisteredClaims

	// UserID duplicates the subject claim for convenient access.
	UserID string `json:"uid"`

	// Email is included so the frontend can display the logged-in identity
	// without a profile fetch.
	Email string `json:"email"`

	// Tier is the user's plan at token issuance time. Access tokens are
	// short-lived so tier staleness is acceptable.
	Tier string `json:"tier"`

	// TokenType is absent on access tokens. It is parsed here so that a
	// refresh token presented as an access token can be rejected.
	TokenType string `json:"typ,omitempty"`
}

// RefreshClaims holds the claims of a refresh token. The TokenType claim
// must equal "refresh" for the token to be accepted.
type RefreshClaims struct {
	jwt.RegisteredClaims

	TokenType string `json:"typ"`
}

// JWTManager handles RS256 signing and verification of access and refresh
// tokens. It holds the RSA key pair in memory after initialization.
type JWTManager struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	issuer     string
}

// NewJWTManagerFromFiles loads an RSA key pair from PEM files on disk.
// Use this in production where keys are mounted as secrets.
func NewJWTManagerFromFiles(privateKeyPath, publicKeyPath, issuer string) (*JWTManager, error) {
	privBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("auth: reading private key file: %w", err)
	}

	pubBytes, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("auth: reading public key file: %w", err)
	}

	return newJWTManagerFromPEM(privBytes, pubBytes, issuer)
}

// NewJWTManagerGenerated creates a JWTManager with a freshly generated RSA
// key pair. The keys are ephemeral, so all existing tokens are invalidated
// on restart. Suitable for development and single-instance deployments.
func NewJWTManagerGenerated(issuer string) (*JWTManager, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("auth: generating RSA key pair: %w", err)
	}

	return &JWTManager{
		privateKey: privateKey,
		publicKey:  &privateKey.PublicKey,
		issuer:     issuer,
	}, nil
}

// newJWTManagerFromPEM parses PEM-encoded RSA key bytes.
func newJWTManagerFromPEM(privatePEM, publicPEM []byte, issuer string) (*JWTManager, error) {
	privBlock, _ := pem.Decode(privatePEM)
	if privBlock == nil {
		return nil, errors.New("auth: failed to decode private key PEM block")
	}

	// Support both PKCS#1 (RSA PRIVATE KEY) and PKCS#8 (PRIVATE KEY) formats.
	var privateKey *rsa.PrivateKey
	switch privBlock.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(privBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("auth: parsing PKCS#1 private key: %w", err)
		}
		privateKey = key
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(privBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("auth: parsing PKCS#8 private key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("auth: PKCS#8 key is not an RSA key")
		}
		privateKey = rsaKey
	default:
		return nil, fmt.Errorf("auth: unsupported private key PEM type: %s", privBlock.Type)
	}

	pubBlock, _ := pem.Decode(publicPEM)
	if pubBlock == nil {
		return nil, errors.New("auth: failed to decode public key PEM block")
	}

	pubInterface, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parsing public key: %w", err)
	}

	publicKey, ok := pubInterface.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("auth: public key is not an RSA key")
	}

	return &JWTManager{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     issuer,
	}, nil
}

// GenerateAccessToken creates a signed RS256 JWT for the given user.
// The token expires after accessTokenDuration (15 minutes).
func (m *JWTManager) GenerateAccessToken(userID, email, tier string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(accessTokenDuration)),
			ID:        uuid.NewString(),
		},
		UserID: userID,
		Email:  email,
		Tier:   tier,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)

	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", fmt.Errorf("auth: signing access token: %w", err)
	}

	return signed, nil
}

// GenerateRefreshToken creates a signed RS256 refresh JWT carrying the
// "refresh" type claim. The returned jti is what the caller persists
// (hashed) for rotation and revocation.
func (m *JWTManager) GenerateRefreshToken(userID string) (signed, jti string, expiresAt time.Time, err error) {
	now := time.Now()
	jti = uuid.NewString()
	expiresAt = now.Add(refreshTokenDuration)

	claims := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
		TokenType: refreshTokenType,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)

	signed, err = token.SignedString(m.privateKey)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("auth: signing refresh token: %w", err)
	}

	return signed, jti, expiresAt, nil
}

// ValidateAccessToken parses and verifies an access token.
// Returns ErrTokenExpired specifically for expired tokens so the browser
// acceptor can fall through to the refresh token; every other failure is
// ErrTokenInvalid.
func (m *JWTManager) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		m.keyFunc,
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	// A refresh token must never pass as an access token.
	if claims.TokenType == refreshTokenType {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}

// ValidateRefreshToken parses and verifies a refresh token. A token whose
// "typ" claim is not the literal "refresh" is rejected as invalid even if
// the signature checks out.
func (m *JWTManager) ValidateRefreshToken(tokenString string) (*RefreshClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&RefreshClaims{},
		m.keyFunc,
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*RefreshClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	if claims.TokenType != refreshTokenType {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}

// keyFunc rejects tokens signed with anything other than RS256, preventing
// the alg:none and HMAC confusion attacks.
func (m *JWTManager) keyFunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
	}
	return m.publicKey, nil
}

// PublicKeyPEM returns the public key in PEM-encoded PKIX format, e.g. for
// sharing with other services that verify relay-issued tokens.
func (m *JWTManager) PublicKeyPEM() ([]byte, error) {
	pubBytes, err := x509.MarshalPKIXPublicKey(m.publicKey)
	if err != nil {
		return nil, fmt.Errorf("auth: marshaling public key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubBytes,
	}), nil
}

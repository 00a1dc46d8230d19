package auth

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/BradenHooton/totpgate/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const sessionTokenType = "session"

// SessionClaims is the signed payload of the session cookie.
// It carries only the opaque session ID; all state lives server-side.
type SessionClaims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenManager signs and verifies session cookie values
type TokenManager struct {
	secret []byte
	issuer string
}

// NewTokenManager creates a new TokenManager.
// An empty secret gets a random per-process key, which invalidates
// cookies on restart.
func NewTokenManager(secret, issuer string) (*TokenManager, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate session key: %w", err)
		}
	}
	return &TokenManager{secret: key, issuer: issuer}, nil
}

// NewSessionID returns a fresh opaque session identifier
func NewSessionID() string {
	return uuid.New().String()
}

// Sign wraps a session ID into a tamper-evident cookie value
func (tm *TokenManager) Sign(sessionID string, issuedAt time.Time) (string, error) {
	claims := &SessionClaims{
		Type: sessionTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       sessionID,
			Issuer:   tm.issuer,
			IssuedAt: jwt.NewNumericDate(issuedAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// Parse verifies a cookie value and returns the session ID it carries
func (tm *TokenManager) Parse(tokenString string) (string, error) {
	claims := &SessionClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.secret, nil
	}, jwt.WithIssuer(tm.issuer), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("failed to parse session token: %w", models.ErrUnauthorized)
	}

	if !token.Valid || claims.Type != sessionTokenType || claims.ID == "" {
		return "", models.ErrUnauthorized
	}

	return claims.ID, nil
}

package auth

import (
	"fmt"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenTypeAccess is the only token type issued after a completed login
const TokenTypeAccess = "access"

// TokenManager handles JWT token generation and validation
type TokenManager struct {
	secret            []byte
	issuer            string
	accessTokenExpiry time.Duration
	now               func() time.Time
}

// NewTokenManager creates a new TokenManager
func NewTokenManager(secret, issuer string, accessExpiry time.Duration) *TokenManager {
	return &TokenManager{
		secret:            []byte(secret),
		issuer:            issuer,
		accessTokenExpiry: accessExpiry,
		now:               time.Now,
	}
}

// AccessTokenExpiry returns the configured lifetime of access tokens
func (tm *TokenManager) AccessTokenExpiry() time.Duration {
	return tm.accessTokenExpiry
}

// GenerateAccessToken creates a short-lived access token with JTI
func (tm *TokenManager) GenerateAccessToken(account *models.Account) (string, error) {
	now := tm.now()

	claims := &models.TokenClaims{
		Type:      TokenTypeAccess,
		AccountID: account.ID,
		Login:     account.Login,
		Roles:     account.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    tm.issuer,
			Subject:   account.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.accessTokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}

	return tokenString, nil
}

// ValidateToken verifies a token and returns its claims
func (tm *TokenManager) ValidateToken(tokenString string) (*models.TokenClaims, error) {
	claims := &models.TokenClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.secret, nil
	}, jwt.WithTimeFunc(tm.now), jwt.WithIssuer(tm.issuer))

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, models.ErrUnauthorized
	}

	if claims.Type != TokenTypeAccess {
		return nil, fmt.Errorf("invalid token: unexpected type %q", claims.Type)
	}

	return claims, nil
}

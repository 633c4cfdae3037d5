package models

import "github.com/golang-jwt/jwt/v5"

// TokenClaims are the JWT claims issued after a completed login
type TokenClaims struct {
	Type      string   `json:"type"`
	AccountID string   `json:"account_id"`
	Login     string   `json:"login"`
	Roles     []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// LoginAttempt is one pass through the authentication pipeline
type LoginAttempt struct {
	Identity       string
	Secret         string
	Factor         string
	ChallengeToken string
	ClientAddress  string
	UserAgent      string
}

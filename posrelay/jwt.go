// Copyright 2025 Babd BTC
// SPDX-License-Identifier: Apache-2.0

package posrelay

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTAuth validates relay bearer tokens. A token binds a terminal to one
// merchant network: the network id travels in the standard `sub` claim and
// the terminal id in the `did` claim. The relay trusts these claims as the
// authenticated event origin.
type JWTAuth struct {
	secret []byte
}

// NewJWTAuth creates a new JWT authenticator.
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{secret: []byte(secret)}
}

// JWTClaims are the claims carried by a relay token.
type JWTClaims struct {
	TerminalID string `json:"did"` // terminal id (becomes event origin)
	jwt.RegisteredClaims
}

// GenerateToken issues a token for one terminal on one network.
func (j *JWTAuth) GenerateToken(networkID, terminalID string, expiration time.Duration) (string, error) {
	claims := &JWTClaims{
		TerminalID: terminalID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "posrelay",
			Subject:   networkID, // network id goes in standard 'sub' claim
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a token and returns its claims.
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		if claims.TerminalID == "" {
			return nil, fmt.Errorf("missing did (terminal ID) in token")
		}
		if claims.Subject == "" {
			return nil, fmt.Errorf("missing sub (network ID) in token")
		}
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}

// GetNetworkID extracts the network id from the request's bearer token
// (implements ClientAuthenticator).
func (j *JWTAuth) GetNetworkID(r *http.Request) (string, error) {
	claims, err := j.claimsFromRequest(r)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// GetTerminalID extracts the terminal id from the request's bearer token
// (implements ClientAuthenticator).
func (j *JWTAuth) GetTerminalID(r *http.Request) (string, error) {
	claims, err := j.claimsFromRequest(r)
	if err != nil {
		return "", err
	}
	return claims.TerminalID, nil
}

func (j *JWTAuth) claimsFromRequest(r *http.Request) (*JWTClaims, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, fmt.Errorf("authorization header required")
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return nil, fmt.Errorf("bearer token required")
	}

	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}

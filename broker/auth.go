// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

package broker

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Authenticator verifies browser bearer tokens issued by the identity
// provider. Tokens are HMAC-signed JWTs carrying the user id.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{secret: secret}
}

// TokenFromRequest extracts the bearer token from the Authorization header
// or the ?token= query alternate browsers use for WebSocket upgrades.
func TokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// Verify validates the token signature and returns the user id claim
func (a *Authenticator) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrMissingToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	userID := getClaimString(claims, "user_id")
	if userID == "" {
		userID = getClaimString(claims, "sub")
	}
	if userID == "" {
		return "", ErrInvalidToken
	}

	return userID, nil
}

func getClaimString(claims jwt.MapClaims, key string) string {
	if val, ok := claims[key].(string); ok {
		return val
	}
	return ""
}

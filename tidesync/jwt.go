// Copyright 2026 Dmitri Molchanov
// SPDX-License-Identifier: Apache-2.0

package tidesync

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dmolchanov/go-tidesync/internal/auth"
)

// JWTAuth handles JWT authentication
type JWTAuth struct {
	secret        []byte
	tokenTTL      time.Duration
	refreshWindow time.Duration
}

// NewJWTAuth creates a new JWT authenticator. Tokens live for tokenTTL;
// an expired token may still be exchanged at /auth/refresh for up to
// refreshWindow past its expiry.
func NewJWTAuth(secret string, tokenTTL, refreshWindow time.Duration) *JWTAuth {
	if tokenTTL <= 0 {
		tokenTTL = 15 * time.Minute
	}
	if refreshWindow <= 0 {
		refreshWindow = 24 * time.Hour
	}
	return &JWTAuth{
		secret:        []byte(secret),
		tokenTTL:      tokenTTL,
		refreshWindow: refreshWindow,
	}
}

// JWTClaims represents JWT claims for single-user multi-device sync
type JWTClaims struct {
	DeviceID string `json:"did"` // Device ID identifying the pushing device
	jwt.RegisteredClaims
}

// GenerateToken generates a JWT token for single-user multi-device sync
func (j *JWTAuth) GenerateToken(ownerID, deviceID string) (string, time.Time, error) {
	expiresAt := time.Now().Add(j.tokenTTL)
	claims := &JWTClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "go-tidesync",
			Subject:   ownerID, // Owner ID goes in standard 'sub' claim
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(j.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateToken validates a JWT token and returns the claims
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
		if claims.DeviceID == "" {
			return nil, fmt.Errorf("missing did (device ID) in token")
		}
		if claims.Subject == "" {
			return nil, fmt.Errorf("missing sub (owner ID) in token")
		}
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}

// RefreshToken exchanges a token for a fresh one with the same identity.
// An expired token is accepted as long as it expired less than the refresh
// window ago; signature failures and older tokens are fatal.
func (j *JWTAuth) RefreshToken(tokenString string) (string, time.Time, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return "", fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return "", time.Time{}, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok {
		return "", time.Time{}, fmt.Errorf("invalid token claims")
	}
	if claims.DeviceID == "" || claims.Subject == "" {
		return "", time.Time{}, fmt.Errorf("token missing identity claims")
	}
	if claims.ExpiresAt == nil {
		return "", time.Time{}, fmt.Errorf("token missing expiry")
	}
	if time.Since(claims.ExpiresAt.Time) > j.refreshWindow {
		return "", time.Time{}, fmt.Errorf("token expired beyond refresh window")
	}

	return j.GenerateToken(claims.Subject, claims.DeviceID)
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

// GetDeviceID extracts the device ID from the HTTP request (implements ClientAuthenticator)
func (j *JWTAuth) GetDeviceID(r *http.Request) (string, error) {
	claims, err := j.claimsFromRequest(r)
	if err != nil {
		return "", err
	}
	return claims.DeviceID, nil
}

// GetOwnerID extracts the owner ID from JWT sub claim (implements ClientAuthenticator)
func (j *JWTAuth) GetOwnerID(r *http.Request) (string, error) {
	claims, err := j.claimsFromRequest(r)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// Middleware returns an HTTP middleware for JWT authentication
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		bearerToken := strings.Split(authHeader, " ")
		if len(bearerToken) != 2 || bearerToken[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := j.ValidateToken(bearerToken[1])
		if err != nil {
			// Safely log token prefix (max 20 chars)
			tokenPrefix := bearerToken[1]
			if len(tokenPrefix) > 20 {
				tokenPrefix = tokenPrefix[:20]
			}
			slog.Error("JWT validation failed", "error", err, "token_prefix", tokenPrefix)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		r = r.WithContext(auth.SetAuthContext(r.Context(), claims.Subject, claims.DeviceID))
		next.ServeHTTP(w, r)
	})
}

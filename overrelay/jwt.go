// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mobiletoly/go-overrelay/internal/auth"
)

// NodeAuthenticator identifies the peer node behind an HTTP request
type NodeAuthenticator interface {
	GetNodeID(r *http.Request) (string, error)
}

// JWTAuth issues and checks node tokens signed with a shared secret
type JWTAuth struct {
	secret []byte
	issuer string
}

// NewJWTAuth creates a new JWT authenticator; issuer is the local node id
func NewJWTAuth(secret, issuer string) *JWTAuth {
	return &JWTAuth{
		secret: []byte(secret),
		issuer: issuer,
	}
}

// JWTClaims represents the claims of a node token
type JWTClaims struct {
	NodeID string `json:"nid"` // Peer node the token was issued to
	jwt.RegisteredClaims
}

// GenerateToken generates a token for nodeID
func (j *JWTAuth) GenerateToken(nodeID string, expiration time.Duration) (string, error) {
	if nodeID == "" {
		return "", fmt.Errorf("node id is required")
	}
	now := time.Now()
	claims := &JWTClaims{
		NodeID: nodeID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    j.issuer,
			Subject:   nodeID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a token and returns its claims
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
		if claims.NodeID == "" {
			return nil, fmt.Errorf("missing nid (node ID) in token")
		}
		if claims.Subject != "" && claims.Subject != claims.NodeID {
			return nil, fmt.Errorf("token subject %q does not match node %q", claims.Subject, claims.NodeID)
		}
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}

func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("authorization header required")
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader || tokenString == "" {
		return "", fmt.Errorf("bearer token required")
	}
	return tokenString, nil
}

// GetNodeID extracts the peer node id from the request (implements NodeAuthenticator)
func (j *JWTAuth) GetNodeID(r *http.Request) (string, error) {
	if nodeID, ok := auth.GetNodeID(r.Context()); ok {
		return nodeID, nil
	}
	tokenString, err := bearerToken(r)
	if err != nil {
		return "", err
	}
	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	return claims.NodeID, nil
}

// Middleware returns an HTTP middleware that authenticates the peer node
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, err := bearerToken(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		claims, err := j.ValidateToken(tokenString)
		if err != nil {
			// Safely log token prefix (max 20 chars)
			tokenPrefix := tokenString
			if len(tokenPrefix) > 20 {
				tokenPrefix = tokenPrefix[:20]
			}
			slog.Error("JWT validation failed", "error", err, "token_prefix", tokenPrefix)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := auth.SetNodeID(r.Context(), claims.NodeID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

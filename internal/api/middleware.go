package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	gatewaySignatureHeader = "X-Gateway-Signature"
	maxCallbackBodyBytes   = 1 << 20
)

// ReviewerContextKey is a custom type for the context key to avoid collisions.
type ReviewerContextKey string

const reviewerIDKey ReviewerContextKey = "reviewerID"

// InternalAuthMiddleware validates the internal API key for server-to-server calls.
// An empty key disables the check.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := r.Header.Get("X-Internal-API-Key")
			if provided == "" || !hmac.Equal([]byte(provided), []byte(requiredKey)) {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ReviewerAuthMiddleware validates HS256 reviewer tokens and puts the subject in
// the request context.
func ReviewerAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Reviewer authentication is not configured")
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authorization header required")
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid Authorization header format")
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token claims")
				return
			}
			reviewerID, _ := claims["sub"].(string)
			if strings.TrimSpace(reviewerID) == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Reviewer ID not found in token")
				return
			}

			ctx := context.WithValue(r.Context(), reviewerIDKey, reviewerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetReviewerID retrieves the authenticated reviewer from the request context.
func GetReviewerID(ctx context.Context) (string, bool) {
	reviewerID, ok := ctx.Value(reviewerIDKey).(string)
	return reviewerID, ok
}

// GatewaySignatureMiddleware checks the hex HMAC-SHA256 of the body against the
// X-Gateway-Signature header. An empty secret disables the check.
func GatewaySignatureMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBodyBytes))
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", "Could not read request body")
				return
			}
			r.Body.Close()

			provided, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(r.Header.Get(gatewaySignatureHeader)), "sha256="))
			if err != nil || len(provided) == 0 || !hmac.Equal(provided, SignGatewayPayload(secret, body)) {
				writeError(w, http.StatusForbidden, "INVALID_SIGNATURE", "Invalid signature")
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

// SignGatewayPayload returns the raw HMAC-SHA256 of body.
func SignGatewayPayload(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

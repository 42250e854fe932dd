// Package auth verifies bearer tokens issued by the identity service and
// carries the authenticated user id through request contexts.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Clark-Hu/motofix/internal/apperr"
)

type contextKey struct{}

// ErrorWriter renders an authentication failure.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Verifier validates HS256 tokens and extracts the user id.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier returns a verifier for tokens signed with secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Verify checks the token signature and expiry and returns its user id,
// read from "sub" or, failing that, "user_id".
func (v *Verifier) Verify(tokenString string) (string, error) {
	token, err := v.parser.Parse(tokenString, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return "", apperr.Unauthorized("invalid or expired token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", apperr.Unauthorized("invalid token claims")
	}
	userID, _ := claims["sub"].(string)
	if userID == "" {
		userID, _ = claims["user_id"].(string)
	}
	if strings.TrimSpace(userID) == "" {
		return "", apperr.Unauthorized("token carries no user")
	}
	return userID, nil
}

// RequireUser rejects requests without a valid bearer token.
func (v *Verifier) RequireUser(onError ErrorWriter) func(http.Handler) http.Handler {
	return v.middleware(true, onError)
}

// OptionalUser authenticates the request when a token is present. A
// malformed or invalid token is still rejected.
func (v *Verifier) OptionalUser(onError ErrorWriter) func(http.Handler) http.Handler {
	return v.middleware(false, onError)
}

func (v *Verifier) middleware(required bool, onError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				if required {
					onError(w, r, apperr.Unauthorized("authentication required"))
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			scheme, tokenString, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tokenString) == "" {
				onError(w, r, apperr.Unauthorized("invalid authorization header format"))
				return
			}

			userID, err := v.Verify(strings.TrimSpace(tokenString))
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

// UserIDFromContext returns the authenticated user id, or "" when the
// request is anonymous.
func UserIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(contextKey{}).(string)
	return userID
}

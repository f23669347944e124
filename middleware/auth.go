package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/aaryangpatel/ExeterMarketPlace/identity"
	"github.com/go-chi/render"
)

type contextKey string

const (
	ClaimsContextKey     = contextKey("claims")
	ControllerContextKey = contextKey("controller")
	ClientIDContextKey   = contextKey("client_id")
)

// AuthJWT requires a valid session token, taken from the Authorization header
// or, for browser requests, from the session cookie.
func AuthJWT(tokens *identity.Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r)
			if !ok {
				if c, err := r.Cookie(SessionCookieName); err == nil {
					tokenString = c.Value
				}
			}
			if tokenString == "" {
				render.Status(r, http.StatusUnauthorized)
				if r.Header.Get("Authorization") != "" {
					render.JSON(w, r, map[string]string{"error": "Authorization header format must be Bearer {token}"})
					return
				}
				render.JSON(w, r, map[string]string{"error": "Authorization header is required"})
				return
			}

			claims, err := tokens.Parse(tokenString)
			if err != nil {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": "Invalid token"})
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// ClaimsFromContext returns the claims stored by AuthJWT.
func ClaimsFromContext(ctx context.Context) (*identity.Claims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey).(*identity.Claims)
	return claims, ok
}

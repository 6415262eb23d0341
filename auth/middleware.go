package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/hazyhaar/intake/kit"
	"github.com/hazyhaar/intake/shield"
)

type claimsKey struct{}

// Middleware reads an "Authorization: Bearer" token. A valid token puts its
// claims and kit.ClientIDKey in the context; a missing or invalid one is
// ignored here and refused by RequireClient.
func Middleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || tokenStr == "" {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := ValidateToken(secret, strings.TrimSpace(tokenStr))
			if err != nil {
				shield.GetLogger(r.Context()).Info("auth: token rejected", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			ctx = kit.WithClientID(ctx, claims.Client())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClaims returns the verified claims, or nil.
func GetClaims(ctx context.Context) *ClientClaims {
	c, _ := ctx.Value(claimsKey{}).(*ClientClaims)
	return c
}

// RequireClient answers 401 to requests without a verified client.
func RequireClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if kit.GetClientID(r.Context()) == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="intake"`)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "authentication required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

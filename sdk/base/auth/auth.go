package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gaspardpetit/stagebridge/core/logx"
)

// BearerSecretMiddleware rejects requests whose bearer token does not match
// secret. An empty secret disables the check.
func BearerSecretMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !CheckSecret(ExtractBearer(r), secret) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				if _, err := w.Write([]byte(`{"error":"unauthorized"}`)); err != nil {
					logx.Log.Error().Err(err).Msg("write unauthorized")
				}
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ExtractBearer returns the bearer token of r, or "".
func ExtractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// CheckSecret reports whether token satisfies expected. Any token passes
// when expected is empty.
func CheckSecret(token, expected string) bool {
	if expected == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

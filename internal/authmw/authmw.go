// Package authmw guards HTTP routes with a static bearer token.
package authmw

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerToken requires "Authorization: Bearer <token>" on every request
// it wraps. Tokens are compared as SHA-256 digests in constant time, so
// neither the token bytes nor the token length leak through timing.
func BearerToken(token string) func(http.Handler) http.Handler {
	expected := sha256.Sum256([]byte(token))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				unauthorized(w, `{"error":"bearer token required"}`)
				return
			}

			got := sha256.Sum256([]byte(auth[len("Bearer "):]))

			if subtle.ConstantTimeCompare(got[:], expected[:]) != 1 {
				unauthorized(w, `{"error":"token not accepted"}`)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, body string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, body, http.StatusUnauthorized)
}

package middleware

import (
	"net/http"

	"github.com/google/uuid"
)

// RequestID ensures every request carries an X-Request-ID header, generating
// one when the client did not supply it. Error responses echo it back.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-ID", id)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

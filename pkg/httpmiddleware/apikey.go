package httpmiddleware

import (
	"crypto/subtle"
	"net/http"
)

// APIKeyHeader is the request header holding the API key.
const APIKeyHeader = "access_token"

// APIKey rejects requests whose access_token header does not match key.
// An empty key rejects every request.
func APIKey(key string) Middleware {
	expected := []byte(key)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get(APIKeyHeader))
			if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
				WriteError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

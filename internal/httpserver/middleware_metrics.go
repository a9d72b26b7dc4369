package httpserver

import (
	"net/http"

	apierrors "github.com/CedrosPay/server/internal/errors"
)

// adminMetricsAuth protects /metrics with a shared key. If apiKey is
// empty the endpoint is left open — operators running behind a private
// network don't need to configure one.
func adminMetricsAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if r.Header.Get("Authorization") != "Bearer "+apiKey {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidToken, "invalid or missing admin metrics key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package httpserver

import (
	"net/http"
	"time"
)

// health reports liveness for load balancers / orchestrators. It makes no
// database call — readiness is implied by the first successful request,
// matching spec.md's framing of bootstrapping as an external concern.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(serverStartTime).String(),
	})
}

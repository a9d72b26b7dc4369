package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// isoMillis formats t as ISO-8601 UTC with millisecond precision, the
// wire timestamp format spec.md §6 requires.
func isoMillis(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// routeParam reads a chi URL parameter.
func routeParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// decodeJSON decodes a JSON request body into dest, rejecting unknown
// fields. Grounded on CedrosPay-server/internal/httpserver/util.go.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// writeJSON encodes v as the response body with the given status code.
// A from-scratch replacement for the teacher's pkg/responders, which
// this tree does not carry (see DESIGN.md) — same minimal shape as
// decodeJSON above.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

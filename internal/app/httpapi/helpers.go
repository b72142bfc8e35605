package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	core "github.com/r3e-network/integration-gateway/internal/app/core/service"
)

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// parseLimitParam reads the "limit" query parameter, clamped via
// core.ClampLimit; a missing or non-numeric value falls back to the default.
func parseLimitParam(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return core.DefaultListLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return core.DefaultListLimit
	}
	return core.ClampLimit(n, core.DefaultListLimit, core.MaxListLimit)
}

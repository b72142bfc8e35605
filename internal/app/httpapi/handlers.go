package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	core "github.com/r3e-network/integration-gateway/internal/app/core/service"
)

// handlers owns every HTTP handler method. Holding Dependencies on a single
// receiver (rather than splitting into one struct per resource, as the
// teacher's handler.go does for its much larger surface) keeps this small
// control surface in one cohesive type.
type handlers struct {
	deps  Dependencies
	audit *auditLog
}

func pathVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// systemDescriptors serves the core.Descriptor introspection list collected
// from every service registered with the system manager, per spec §6.1.
func (h *handlers) systemDescriptors(w http.ResponseWriter, r *http.Request) {
	if h.deps.Manager == nil {
		writeJSON(w, http.StatusOK, []core.Descriptor{})
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Manager.Descriptors())
}

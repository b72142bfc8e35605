package httpapi

import (
	"net/http"

	"github.com/r3e-network/integration-gateway/internal/app/domain/scheduleddelivery"
)

func (h *handlers) listScheduledDeliveries(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	limit := parseLimitParam(r)
	deliveries, err := h.deps.Scheduled.ListScheduledDeliveries(r.Context(), tenantID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, deliveries)
}

// cancelScheduledDelivery moves a PENDING row to CANCELLED. Rows already
// claimed (PROCESSING) or finished are left untouched; the caller can check
// the returned status to see which happened.
func (h *handlers) cancelScheduledDelivery(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	d, err := h.deps.Scheduled.GetScheduledDelivery(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if d.Status != scheduleddelivery.StatusPending {
		writeJSON(w, http.StatusOK, d)
		return
	}
	d.Status = scheduleddelivery.StatusCancelled
	updated, err := h.deps.Scheduled.UpdateScheduledDelivery(r.Context(), d)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// cleanupOverdue delegates to scheduler.Scheduler.CancelOverdue, the
// external cleanup task named in spec §6.1, using the scheduler's own
// configured grace period unless a positive grace_hours query parameter
// overrides it.
func (h *handlers) cleanupOverdue(w http.ResponseWriter, r *http.Request) {
	graceHours := 0
	if raw := r.URL.Query().Get("grace_hours"); raw != "" {
		if n, ok := parsePositiveInt(raw); ok {
			graceHours = n
		}
	}
	count, err := h.deps.Scheduler.CancelOverdue(r.Context(), graceHours)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": count})
}

func parsePositiveInt(raw string) (int, bool) {
	n := 0
	for _, c := range raw {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

package httpapi

import (
	"net/http"
	"time"

	"github.com/r3e-network/integration-gateway/internal/app/delivery"
	"github.com/r3e-network/integration-gateway/internal/app/domain/executionlog"
	"github.com/r3e-network/integration-gateway/internal/app/metrics"
)

// listDLQ lists dead-letter entries for a tenant and reports the resulting
// depth through metrics.SetDLQDepth — the wiring point deferred from
// internal/app/retryworker since only this layer can cheaply compute "how
// many DLQ rows does this tenant have right now".
func (h *handlers) listDLQ(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	limit := parseLimitParam(r)
	entries, err := h.deps.DLQ.ListEntries(r.Context(), tenantID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if tenantID != "" {
		metrics.SetDLQDepth(tenantID, len(entries))
	}
	writeJSON(w, http.StatusOK, entries)
}

// promoteDLQ retries the entry's underlying execution log immediately and
// marks the entry resolved on success.
func (h *handlers) promoteDLQ(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	entry, err := h.deps.DLQ.GetEntry(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	l, err := h.deps.Logs.GetLog(r.Context(), entry.LogID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	ruleID, _, _ := delivery.ParseRuleKey(l.RuleID)
	owningRule, err := h.deps.Rules.GetRule(r.Context(), ruleID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	updated, err := h.deps.Executor.Retry(r.Context(), l, owningRule)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if updated.Status == executionlog.StatusSuccess {
		entry.ResolvedAt = time.Now().UTC()
		if _, err := h.deps.DLQ.UpdateEntry(r.Context(), entry); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry": entry, "log": updated})
}

package httpapi

import (
	"net/http"
	"time"

	"github.com/r3e-network/integration-gateway/internal/app/delivery"
	"github.com/r3e-network/integration-gateway/internal/app/domain/executionlog"
	"github.com/r3e-network/integration-gateway/internal/app/storage"
)

// listLogs filters execution logs by status/tenant/rule/time and paginates
// via core.ClampLimit, per spec §6.1.
func (h *handlers) listLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.LogFilter{
		TenantID: q.Get("tenant_id"),
		RuleID:   q.Get("rule_id"),
		Status:   executionlog.Status(q.Get("status")),
		Limit:    parseLimitParam(r),
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			f.Since = t
		}
	}
	if until := q.Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			f.Until = t
		}
	}
	logs, err := h.deps.Logs.ListLogs(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// retryLog forces an immediate retry of one log, bypassing the retry
// worker's backoff wait, by looking up the owning rule and delegating to the
// same delivery.Executor.Retry the background worker uses.
func (h *handlers) retryLog(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	l, err := h.deps.Logs.GetLog(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	updated, err := h.retryOne(r, l)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type retryBulkRequest struct {
	LogIDs []string `json:"logIds"`
}

type retryBulkResult struct {
	LogID string `json:"logId"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// retryBulkLogs retries a caller-supplied batch of log IDs independently —
// one failure does not abort the rest, matching the per-action-independence
// behaviour the rest of this system applies to multi-action rules.
func (h *handlers) retryBulkLogs(w http.ResponseWriter, r *http.Request) {
	var req retryBulkRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	results := make([]retryBulkResult, 0, len(req.LogIDs))
	for _, id := range req.LogIDs {
		l, err := h.deps.Logs.GetLog(r.Context(), id)
		if err != nil {
			results = append(results, retryBulkResult{LogID: id, OK: false, Error: err.Error()})
			continue
		}
		if _, err := h.retryOne(r, l); err != nil {
			results = append(results, retryBulkResult{LogID: id, OK: false, Error: err.Error()})
			continue
		}
		results = append(results, retryBulkResult{LogID: id, OK: true})
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *handlers) retryOne(r *http.Request, l executionlog.ExecutionLog) (executionlog.ExecutionLog, error) {
	ruleID, _, _ := delivery.ParseRuleKey(l.RuleID)
	owningRule, err := h.deps.Rules.GetRule(r.Context(), ruleID)
	if err != nil {
		return executionlog.ExecutionLog{}, err
	}
	return h.deps.Executor.Retry(r.Context(), l, owningRule)
}

// abandonLog marks a log ABANDONED and clears shouldRetry, for operator
// write-offs of a delivery that will never succeed (e.g. a target endpoint
// permanently removed).
func (h *handlers) abandonLog(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	l, err := h.deps.Logs.GetLog(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	l.Status = executionlog.StatusAbandoned
	l.ShouldRetry = false
	updated, err := h.deps.Logs.UpdateLog(r.Context(), l)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

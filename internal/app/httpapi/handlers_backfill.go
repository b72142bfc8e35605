package httpapi

import (
	"net/http"

	"github.com/r3e-network/integration-gateway/internal/app/core/service"
	"github.com/r3e-network/integration-gateway/internal/app/delivery"
	"github.com/r3e-network/integration-gateway/internal/app/storage"
)

type backfillRequest struct {
	TenantID string `json:"tenantId,omitempty"`
	RuleID   string `json:"ruleId,omitempty"`
}

type backfillResult struct {
	Scanned int `json:"scanned"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// backfillRuleMetadata re-derives denormalized, rule-sourced fields
// (currently EventType) on historical execution logs from each log's
// current owning rule, per spec §6.1 "historical logs ← current rule
// metadata". It is idempotent: logs whose EventType already matches the
// rule are left untouched.
func (h *handlers) backfillRuleMetadata(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r.Body, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	logs, err := h.deps.Logs.ListLogs(r.Context(), storage.LogFilter{
		TenantID: req.TenantID,
		RuleID:   req.RuleID,
		Limit:    service.MaxListLimit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	result := backfillResult{Scanned: len(logs)}
	ruleCache := map[string]string{} // ruleID -> eventType, avoids refetching per log

	for _, l := range logs {
		ruleID, _, _ := delivery.ParseRuleKey(l.RuleID)
		eventType, cached := ruleCache[ruleID]
		if !cached {
			owningRule, err := h.deps.Rules.GetRule(r.Context(), ruleID)
			if err != nil {
				result.Skipped++
				continue
			}
			eventType = owningRule.EventType
			ruleCache[ruleID] = eventType
		}
		if l.EventType == eventType {
			continue
		}
		l.EventType = eventType
		if _, err := h.deps.Logs.UpdateLog(r.Context(), l); err != nil {
			result.Skipped++
			continue
		}
		result.Updated++
	}

	writeJSON(w, http.StatusOK, result)
}

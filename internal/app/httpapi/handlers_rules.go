package httpapi

import (
	"fmt"
	"net/http"

	"github.com/r3e-network/integration-gateway/internal/app/domain/rule"
)

var errMissingTenant = fmt.Errorf("tenant_id query parameter required")

// listRules returns active rules for a tenant (required) and optional
// eventType filter, per storage.RuleStore.ListActiveRules.
func (h *handlers) listRules(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, errMissingTenant)
		return
	}
	eventType := r.URL.Query().Get("event_type")
	rules, err := h.deps.Rules.ListActiveRules(r.Context(), tenantID, eventType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// createRule accepts a full rule.IntegrationRule body; the store assigns an
// ID when none is supplied.
func (h *handlers) createRule(w http.ResponseWriter, r *http.Request) {
	var in rule.IntegrationRule
	if err := decodeJSON(r.Body, &in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	created, err := h.deps.Rules.CreateRule(r.Context(), in)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.invalidateRuleCache(created.TenantID)
	writeJSON(w, http.StatusCreated, created)
}

// rulePatch carries only the fields this endpoint permits changing; a full
// rule replacement goes through createRule's POST semantics instead.
type rulePatch struct {
	TargetURL  *string              `json:"targetUrl,omitempty"`
	Method     *string              `json:"method,omitempty"`
	Priority   *int                 `json:"priority,omitempty"`
	Active     *bool                `json:"active,omitempty"`
	RetryCount *int                 `json:"retryCount,omitempty"`
	Transform  *rule.TransformSpec  `json:"transform,omitempty"`
	RateLimit  *rule.RateLimitPolicy `json:"rateLimit,omitempty"`
}

func (h *handlers) patchRule(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	existing, err := h.deps.Rules.GetRule(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	var patch rulePatch
	if err := decodeJSON(r.Body, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if patch.TargetURL != nil {
		existing.TargetURL = *patch.TargetURL
	}
	if patch.Method != nil {
		existing.Method = *patch.Method
	}
	if patch.Priority != nil {
		existing.Priority = *patch.Priority
	}
	if patch.Active != nil {
		existing.Active = *patch.Active
	}
	if patch.RetryCount != nil {
		existing.RetryCount = *patch.RetryCount
	}
	if patch.Transform != nil {
		existing.Transform = *patch.Transform
	}
	if patch.RateLimit != nil {
		existing.RateLimit = *patch.RateLimit
	}
	updated, err := h.deps.Rules.UpdateRule(r.Context(), existing)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.invalidateRuleCache(updated.TenantID)
	writeJSON(w, http.StatusOK, updated)
}

// pauseRule is a convenience shortcut for the common "disable delivery"
// action, equivalent to PATCH {"active": false}.
func (h *handlers) pauseRule(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	existing, err := h.deps.Rules.GetRule(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	existing.Active = false
	updated, err := h.deps.Rules.UpdateRule(r.Context(), existing)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.invalidateRuleCache(updated.TenantID)
	writeJSON(w, http.StatusOK, updated)
}

// invalidateRuleCache drops the resolver's cached matches for tenantID, if
// a cache is wired. Nil-safe so tests/deployments without a caching
// resolver (or its Redis cross-instance broadcaster) skip it silently.
func (h *handlers) invalidateRuleCache(tenantID string) {
	if h.deps.RuleCache != nil {
		h.deps.RuleCache.Invalidate(tenantID)
	}
}

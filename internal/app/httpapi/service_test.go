package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/integration-gateway/internal/app/delivery"
	"github.com/r3e-network/integration-gateway/internal/app/domain/dlq"
	"github.com/r3e-network/integration-gateway/internal/app/domain/executionlog"
	"github.com/r3e-network/integration-gateway/internal/app/domain/rule"
	"github.com/r3e-network/integration-gateway/internal/app/domain/scheduleddelivery"
	"github.com/r3e-network/integration-gateway/internal/app/metrics"
	"github.com/r3e-network/integration-gateway/internal/app/scheduler"
	"github.com/r3e-network/integration-gateway/internal/app/secrets"
	"github.com/r3e-network/integration-gateway/internal/app/storage/memory"
	"github.com/r3e-network/integration-gateway/pkg/config"
)

const testToken = "test-token"

func newTestService(t *testing.T, store *memory.Store) (*Service, *httptest.Server) {
	t.Helper()
	executor := delivery.NewExecutor(config.HTTPClientConfig{TimeoutMs: 1000}, config.SecurityConfig{}, secrets.EnvSecretProvider{}, store, store)
	sched := scheduler.New(store, store, executor, config.SchedulerConfig{}, logrus.NewEntry(logrus.New()))

	svc := NewService(Dependencies{
		Rules:     store,
		Logs:      store,
		DLQ:       store,
		Scheduled: store,
		Executor:  executor,
		Scheduler: sched,
	}, Config{AuthTokens: []string{testToken}, AllowedOrigins: []string{"*"}}, logrus.NewEntry(logrus.New()))

	srv := httptest.NewServer(svc.handler)
	t.Cleanup(srv.Close)
	return svc, srv
}

func authedRequest(t *testing.T, method, url string, body any) *http.Request {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHealthzIsPublicAndUnauthenticated(t *testing.T) {
	_, srv := newTestService(t, memory.New())
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthenticatedRouteRejectsMissingToken(t *testing.T) {
	_, srv := newTestService(t, memory.New())
	resp, err := http.Get(srv.URL + "/v1/rules?tenant_id=t1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateAndListRules(t *testing.T) {
	_, srv := newTestService(t, memory.New())
	client := &http.Client{}

	newRule := rule.IntegrationRule{
		TenantID:  "tenant-a",
		EventType: "order.created",
		Scope:     rule.ScopeAll,
		TargetURL: "https://example.test/webhook",
		Method:    http.MethodPost,
		Active:    true,
	}
	resp, err := client.Do(authedRequest(t, http.MethodPost, srv.URL+"/v1/rules", newRule))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created rule.IntegrationRule
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.ID)

	listResp, err := client.Do(authedRequest(t, http.MethodGet, srv.URL+"/v1/rules?tenant_id=tenant-a", nil))
	require.NoError(t, err)
	defer listResp.Body.Close()
	require.Equal(t, http.StatusOK, listResp.StatusCode)

	var rules []rule.IntegrationRule
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&rules))
	require.Len(t, rules, 1)
	require.Equal(t, created.ID, rules[0].ID)
}

func TestPauseRuleSetsActiveFalse(t *testing.T) {
	store := memory.New()
	_, srv := newTestService(t, store)
	client := &http.Client{}

	created, err := store.CreateRule(context.Background(), rule.IntegrationRule{TenantID: "t1", EventType: "*", Active: true})
	require.NoError(t, err)

	resp, err := client.Do(authedRequest(t, http.MethodPost, srv.URL+"/v1/rules/"+created.ID+"/pause", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var updated rule.IntegrationRule
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&updated))
	require.False(t, updated.Active)
}

func TestPatchRuleUpdatesSelectedFields(t *testing.T) {
	store := memory.New()
	_, srv := newTestService(t, store)
	client := &http.Client{}

	created, err := store.CreateRule(context.Background(), rule.IntegrationRule{TenantID: "t1", EventType: "*", Active: true, Priority: 1})
	require.NoError(t, err)

	newPriority := 5
	resp, err := client.Do(authedRequest(t, http.MethodPatch, srv.URL+"/v1/rules/"+created.ID, rulePatch{Priority: &newPriority}))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var updated rule.IntegrationRule
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&updated))
	require.Equal(t, 5, updated.Priority)
	require.True(t, updated.Active) // untouched field survives the patch
}

func TestListLogsFiltersByStatus(t *testing.T) {
	store := memory.New()
	_, srv := newTestService(t, store)
	client := &http.Client{}

	_, err := store.CreateLog(context.Background(), executionlog.ExecutionLog{TenantID: "t1", RuleID: "r1", Status: executionlog.StatusSuccess, CreatedAt: time.Now().UTC()})
	require.NoError(t, err)
	_, err = store.CreateLog(context.Background(), executionlog.ExecutionLog{TenantID: "t1", RuleID: "r1", Status: executionlog.StatusFailed, CreatedAt: time.Now().UTC()})
	require.NoError(t, err)

	resp, err := client.Do(authedRequest(t, http.MethodGet, srv.URL+"/v1/logs?tenant_id=t1&status=FAILED", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	var logs []executionlog.ExecutionLog
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&logs))
	require.Len(t, logs, 1)
	require.Equal(t, executionlog.StatusFailed, logs[0].Status)
}

func TestAbandonLogSetsStatusAndClearsRetry(t *testing.T) {
	store := memory.New()
	_, srv := newTestService(t, store)
	client := &http.Client{}

	l, err := store.CreateLog(context.Background(), executionlog.ExecutionLog{TenantID: "t1", RuleID: "r1", Status: executionlog.StatusFailed, ShouldRetry: true})
	require.NoError(t, err)

	resp, err := client.Do(authedRequest(t, http.MethodPost, srv.URL+"/v1/logs/"+l.ID+"/abandon", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var updated executionlog.ExecutionLog
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&updated))
	require.Equal(t, executionlog.StatusAbandoned, updated.Status)
	require.False(t, updated.ShouldRetry)
}

func TestListDLQReportsDepthMetric(t *testing.T) {
	store := memory.New()
	_, srv := newTestService(t, store)
	client := &http.Client{}

	_, err := store.CreateEntry(context.Background(), dlq.Entry{TenantID: "t1", RuleID: "r1", LogID: "l1"})
	require.NoError(t, err)

	resp, err := client.Do(authedRequest(t, http.MethodGet, srv.URL+"/v1/dlq?tenant_id=t1", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []dlq.Entry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)

	depth := -1.0
	families, err := metrics.Registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "gateway_retry_dlq_depth" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "tenant_id" && lp.GetValue() == "t1" {
					depth = m.GetGauge().GetValue()
				}
			}
		}
	}
	require.Equal(t, 1.0, depth)
}

func TestCancelScheduledDeliveryMovesToCancelled(t *testing.T) {
	store := memory.New()
	_, srv := newTestService(t, store)
	client := &http.Client{}

	d, err := store.CreateScheduledDelivery(context.Background(), scheduleddelivery.ScheduledDelivery{
		TenantID: "t1",
		RuleID:   "r1",
		DueAt:    time.Now().Add(time.Hour),
		Status:   scheduleddelivery.StatusPending,
	})
	require.NoError(t, err)

	resp, err := client.Do(authedRequest(t, http.MethodPost, srv.URL+"/v1/scheduled-deliveries/"+d.ID+"/cancel", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var updated scheduleddelivery.ScheduledDelivery
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&updated))
	require.Equal(t, scheduleddelivery.StatusCancelled, updated.Status)
}

func TestCleanupOverdueCancelsOverdueRows(t *testing.T) {
	store := memory.New()
	_, srv := newTestService(t, store)
	client := &http.Client{}

	_, err := store.CreateScheduledDelivery(context.Background(), scheduleddelivery.ScheduledDelivery{
		TenantID: "t1",
		RuleID:   "r1",
		DueAt:    time.Now().Add(-48 * time.Hour),
		Status:   scheduleddelivery.StatusPending,
	})
	require.NoError(t, err)

	resp, err := client.Do(authedRequest(t, http.MethodPost, srv.URL+"/v1/scheduled-deliveries/cleanup-overdue?grace_hours=1", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, 1, out["cancelled"])
}

func TestBackfillRuleMetadataUpdatesEventType(t *testing.T) {
	store := memory.New()
	_, srv := newTestService(t, store)
	client := &http.Client{}

	r, err := store.CreateRule(context.Background(), rule.IntegrationRule{TenantID: "t1", EventType: "order.created", Active: true})
	require.NoError(t, err)
	_, err = store.CreateLog(context.Background(), executionlog.ExecutionLog{TenantID: "t1", RuleID: r.ID, Status: executionlog.StatusSuccess, EventType: ""})
	require.NoError(t, err)

	resp, err := client.Do(authedRequest(t, http.MethodPost, srv.URL+"/v1/backfill/rule-metadata", backfillRequest{TenantID: "t1"}))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result backfillResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Equal(t, 1, result.Scanned)
	require.Equal(t, 1, result.Updated)
}

func TestSystemDescriptorsEmptyWithoutManager(t *testing.T) {
	_, srv := newTestService(t, memory.New())
	resp, err := http.Get(srv.URL + "/v1/system/descriptors")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var descriptors []any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&descriptors))
	require.Empty(t, descriptors)
}

func TestServiceStartAndStop(t *testing.T) {
	svc, _ := newTestService(t, memory.New())
	svc.addr = "127.0.0.1:0"
	require.NoError(t, svc.Start(context.Background()))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, svc.Stop(context.Background()))
}

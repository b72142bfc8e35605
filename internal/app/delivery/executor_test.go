package delivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/integration-gateway/internal/app/domain/event"
	"github.com/r3e-network/integration-gateway/internal/app/domain/executionlog"
	"github.com/r3e-network/integration-gateway/internal/app/domain/rule"
	"github.com/r3e-network/integration-gateway/internal/app/rules"
	"github.com/r3e-network/integration-gateway/internal/app/storage/memory"
	"github.com/r3e-network/integration-gateway/pkg/config"
)

func testEvent() event.Event {
	return event.Event{ID: "evt-1", TenantID: "tenant-1", EventType: "order.created", Payload: map[string]any{"id": 1}}
}

func TestExecutorDeliverRecordsSuccessLog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := memory.New()
	ex := NewExecutor(
		config.HTTPClientConfig{TimeoutMs: 2000, MaxRedirects: 3},
		config.SecurityConfig{EnforceHTTPS: false, BlockPrivateNetworks: false},
		nil,
		store,
		store,
	)

	match := rules.Match{Rule: rule.IntegrationRule{ID: "rule-1", TenantID: "tenant-1", TargetURL: srv.URL, Method: http.MethodPost}}
	results, err := ex.Deliver(context.Background(), testEvent(), match, map[string]any{"id": 1}, executionlog.TriggerEvent, "corr-1")

	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, executionlog.StatusSuccess, results[0].Log.Status)
	require.NotEmpty(t, results[0].Log.ID)
}

func TestExecutorDeliverWritesDLQOnPermanentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	store := memory.New()
	ex := NewExecutor(
		config.HTTPClientConfig{TimeoutMs: 2000, MaxRedirects: 3},
		config.SecurityConfig{},
		nil,
		store,
		store,
	)

	match := rules.Match{Rule: rule.IntegrationRule{ID: "rule-2", TenantID: "tenant-1", TargetURL: srv.URL, Method: http.MethodPost}}
	results, err := ex.Deliver(context.Background(), testEvent(), match, map[string]any{}, executionlog.TriggerEvent, "corr-2")
	require.NoError(t, err)
	require.Equal(t, executionlog.StatusFailed, results[0].Log.Status)

	entries, listErr := store.ListEntries(context.Background(), "tenant-1", 10)
	require.NoError(t, listErr)
	require.Len(t, entries, 1)
	require.Equal(t, results[0].Log.ID, entries[0].LogID)
}

func TestExecutorDeliverBlocksPrivateNetworkTarget(t *testing.T) {
	store := memory.New()
	ex := NewExecutor(
		config.HTTPClientConfig{TimeoutMs: 2000, MaxRedirects: 3},
		config.SecurityConfig{BlockPrivateNetworks: true},
		nil,
		store,
		store,
	)

	match := rules.Match{Rule: rule.IntegrationRule{ID: "rule-3", TenantID: "tenant-1", TargetURL: "http://127.0.0.1:1/webhook", Method: http.MethodPost}}
	results, err := ex.Deliver(context.Background(), testEvent(), match, map[string]any{}, executionlog.TriggerEvent, "corr-3")
	require.NoError(t, err)
	require.Equal(t, executionlog.StatusFailed, results[0].Log.Status)
	require.NotNil(t, results[0].Log.Error)
	require.Equal(t, "private_network_blocked", results[0].Log.Error.Code)
}

func TestExecutorDeliverRespectsOpenCircuit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := memory.New()
	ex := NewExecutor(
		config.HTTPClientConfig{TimeoutMs: 2000, MaxRedirects: 3},
		config.SecurityConfig{},
		nil,
		store,
		store,
	)

	match := rules.Match{Rule: rule.IntegrationRule{
		ID: "rule-4", TenantID: "tenant-1", TargetURL: srv.URL, Method: http.MethodPost,
		CircuitBreaker: rule.CircuitBreakerPolicy{Threshold: 1, OpenMs: 60000},
	}}

	_, err := ex.Deliver(context.Background(), testEvent(), match, map[string]any{}, executionlog.TriggerEvent, "corr-4")
	require.NoError(t, err)

	results, err := ex.Deliver(context.Background(), testEvent(), match, map[string]any{}, executionlog.TriggerEvent, "corr-4b")
	require.NoError(t, err)
	require.Equal(t, "circuit_open", results[0].Log.Error.Code)
}

func TestExecutorDeliverMultiActionStopsOnCriticalPathFailure(t *testing.T) {
	var secondCalled bool
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer failing.Close()
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondCalled = true
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()

	store := memory.New()
	ex := NewExecutor(
		config.HTTPClientConfig{TimeoutMs: 2000, MaxRedirects: 3},
		config.SecurityConfig{},
		nil,
		store,
		store,
	)

	match := rules.Match{Rule: rule.IntegrationRule{
		ID: "rule-5", TenantID: "tenant-1",
		Actions: []rule.SubAction{
			{Name: "first", TargetURL: failing.URL, Method: http.MethodPost, CriticalPath: true, Parallel: true},
			{Name: "second", TargetURL: ok.URL, Method: http.MethodPost, Parallel: true},
		},
	}}

	results, err := ex.Deliver(context.Background(), testEvent(), match, map[string]any{}, executionlog.TriggerEvent, "corr-5")
	require.NoError(t, err)
	require.Len(t, results, 1, "critical-path failure should abort remaining actions")
	require.False(t, secondCalled)
}

func TestExecutorDeliverSignsBodyWhenHMACEnabled(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Gateway-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := memory.New()
	ex := NewExecutor(
		config.HTTPClientConfig{TimeoutMs: 2000, MaxRedirects: 3},
		config.SecurityConfig{},
		nil,
		store,
		store,
	)

	match := rules.Match{Rule: rule.IntegrationRule{
		ID: "rule-6", TenantID: "tenant-1", TargetURL: srv.URL, Method: http.MethodPost,
		HMAC: rule.HMACSecret{Enabled: true, CurrentKey: "shared-secret"},
	}}

	results, err := ex.Deliver(context.Background(), testEvent(), match, map[string]any{"id": 1}, executionlog.TriggerEvent, "corr-6")
	require.NoError(t, err)
	require.Equal(t, executionlog.StatusSuccess, results[0].Log.Status)
	require.Contains(t, gotSig, "v1=")
}

func TestExecutorDeliverRetriesOnceAfterOAuth2Unauthorized(t *testing.T) {
	var tokenCalls, deliveryCalls int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok","token_type":"bearer","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	targetSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&deliveryCalls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer targetSrv.Close()

	store := memory.New()
	ex := NewExecutor(
		config.HTTPClientConfig{TimeoutMs: 2000, MaxRedirects: 3},
		config.SecurityConfig{},
		nil,
		store,
		store,
	)

	match := rules.Match{Rule: rule.IntegrationRule{
		ID: "rule-7", TenantID: "tenant-1", TargetURL: targetSrv.URL, Method: http.MethodPost,
		Auth: rule.AuthSpec{Type: rule.AuthOAuth2, ClientID: "id", ClientSecret: "secret", TokenURL: tokenSrv.URL},
	}}

	results, err := ex.Deliver(context.Background(), testEvent(), match, map[string]any{"id": 1}, executionlog.TriggerEvent, "corr-7")
	require.NoError(t, err)
	require.Equal(t, executionlog.StatusSuccess, results[0].Log.Status)
	require.Equal(t, int32(2), atomic.LoadInt32(&deliveryCalls), "a 401 on an oauth2 request must trigger exactly one forced-refresh retry")
	require.Equal(t, int32(2), atomic.LoadInt32(&tokenCalls), "the retry must force a fresh token fetch rather than reusing the expired cached one")
}

func TestExecutorDeliverSecondOAuth2UnauthorizedIsTerminal(t *testing.T) {
	var deliveryCalls int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok","token_type":"bearer","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	targetSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&deliveryCalls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer targetSrv.Close()

	store := memory.New()
	ex := NewExecutor(
		config.HTTPClientConfig{TimeoutMs: 2000, MaxRedirects: 3},
		config.SecurityConfig{},
		nil,
		store,
		store,
	)

	match := rules.Match{Rule: rule.IntegrationRule{
		ID: "rule-8", TenantID: "tenant-1", TargetURL: targetSrv.URL, Method: http.MethodPost,
		Auth: rule.AuthSpec{Type: rule.AuthOAuth2, ClientID: "id", ClientSecret: "secret", TokenURL: tokenSrv.URL},
	}}

	results, err := ex.Deliver(context.Background(), testEvent(), match, map[string]any{"id": 1}, executionlog.TriggerEvent, "corr-8")
	require.NoError(t, err)
	require.Equal(t, executionlog.StatusFailed, results[0].Log.Status)
	require.Equal(t, "unauthorized", results[0].Log.Error.Code)
	require.Equal(t, int32(2), atomic.LoadInt32(&deliveryCalls), "exactly one retry after the forced refresh, then terminal")
}

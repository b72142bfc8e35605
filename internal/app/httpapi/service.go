// Package httpapi implements the operator control surface of spec §6.1: a
// gorilla/mux-routed HTTP API over rules, execution logs, the DLQ, and
// scheduled deliveries, wrapped in the teacher's httpapi/service.go
// middleware chain (auth, then audit, then CORS, then metrics
// instrumentation) and run as a system.Service.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	core "github.com/r3e-network/integration-gateway/internal/app/core/service"
	"github.com/r3e-network/integration-gateway/internal/app/delivery"
	"github.com/r3e-network/integration-gateway/internal/app/metrics"
	"github.com/r3e-network/integration-gateway/internal/app/scheduler"
	"github.com/r3e-network/integration-gateway/internal/app/storage"
	"github.com/r3e-network/integration-gateway/internal/app/system"
)

// Dependencies bundles every store and component the control surface reads
// from or acts on. Fields are narrow storage interfaces (not *memory.Store
// or *postgres.Store directly) so either backing store works unmodified.
type Dependencies struct {
	Rules     storage.RuleStore
	Logs      storage.ExecutionLogStore
	DLQ       storage.DLQStore
	Scheduled storage.ScheduledDeliveryStore

	Executor  *delivery.Executor
	Scheduler *scheduler.Scheduler

	// Manager, when set, backs GET /v1/system/descriptors. It is typically
	// the same system.Manager this Service itself is registered into.
	Manager *system.Manager

	// RuleCache, when set, is invalidated for a tenant after any rule
	// mutation through this API (internal/app/rules.CachingResolver, or a
	// wrapper that also broadcasts the invalidation to other instances
	// over Redis). Nil is valid and simply skips invalidation.
	RuleCache ruleCacheInvalidator
}

// ruleCacheInvalidator is satisfied by *rules.CachingResolver.
type ruleCacheInvalidator interface {
	Invalidate(tenantID string)
}

// Config controls the listener address, CORS origins, and auth tokens.
type Config struct {
	Addr           string
	AuthTokens     []string
	AllowedOrigins []string
}

// Service exposes the control-surface HTTP API and fits the system.Service
// lifecycle contract.
type Service struct {
	addr    string
	server  *http.Server
	handler http.Handler
	audit   *auditLog
	log     *logrus.Entry
}

// NewService builds the routed, middleware-wrapped handler and an idle
// *http.Server (not yet listening — that happens in Start).
func NewService(deps Dependencies, cfg Config, log *logrus.Entry) *Service {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	audit := newAuditLog(500, log.WithField("component", "httpapi.audit"))

	router := newRouter(deps, audit)

	// Order matters, and mirrors the teacher's httpapi/service.go exactly:
	// auth is applied first (innermost), then audit, then CORS (so
	// preflight OPTIONS short-circuits before auth ever sees it), then
	// metrics instrumentation wraps everything.
	var handler http.Handler = router
	handler = wrapWithAuth(handler, cfg.AuthTokens, log)
	handler = wrapWithAudit(handler, audit)
	handler = wrapWithCORS(handler, newCORSConfig(cfg.AllowedOrigins))
	handler = metrics.InstrumentHandler(handler)

	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}

	return &Service{
		addr:    addr,
		handler: handler,
		audit:   audit,
		log:     log,
	}
}

var _ system.Service = (*Service)(nil)
var _ system.DescriptorProvider = (*Service)(nil)

func (s *Service) Name() string { return "httpapi" }

// Descriptor advertises this service to the system manager's introspection
// endpoint, per spec §6.1's GET /v1/system/descriptors.
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:   "httpapi",
		Domain: "integration-gateway",
		Layer:  core.LayerDelivery,
	}.WithCapabilities("rules", "logs", "dlq", "scheduled-deliveries", "live-log-stream")
}

func (s *Service) Start(context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("httpapi: server exited unexpectedly")
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// newRouter registers every spec §6.1 route onto a fresh gorilla/mux Router,
// grounded on the teacher's infrastructure/service/runner.go +
// infrastructure/middleware gorilla/mux usage (internal/app/httpapi itself
// predates that router in the teacher, but §6.1 names gorilla/mux
// explicitly, and it is the only router used anywhere in the teacher's own
// tree, so this package routes through it rather than introducing a
// stdlib-ServeMux precedent the rest of the codebase doesn't share).
func newRouter(deps Dependencies, audit *auditLog) *mux.Router {
	r := mux.NewRouter()
	h := &handlers{deps: deps, audit: audit}

	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/v1/system/descriptors", h.systemDescriptors).Methods(http.MethodGet)

	r.HandleFunc("/v1/rules", h.listRules).Methods(http.MethodGet)
	r.HandleFunc("/v1/rules", h.createRule).Methods(http.MethodPost)
	r.HandleFunc("/v1/rules/{id}", h.patchRule).Methods(http.MethodPatch)
	r.HandleFunc("/v1/rules/{id}/pause", h.pauseRule).Methods(http.MethodPost)

	r.HandleFunc("/v1/logs", h.listLogs).Methods(http.MethodGet)
	r.HandleFunc("/v1/logs/retry-bulk", h.retryBulkLogs).Methods(http.MethodPost)
	r.HandleFunc("/v1/logs/{id}/retry", h.retryLog).Methods(http.MethodPost)
	r.HandleFunc("/v1/logs/{id}/abandon", h.abandonLog).Methods(http.MethodPost)

	r.HandleFunc("/v1/dlq", h.listDLQ).Methods(http.MethodGet)
	r.HandleFunc("/v1/dlq/{id}/promote", h.promoteDLQ).Methods(http.MethodPost)

	r.HandleFunc("/v1/scheduled-deliveries", h.listScheduledDeliveries).Methods(http.MethodGet)
	r.HandleFunc("/v1/scheduled-deliveries/cleanup-overdue", h.cleanupOverdue).Methods(http.MethodPost)
	r.HandleFunc("/v1/scheduled-deliveries/{id}/cancel", h.cancelScheduledDelivery).Methods(http.MethodPost)

	r.HandleFunc("/v1/backfill/rule-metadata", h.backfillRuleMetadata).Methods(http.MethodPost)

	r.HandleFunc("/v1/stream/logs", h.streamLogs).Methods(http.MethodGet)

	return r
}

package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// auditEntry records one request through the authenticated surface. Adapted
// from the teacher's httpapi/audit.go auditEntry, dropping the user/role
// fields this control surface has no concept of and keeping tenant, since
// that is the one correlation key every operator action carries here.
type auditEntry struct {
	Time   time.Time `json:"time"`
	Tenant string    `json:"tenant"`
	Path   string    `json:"path"`
	Method string    `json:"method"`
	Status int       `json:"status"`
}

// auditLog is a fixed-size in-memory ring buffer of recent requests, logged
// at info level as they arrive so they also land in whatever log sink the
// process is configured with.
type auditLog struct {
	mu      sync.Mutex
	entries []auditEntry
	max     int
	log     *logrus.Entry
}

func newAuditLog(max int, log *logrus.Entry) *auditLog {
	if max <= 0 {
		max = 500
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &auditLog{max: max, log: log}
}

func (l *auditLog) add(entry auditEntry) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
	l.mu.Unlock()

	l.log.WithFields(logrus.Fields{
		"tenant_id": entry.Tenant,
		"path":      entry.Path,
		"method":    entry.Method,
		"status":    entry.Status,
	}).Info("httpapi: request")
}

func (l *auditLog) list(limit int) []auditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	all := l.entries
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]auditEntry, limit)
	copy(out, all[len(all)-limit:])
	return out
}

// auditResponseWriter captures the status code written by downstream
// handlers so wrapWithAudit can record it after ServeHTTP returns.
type auditResponseWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *auditResponseWriter) WriteHeader(status int) {
	if !w.written {
		w.status = status
		w.written = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *auditResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// wrapWithAudit records every request that reaches it (i.e. everything past
// auth) into the shared audit log.
func wrapWithAudit(next http.Handler, audit *auditLog) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &auditResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		audit.add(auditEntry{
			Time:   time.Now().UTC(),
			Tenant: tenantFromCtx(r.Context()),
			Path:   r.URL.Path,
			Method: r.Method,
			Status: wrapped.status,
		})
	})
}

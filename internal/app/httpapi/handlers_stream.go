package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/r3e-network/integration-gateway/internal/app/storage"
)

// upgrader permits any origin: the control surface's own wrapWithCORS/auth
// layers already gate who reaches this handler.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const streamPollInterval = time.Second

// streamLogs upgrades to a websocket and pushes newly-created ExecutionLog
// rows for the requested tenant as they appear, by polling ListLogs on a
// short interval and diffing against the last poll's newest CreatedAt. This
// keeps the live-stream feature self-contained — it does not require
// threading a pub/sub bus through the delivery executor just to serve an
// operator dashboard tail.
func (h *handlers) streamLogs(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	since := time.Now().UTC()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logs, err := h.deps.Logs.ListLogs(ctx, storage.LogFilter{
				TenantID: tenantID,
				Since:    since,
				Limit:    200,
			})
			if err != nil {
				continue
			}
			for i := len(logs) - 1; i >= 0; i-- {
				l := logs[i]
				if l.CreatedAt.After(since) {
					since = l.CreatedAt
				}
				if err := conn.WriteJSON(l); err != nil {
					return
				}
			}
		}
	}
}

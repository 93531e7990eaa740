package realtime

import (
	"errors"
	"net/http"
	"time"

	"chatfabric/pkg/logx"
)

// Handler serves an event stream for the tenant returned by tenantOf.
func (h *Hub) Handler(tenantOf func(*http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := w.(http.Flusher); !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		tenant := tenantOf(r)
		if tenant == "" {
			http.Error(w, ErrEmptyTenant.Error(), http.StatusBadRequest)
			return
		}

		hdr := w.Header()
		hdr.Set("Content-Type", "text/event-stream")
		hdr.Set("Cache-Control", "no-cache")
		hdr.Set("Connection", "keep-alive")
		hdr.Set("X-Accel-Buffering", "no")
		// The server's read timeout would otherwise cancel the stream.
		_ = http.NewResponseController(w).SetReadDeadline(time.Time{})
		w.WriteHeader(http.StatusOK)

		c, err := h.Connect(tenant, w)
		if err != nil {
			if errors.Is(err, ErrHubStopped) {
				return
			}
			h.log.Warn("connect failed", logx.String("tenant", tenant), logx.Err(err))
			return
		}
		select {
		case <-r.Context().Done():
		case <-c.Done():
		}
		h.Disconnect(c.ID)
		// w is invalid once the handler returns.
		<-c.exited
	})
}

package live

import (
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultKeepAlive is how often an idle SSE stream gets a comment line.
const DefaultKeepAlive = 30 * time.Second

// FormatSSE renders an update as a Server-Sent Event:
//
//	id: <event id>           (omitted for replays)
//	event: update
//	data: channel<N>:<ON|OFF>
func FormatSSE(u Update) string {
	var id string
	if u.ID != "" {
		id = "id: " + u.ID + "\n"
	}
	return fmt.Sprintf("%sevent: update\ndata: channel%d:%s\n\n", id, u.Channel, u.State)
}

// SSEHandler streams updates to an EventSource client until it disconnects
// or falls behind.
func (b *Broadcaster) SSEHandler(keepAlive time.Duration) http.HandlerFunc {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable Nginx buffering

		l, unsubscribe := b.Subscribe("sse")
		defer unsubscribe()

		// Ask the browser to retry quickly after a slow-listener disconnect.
		fmt.Fprint(w, "retry: 1000\n\n")
		flusher.Flush()

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case u, ok := <-l.C():
				if !ok {
					return
				}
				if _, err := io.WriteString(w, FormatSSE(u)); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

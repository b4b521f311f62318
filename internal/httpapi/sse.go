package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/events"
	otelmetrics "github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/otel"
)

// sseHandler streams bus events to the client as server-sent events. Each
// connection gets its own buffered subscription; a client that cannot keep
// up misses events rather than stalling the engine.
func sseHandler(bus *events.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		ch := bus.Subscribe()
		defer bus.Unsubscribe(ch)
		otelmetrics.AddSSEConnection()
		defer otelmetrics.RemoveSSEConnection()

		// Initial ping so clients know the stream is live.
		_, _ = fmt.Fprintf(w, "data: %s\n\n", `{"type":"connected"}`)
		flusher.Flush()

		keepalive := time.NewTicker(15 * time.Second)
		defer keepalive.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-keepalive.C:
				// Comment keepalive.
				_, _ = fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			case msg, ok := <-ch:
				if !ok {
					return
				}
				_, _ = fmt.Fprintf(w, "data: %s\n\n", string(msg))
				flusher.Flush()
			}
		}
	}
}

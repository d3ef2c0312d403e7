package eventbus

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/yungbote/planner/internal/platform/logger"
)

const heartbeatInterval = 15 * time.Second

// ServeSSE streams a subscriber's outbound messages as Server-Sent Events,
// matching the external-interface contract's literal 15s keep-alive and
// the slow-subscriber-drop behavior implemented in Subscribe/deliverLocal.
func ServeSSE(w http.ResponseWriter, r *http.Request, sub *Subscriber, log *logger.Logger) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case <-ticker.C:
			fmt.Fprintf(w, ": ping %d\n\n", time.Now().Unix())
			flusher.Flush()
		case msg, ok := <-sub.Outbound:
			if !ok {
				return
			}
			data, err := json.Marshal(msg.Event)
			if err != nil {
				log.Warn("eventbus: marshal event failed", "error", err.Error())
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

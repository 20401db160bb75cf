package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/Ernest01982/tuktukadmin/internal/gate"
)

// handleRideStream sends the rides snapshot as Server-Sent Events, the current
// page first and then one event per applied refresh.
func (a *API) handleRideStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.rides == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.rides.Watch(ctx)
	authCh := a.auth.Watch(ctx)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	writeEvent(w, "snapshot", a.rides.Snapshot())
	flusher.Flush()

	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, "snapshot", snap)
			flusher.Flush()
		case _, ok := <-authCh:
			if !ok {
				return
			}
			// The gate is re-evaluated on every auth change; a revoked
			// or replaced session ends the stream.
			if d := a.callerDecision(r.Context()); d != gate.Authorized {
				writeEvent(w, "revoked", map[string]any{"decision": d, "error": d.Message()})
				flusher.Flush()
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("event: " + event + "\n"))
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
}

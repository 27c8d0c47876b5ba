package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/maxpert/txncoord/notify"
	"github.com/maxpert/txncoord/txn"
)

var eventKinds = map[string]notify.EventKind{
	notify.EventIncoming.String():    notify.EventIncoming,
	notify.EventApplied.String():     notify.EventApplied,
	notify.EventCompleted.String():   notify.EventCompleted,
	notify.EventRootCreated.String(): notify.EventRootCreated,
	notify.EventStarted.String():     notify.EventStarted,
	notify.EventNodeCleared.String(): notify.EventNodeCleared,
}

// parseEventFilter reads ?kind=completed,node_cleared&node=1,2
func parseEventFilter(r *http.Request) (notify.Filter, error) {
	var f notify.Filter
	if kinds := r.URL.Query().Get("kind"); kinds != "" {
		for _, k := range strings.Split(kinds, ",") {
			kind, ok := eventKinds[strings.TrimSpace(k)]
			if !ok {
				return f, fmt.Errorf("unknown event kind %q", k)
			}
			f.Kinds = append(f.Kinds, kind)
		}
	}
	if nodes := r.URL.Query().Get("node"); nodes != "" {
		for _, n := range strings.Split(nodes, ",") {
			id, err := strconv.ParseUint(strings.TrimSpace(n), 10, 64)
			if err != nil {
				return f, fmt.Errorf("invalid node %q: %w", n, err)
			}
			f.Nodes = append(f.Nodes, txn.NodeID(id))
		}
	}
	return f, nil
}

// handleEvents streams lifecycle events as server-sent events until the
// client goes away. Slow clients miss events rather than stall the engine.
func (h *AdminHandlers) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeErrorResponse(w, http.StatusNotFound, "event stream not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorResponse(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	filter, err := parseEventFilter(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	events, cancel := h.hub.Subscribe(filter)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": subscribed\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, payload)
			flusher.Flush()
		}
	}
}

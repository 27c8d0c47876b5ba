package admin

import "net/http"

// handleStats returns a snapshot of every pipeline component
func (h *AdminHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	s := h.engine.Stats()

	response := map[string]interface{}{
		"pending_txns": s.Coordinator.Pending,
		"accounts":     s.Coordinator.Accounts,
		"waiters":      s.Coordinator.Waiters,
		"objects": map[string]interface{}{
			"checked_out": s.Objects.CheckedOut,
			"queued":      s.Objects.Queued,
			"pending":     s.Objects.Pending,
			"parked":      s.Objects.Parked,
		},
		"resent": map[string]interface{}{
			"running":     s.Resent.Running,
			"awaiting":    s.Resent.Awaiting,
			"held":        s.Resent.Held,
			"held_fresh":  s.Resent.HeldFresh,
			"outstanding": s.Resent.Outstanding,
		},
		"durable_gid":    uint64(s.DurableGID),
		"commit_pending": s.CommitPending,
	}

	writeJSONResponse(w, response, false, "")
}

// handlePending returns the number of transactions not yet completed
func (h *AdminHandlers) handlePending(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, map[string]interface{}{
		"pending_txns": h.engine.PendingTransactionsCount(),
	}, false, "")
}

// handleHealth reports healthy once the resent sequencer is running
func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	s := h.engine.Stats()

	response := map[string]interface{}{
		"healthy": s.Resent.Running,
		"stats": map[string]interface{}{
			"durable_gid":  uint64(s.DurableGID),
			"pending_txns": s.Coordinator.Pending,
		},
	}

	if !s.Resent.Running {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSONResponse(w, response, false, "")
}

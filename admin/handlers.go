// Package admin serves the monitoring HTTP API: engine stats, acknowledgement
// state of transactions, the durable commit log and a live event stream.
package admin

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/txncoord/db"
	"github.com/maxpert/txncoord/hlc"
	"github.com/maxpert/txncoord/notify"
	"github.com/maxpert/txncoord/pipeline"
	"github.com/maxpert/txncoord/txn"
)

// EngineView is the read side of the pipeline engine.
type EngineView interface {
	Stats() pipeline.Stats
	PendingTransactionsCount() int
	IsWaiting(waiter txn.NodeID, id txn.TransactionID) bool
}

// StoreView reads the durable commit log and objects.
type StoreView interface {
	Commits(from txn.GlobalTransactionID, limit int) ([]*db.CommitRecord, error)
	LastCommit() (*db.CommitRecord, error)
	Root(name string) (txn.ObjectID, bool, error)
	Object(oid txn.ObjectID) (*db.ObjectRecord, error)
}

// AdminHandlers handles admin API endpoints
type AdminHandlers struct {
	engine EngineView
	store  StoreView
	hub    *notify.Hub
}

// NewAdminHandlers creates a new AdminHandlers instance. hub may be nil, in
// which case the event stream is unavailable.
func NewAdminHandlers(engine EngineView, store StoreView, hub *notify.Hub) *AdminHandlers {
	return &AdminHandlers{
		engine: engine,
		store:  store,
		hub:    hub,
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool, lastKey string) {
	response := map[string]interface{}{
		"data": data,
	}

	if hasMore || lastKey != "" {
		response["has_more"] = hasMore
		if lastKey != "" {
			response["last_key"] = lastKey
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}

	return limit, nil
}

// parseFrom parses the GID to start listing from
func parseFrom(r *http.Request) (txn.GlobalTransactionID, error) {
	fromStr := r.URL.Query().Get("from")
	if fromStr == "" {
		return 0, nil
	}
	from, err := strconv.ParseUint(fromStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid from parameter: %w", err)
	}
	return txn.GlobalTransactionID(from), nil
}

func parseUintParam(value, name string) (uint64, error) {
	if value == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	v, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

// formatTimestamp renders the physical part of an HLC timestamp as ISO 8601
func formatTimestamp(ts hlc.Timestamp) string {
	if ts.IsZero() {
		return ""
	}
	return ts.PhysicalTime().UTC().Format(time.RFC3339Nano)
}

func encodeBase64(data []byte) string {
	if data == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

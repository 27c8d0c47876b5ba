package admin

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/maxpert/txncoord/db"
	"github.com/maxpert/txncoord/txn"
)

type commitView struct {
	GID         uint64   `json:"gid"`
	Source      uint64   `json:"source"`
	ID          uint64   `json:"id"`
	Kind        string   `json:"kind"`
	Objects     []uint64 `json:"objects"`
	CommittedAt string   `json:"committed_at,omitempty"`
}

func newCommitView(rec *db.CommitRecord) commitView {
	objects := make([]uint64, len(rec.Objects))
	for i, oid := range rec.Objects {
		objects[i] = uint64(oid)
	}
	return commitView{
		GID:         uint64(rec.GID),
		Source:      uint64(rec.Source),
		ID:          uint64(rec.ID),
		Kind:        rec.Kind.String(),
		Objects:     objects,
		CommittedAt: formatTimestamp(rec.CommittedAt),
	}
}

// handleWaiting reports whether a transaction still waits on acknowledgements
func (h *AdminHandlers) handleWaiting(w http.ResponseWriter, r *http.Request) {
	node, err := parseUintParam(chi.URLParam(r, "node"), "node ID")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := parseUintParam(chi.URLParam(r, "txnID"), "transaction ID")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{
		"txn":     txn.NewServerTransactionID(txn.NodeID(node), txn.TransactionID(id)).String(),
		"waiting": h.engine.IsWaiting(txn.NodeID(node), txn.TransactionID(id)),
	}, false, "")
}

// handleCommits lists the durable commit log in GID order
func (h *AdminHandlers) handleCommits(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	from, err := parseFrom(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	// one extra record tells whether there is a next page
	records, err := h.store.Commits(from, limit+1)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	hasMore := len(records) > limit
	if hasMore {
		records = records[:limit]
	}

	views := make([]commitView, len(records))
	for i, rec := range records {
		views[i] = newCommitView(rec)
	}

	lastKey := ""
	if len(views) > 0 {
		lastKey = strconv.FormatUint(views[len(views)-1].GID, 10)
	}
	writeJSONResponse(w, views, hasMore, lastKey)
}

func (h *AdminHandlers) handleLastCommit(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.LastCommit()
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		writeErrorResponse(w, http.StatusNotFound, "no commits yet")
		return
	}
	writeJSONResponse(w, newCommitView(rec), false, "")
}

func (h *AdminHandlers) handleRoot(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	oid, found, err := h.store.Root(name)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeErrorResponse(w, http.StatusNotFound, "root '"+name+"' not found")
		return
	}
	writeJSONResponse(w, map[string]interface{}{
		"name":      name,
		"object_id": uint64(oid),
	}, false, "")
}

func (h *AdminHandlers) handleObject(w http.ResponseWriter, r *http.Request) {
	oid, err := parseUintParam(chi.URLParam(r, "objectID"), "object ID")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.store.Object(txn.ObjectID(oid))
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		writeErrorResponse(w, http.StatusNotFound, "object not found")
		return
	}

	writeJSONResponse(w, map[string]interface{}{
		"object_id":    uint64(rec.ObjectID),
		"version":      rec.Version,
		"gid":          uint64(rec.GID),
		"size":         len(rec.Data),
		"data":         encodeBase64(rec.Data),
		"committed_at": formatTimestamp(rec.CommittedAt),
	}, false, "")
}

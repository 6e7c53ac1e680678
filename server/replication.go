package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/INLOpen/nexusvfs/core"
)

// EntryApplier is the journal surface the replication endpoints need.
type EntryApplier interface {
	ApplyReplicated(ctx context.Context, entry core.JournalEntry) error
	HasEntry(entryID uint64) bool
}

// NewReplicationHandler serves the peer-facing replication endpoints:
//
//	POST /v1/replication/entries      apply a journal entry, 200 acknowledges
//	GET  /v1/replication/entries/{id} report whether the entry is held
func NewReplicationHandler(applier EntryApplier, logger *slog.Logger) http.Handler {
	logger = logger.With("component", "ReplicationHandler")
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/replication/entries", func(w http.ResponseWriter, r *http.Request) {
		var entry core.JournalEntry
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			http.Error(w, "malformed entry", http.StatusBadRequest)
			return
		}
		if err := applier.ApplyReplicated(r.Context(), entry); err != nil {
			logger.Warn("Failed to apply replicated entry", "entry_id", entry.EntryID, "error", err)
			status := http.StatusInternalServerError
			if errors.Is(err, core.ErrClosed) {
				status = http.StatusServiceUnavailable
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("GET /v1/replication/entries/{id}", func(w http.ResponseWriter, r *http.Request) {
		entryID, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
		if err != nil {
			http.Error(w, "malformed entry id", http.StatusBadRequest)
			return
		}
		if !applier.HasEntry(entryID) {
			http.Error(w, "entry not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

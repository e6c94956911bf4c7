package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"inboxdb/pkg/ingest"
	"inboxdb/pkg/run"
	"inboxdb/pkg/store"
	"inboxdb/pkg/utils"
)

// Deps carries the subsystems the handlers call into.
type Deps struct {
	Engine  *ingest.Engine
	Runs    *run.Manager
	Watcher *run.Watcher
}

// writeJSON encodes v with the standard content type.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// mutationError maps an engine error to the right HTTP status.
func mutationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ingest.ErrNotFound), errors.Is(err, store.ErrNotFound):
		utils.JSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ingest.ErrQueueFull):
		utils.JSONError(w, http.StatusTooManyRequests, "server busy; try again")
	case errors.Is(err, run.ErrRunInProgress):
		utils.JSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, run.ErrInvalidState):
		utils.JSONError(w, http.StatusConflict, err.Error())
	default:
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeBody decodes the request body into v, rejecting invalid JSON.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

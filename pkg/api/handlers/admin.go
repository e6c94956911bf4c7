package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"inboxdb/pkg/auth"
	"inboxdb/pkg/models"
	"inboxdb/pkg/store"
	"inboxdb/pkg/utils"
)

// RegisterAdmin wires the admin debug surface: raw event log access.
func RegisterAdmin(r *mux.Router, deps Deps) {
	r.HandleFunc("/admin/events", listEvents).Methods(http.MethodGet)
}

// listEvents pages through the append-only log: ?after=<event id> and
// ?limit=<n> (default 100, max 1000). Admin keys only; the raw log leaks
// every user's activity.
func listEvents(w http.ResponseWriter, r *http.Request) {
	if auth.RoleFromContext(r.Context()) != auth.RoleAdmin {
		utils.JSONError(w, http.StatusForbidden, "forbidden")
		return
	}
	var after uint64
	if s := r.URL.Query().Get("after"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			utils.JSONError(w, http.StatusBadRequest, "invalid after cursor")
			return
		}
		after = v
	}
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 || v > 1000 {
			utils.JSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = v
	}
	events, err := store.ListEvents(after, limit)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Events []models.Event `json:"events"`
	}{Events: events})
}

package handlers

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/gorilla/mux"

	"inboxdb/pkg/auth"
	"inboxdb/pkg/ingest"
	"inboxdb/pkg/models"
	"inboxdb/pkg/store"
	"inboxdb/pkg/utils"
)

// RegisterInbox wires the viewer surface: the per-user inbox list and the
// mark-read mutation.
func RegisterInbox(r *mux.Router, deps Deps) {
	r.HandleFunc("/inbox", listInbox).Methods(http.MethodGet)
	r.HandleFunc("/inbox/{threadID}/read", deps.markRead).Methods(http.MethodPost)
}

// inboxEntry is the list shape: the stored row plus its derived unread
// flag, so clients never re-implement the pointer comparison.
type inboxEntry struct {
	models.InboxItem
	Unread bool `json:"unread"`
}

// listInbox returns the acting user's inbox rows, newest first. With
// ?unread=true only rows whose notifiable pointer is ahead of the read
// pointer are returned.
func listInbox(w http.ResponseWriter, r *http.Request) {
	user, status, msg := auth.ResolveUser(r, "")
	if status != 0 {
		utils.JSONError(w, status, msg)
		return
	}
	items, err := store.ListUserInbox(user)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	unreadOnly := r.URL.Query().Get("unread") == "true"
	out := make([]inboxEntry, 0, len(items))
	for _, it := range items {
		unread := it.Unread()
		if unreadOnly && !unread {
			continue
		}
		out = append(out, inboxEntry{InboxItem: it, Unread: unread})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedTS > out[j].UpdatedTS
	})
	writeJSON(w, http.StatusOK, struct {
		User  string       `json:"user"`
		Items []inboxEntry `json:"items"`
	}{User: user, Items: out})
}

// markRead advances the acting user's read pointer on one inbox row. The
// pointer only moves forward; an omitted event id acknowledges everything
// currently notifiable.
func (d Deps) markRead(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["threadID"]
	var body struct {
		ActivityID string `json:"activity_id"`
		EventID    uint64 `json:"event_id"`
		User       string `json:"user"`
	}
	if r.ContentLength != 0 {
		if !decodeBody(w, r, &body) {
			return
		}
	}
	user, status, msg := auth.ResolveUser(r, body.User)
	if status != 0 {
		utils.JSONError(w, status, msg)
		return
	}
	payload, err := json.Marshal(struct {
		ActivityID string `json:"activity_id,omitempty"`
		EventID    uint64 `json:"event_id,omitempty"`
	}{ActivityID: body.ActivityID, EventID: body.EventID})
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	res, err := d.Engine.Execute(r.Context(), &ingest.Op{
		Handler: ingest.HandlerReadMark,
		Thread:  threadID,
		User:    user,
		Payload: payload,
	})
	if err != nil {
		mutationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

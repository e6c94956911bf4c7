package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"inboxdb/pkg/auth"
	"inboxdb/pkg/ingest"
	"inboxdb/pkg/models"
	"inboxdb/pkg/store"
	"inboxdb/pkg/utils"
)

// RegisterComments wires the comment-by-id routes.
func RegisterComments(r *mux.Router, deps Deps) {
	r.HandleFunc("/comments/{id}", getComment).Methods(http.MethodGet)
	r.HandleFunc("/comments/{id}", deps.editComment).Methods(http.MethodPut)
	r.HandleFunc("/comments/{id}", deps.deleteComment).Methods(http.MethodDelete)
	r.HandleFunc("/comments/{id}/versions", listCommentVersions).Methods(http.MethodGet)
}

func getComment(w http.ResponseWriter, r *http.Request) {
	c, err := store.GetLatestComment(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.JSONError(w, http.StatusNotFound, "comment not found")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// editComment rewrites a comment body. The render payload updates for
// every subscriber but nobody's unread pointer moves.
func (d Deps) editComment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Body json.RawMessage `json:"body"`
		User string          `json:"user"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	user, status, msg := auth.ResolveUser(r, body.User)
	if status != 0 {
		utils.JSONError(w, status, msg)
		return
	}
	payload, err := json.Marshal(struct {
		Body json.RawMessage `json:"body"`
	}{Body: body.Body})
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	res, err := d.Engine.Execute(r.Context(), &ingest.Op{
		Handler: ingest.HandlerCommentEdit,
		ID:      id,
		Payload: payload,
		Extras:  map[string]string{"identity": user},
	})
	if err != nil {
		mutationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// deleteComment appends a tombstone version; repeated deletes are no-ops.
func (d Deps) deleteComment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	user, status, msg := auth.ResolveUser(r, "")
	if status != 0 {
		utils.JSONError(w, status, msg)
		return
	}
	_, err := d.Engine.Execute(r.Context(), &ingest.Op{
		Handler: ingest.HandlerCommentDelete,
		ID:      id,
		Extras:  map[string]string{"identity": user},
	})
	if err != nil {
		mutationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func listCommentVersions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	versions, err := store.ListCommentVersions(id)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(versions) == 0 {
		utils.JSONError(w, http.StatusNotFound, "comment not found")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		ID       string           `json:"id"`
		Versions []models.Comment `json:"versions"`
	}{ID: id, Versions: versions})
}

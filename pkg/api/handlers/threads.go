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

// RegisterThreads wires thread routes and thread-scoped comment routes.
func RegisterThreads(r *mux.Router, deps Deps) {
	r.HandleFunc("/threads", deps.createThread).Methods(http.MethodPost)
	r.HandleFunc("/threads", listThreads).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}", getThread).Methods(http.MethodGet)
	r.HandleFunc("/threads/{threadID}/comments", deps.createComment).Methods(http.MethodPost)
	r.HandleFunc("/threads/{threadID}/comments", listThreadComments).Methods(http.MethodGet)
}

// createThread routes the mutation through the engine so the thread row,
// its created event and the fanned-out inbox rows commit together.
func (d Deps) createThread(w http.ResponseWriter, r *http.Request) {
	var body struct {
		models.Thread
		User string `json:"user"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	user, status, msg := auth.ResolveUser(r, body.User)
	if status != 0 {
		utils.JSONError(w, status, msg)
		return
	}
	th := body.Thread
	th.Author = user
	payload, err := json.Marshal(th)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	res, err := d.Engine.Execute(r.Context(), &ingest.Op{
		Handler: ingest.HandlerThreadCreate,
		Payload: payload,
		Extras:  map[string]string{"identity": user},
	})
	if err != nil {
		mutationError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func listThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := store.ListThreads()
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// frontend callers only see threads they subscribe to
	if auth.RoleFromContext(r.Context()) == auth.RoleFrontend {
		user, status, msg := auth.ResolveUser(r, "")
		if status != 0 {
			utils.JSONError(w, status, msg)
			return
		}
		var mine []models.Thread
		for _, th := range threads {
			for _, s := range th.Subscribers {
				if s == user {
					mine = append(mine, th)
					break
				}
			}
		}
		threads = mine
	}
	writeJSON(w, http.StatusOK, struct {
		Threads []models.Thread `json:"threads"`
	}{Threads: threads})
}

func getThread(w http.ResponseWriter, r *http.Request) {
	th, err := store.GetThread(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.JSONError(w, http.StatusNotFound, "thread not found")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, th)
}

// createComment appends a comment to a thread under an existing activity.
func (d Deps) createComment(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["threadID"]
	var body struct {
		models.Comment
		User string `json:"user"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	user, status, msg := auth.ResolveUser(r, body.User)
	if status != 0 {
		utils.JSONError(w, status, msg)
		return
	}
	c := body.Comment
	c.ThreadID = threadID
	c.Author = user
	if c.ActivityID == "" {
		utils.JSONError(w, http.StatusBadRequest, "activity id required")
		return
	}
	payload, err := json.Marshal(c)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	res, err := d.Engine.Execute(r.Context(), &ingest.Op{
		Handler: ingest.HandlerCommentCreate,
		Thread:  threadID,
		Payload: payload,
		Extras:  map[string]string{"identity": user},
	})
	if err != nil {
		mutationError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func listThreadComments(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["threadID"]
	if _, err := store.GetThread(threadID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.JSONError(w, http.StatusNotFound, "thread not found")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"
	comments, err := store.ListThreadComments(threadID, includeDeleted)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Thread   string           `json:"thread"`
		Comments []models.Comment `json:"comments"`
	}{Thread: threadID, Comments: comments})
}

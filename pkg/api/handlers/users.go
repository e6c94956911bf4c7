package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"inboxdb/pkg/auth"
	"inboxdb/pkg/models"
	"inboxdb/pkg/store"
	"inboxdb/pkg/utils"
)

// RegisterUsers wires the user admin routes. Backend-only: the gateway
// already blocks frontend keys from /v1/users.
func RegisterUsers(r *mux.Router, deps Deps) {
	r.HandleFunc("/users", createUser).Methods(http.MethodPost)
	r.HandleFunc("/users", listUsers).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}", getUser).Methods(http.MethodGet)
}

func createUser(w http.ResponseWriter, r *http.Request) {
	if role := auth.RoleFromContext(r.Context()); role != auth.RoleBackend && role != auth.RoleAdmin {
		utils.JSONError(w, http.StatusForbidden, "forbidden")
		return
	}
	var u models.User
	if !decodeBody(w, r, &u) {
		return
	}
	if u.ID == "" {
		utils.JSONError(w, http.StatusBadRequest, "user id required")
		return
	}
	if _, err := store.GetUser(u.ID); err == nil {
		utils.JSONError(w, http.StatusConflict, "user already exists")
		return
	}
	u.CreatedTS = time.Now().UTC().UnixNano()
	if err := store.SaveUser(u); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := store.ListUsers()
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Users []models.User `json:"users"`
	}{Users: users})
}

func getUser(w http.ResponseWriter, r *http.Request) {
	u, err := store.GetUser(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.JSONError(w, http.StatusNotFound, "user not found")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, u)
}

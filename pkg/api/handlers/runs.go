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

// RegisterRuns wires the run lifecycle routes.
func RegisterRuns(r *mux.Router, deps Deps) {
	r.HandleFunc("/threads/{threadID}/runs", deps.createRun).Methods(http.MethodPost)
	r.HandleFunc("/threads/{threadID}/runs", listThreadRuns).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}", getRun).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}/cancel", deps.cancelRun).Methods(http.MethodPost)
	r.HandleFunc("/runs/{id}/activities", listRunActivities).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}/watch", deps.watchRun).Methods(http.MethodGet)
}

// createRun starts agent work on a thread. The body is the triggering
// user activity; a 409 means the thread already has a live run.
func (d Deps) createRun(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["threadID"]
	var body struct {
		models.Activity
		User string `json:"user"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if _, status, msg := auth.ResolveUser(r, body.User); status != 0 {
		utils.JSONError(w, status, msg)
		return
	}
	run, err := d.Runs.Create(r.Context(), threadID, body.Activity)
	if err != nil {
		mutationError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func listThreadRuns(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["threadID"]
	if _, err := store.GetThread(threadID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.JSONError(w, http.StatusNotFound, "thread not found")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	runs, err := store.ListThreadRuns(threadID)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Thread string       `json:"thread"`
		Runs   []models.Run `json:"runs"`
	}{Thread: threadID, Runs: runs})
}

func getRun(w http.ResponseWriter, r *http.Request) {
	run, err := store.GetRun(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.JSONError(w, http.StatusNotFound, "run not found")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// cancelRun force-fails an in-progress run; cancelling a settled run is a
// 409.
func (d Deps) cancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := d.Runs.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		mutationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func listRunActivities(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := store.GetRun(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.JSONError(w, http.StatusNotFound, "run not found")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	acts, err := store.ListRunActivities(id)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Run        string            `json:"run"`
		Activities []models.Activity `json:"activities"`
	}{Run: id, Activities: acts})
}

// watchRun long-polls for the run's next state change. Responds with the
// current run immediately when it is already terminal, otherwise waits up
// to the timeout (default 30s, ?timeout=<seconds>) and returns whatever
// state the run is in by then.
func (d Deps) watchRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ch, cancel, err := d.Watcher.Subscribe(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.JSONError(w, http.StatusNotFound, "run not found")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer cancel()

	timeout := 30 * time.Second
	if s := r.URL.Query().Get("timeout"); s != "" {
		if dur, err := time.ParseDuration(s + "s"); err == nil && dur > 0 && dur <= 5*time.Minute {
			timeout = dur
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case run, ok := <-ch:
		if !ok {
			// channel closed without a delivery; report current state
			cur, err := store.GetRun(id)
			if err != nil {
				utils.JSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, cur)
			return
		}
		writeJSON(w, http.StatusOK, run)
	case <-timer.C:
		cur, err := store.GetRun(id)
		if err != nil {
			utils.JSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, cur)
	case <-r.Context().Done():
	}
}

// Package api is the HTTP surface. The gorilla router carries the full
// read/write API; mutations.go holds the fasthttp enqueue-only fast path
// served from a second listener.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"inboxdb/pkg/api/handlers"
	"inboxdb/pkg/ingest"
	"inboxdb/pkg/run"
)

// Deps carries the subsystems handlers dispatch into.
type Deps struct {
	Engine  *ingest.Engine
	Runs    *run.Manager
	Watcher *run.Watcher
}

// NewRouter builds the /v1 API router.
func NewRouter(deps Deps) *mux.Router {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()

	h := handlers.Deps{Engine: deps.Engine, Runs: deps.Runs, Watcher: deps.Watcher}
	handlers.RegisterUsers(v1, h)
	handlers.RegisterThreads(v1, h)
	handlers.RegisterComments(v1, h)
	handlers.RegisterInbox(v1, h)
	handlers.RegisterRuns(v1, h)
	handlers.RegisterAdmin(v1, h)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found"}`))
	})
	return r
}

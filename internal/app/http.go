package app

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/valyala/fasthttp"

	"inboxdb/pkg/api"
	"inboxdb/pkg/auth"
	"inboxdb/pkg/logger"
	"inboxdb/pkg/store"
)

// setupHTTPHandlers mounts the API router and the operational endpoints.
func (a *App) setupHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", healthzHandler)
	mux.HandleFunc("/readyz", a.readyzHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/docs/", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))
	mux.Handle("/openapi.yaml", http.FileServer(http.Dir("./docs")))
	mux.Handle("/", api.NewRouter(api.Deps{
		Engine:  a.engine,
		Runs:    a.runs,
		Watcher: a.watcher,
	}))
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// readyzHandler reports readiness: the store must be open.
func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !store.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready"}`))
		return
	}
	ver := a.version
	if ver == "" {
		ver = "dev"
	}
	_, _ = w.Write([]byte(`{"status":"ok","version":"` + ver + `"}`))
}

// secConfig builds the gateway config from the loaded file config.
func (a *App) secConfig() auth.SecConfig {
	sec := auth.SecConfig{
		AllowedOrigins: append([]string{}, a.cfg.Security.CORS.AllowedOrigins...),
		RPS:            a.cfg.Security.RateLimit.RPS,
		Burst:          a.cfg.Security.RateLimit.Burst,
		BackendKeys:    map[string]struct{}{},
		FrontendKeys:   map[string]struct{}{},
		AdminKeys:      map[string]struct{}{},
		AllowUnauth:    a.cfg.Security.APIKeys.AllowUnauth,
	}
	for _, k := range a.cfg.Security.APIKeys.Backend {
		sec.BackendKeys[k] = struct{}{}
	}
	for _, k := range a.cfg.Security.APIKeys.Frontend {
		sec.FrontendKeys[k] = struct{}{}
	}
	for _, k := range a.cfg.Security.APIKeys.Admin {
		sec.AdminKeys[k] = struct{}{}
	}
	return sec
}

// startHTTP starts the main listener and returns its error channel.
func (a *App) startHTTP() <-chan error {
	mux := http.NewServeMux()
	a.setupHTTPHandlers(mux)

	wrapped := auth.GatewayMiddleware(a.secConfig())(mux)
	a.srv = &http.Server{Addr: a.cfg.Addr(), Handler: wrapped}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http_listening", "addr", a.srv.Addr)
		cert := a.cfg.Server.TLS.CertFile
		key := a.cfg.Server.TLS.KeyFile
		var err error
		if cert != "" && key != "" {
			err = a.srv.ListenAndServeTLS(cert, key)
		} else {
			err = a.srv.ListenAndServe()
		}
		if err == http.ErrServerClosed {
			err = nil
		}
		errCh <- err
	}()
	return errCh
}

// startIngestHTTP starts the fasthttp enqueue-only listener when
// configured. The channel never delivers when the listener is disabled.
func (a *App) startIngestHTTP() <-chan error {
	errCh := make(chan error, 1)
	addr := a.cfg.Server.IngestAddress
	if addr == "" {
		return errCh
	}
	sec := a.secConfig()
	handler := api.IngestHandler(api.Deps{Engine: a.engine}, sec.BackendKeys)
	a.ingestSrv = &fasthttp.Server{Handler: handler, Name: "inboxdb-ingest"}
	go func() {
		logger.Info("ingest_http_listening", "addr", addr)
		errCh <- a.ingestSrv.ListenAndServe(addr)
	}()
	return errCh
}

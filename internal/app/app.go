// Package app wires the subsystems together and owns the process
// lifecycle: config validation, store open, mutation engine, run manager,
// retention and the HTTP listeners.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/valyala/fasthttp"

	"inboxdb/internal/retention"
	"inboxdb/pkg/agent"
	"inboxdb/pkg/banner"
	"inboxdb/pkg/config"
	"inboxdb/pkg/ingest"
	"inboxdb/pkg/logger"
	"inboxdb/pkg/run"
	"inboxdb/pkg/state"
	"inboxdb/pkg/store"
	"inboxdb/pkg/validation"
)

// App encapsulates the server components and lifecycle.
type App struct {
	cfg     *config.Config
	dbPath  string
	source  string
	version string

	engine  *ingest.Engine
	runs    *run.Manager
	watcher *run.Watcher

	srv       *http.Server
	ingestSrv *fasthttp.Server
}

// New initializes everything that needs no running context: config
// checks, validation rules, state dirs and the store. Call Run to start
// the workers and listeners.
func New(cfg *config.Config, dbPath, source, version string) (*App, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("db path required (use --db or INBOXDB_DB_PATH)")
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	initValidation(cfg)

	if err := state.EnsureStateDirs(dbPath); err != nil {
		return nil, fmt.Errorf("state dirs: %w", err)
	}
	if err := store.Open(state.PathsVar.Store); err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", state.PathsVar.Store, err)
	}

	if n := cfg.Ingest.Queue.MaxPooledBufferBytes.Int64(); n > 0 {
		ingest.SetMaxPooledBuffer(int(n))
	}
	engine := ingest.NewEngine(cfg.Ingest.Queue.Capacity)
	ingest.RegisterDomainHandlers(engine)

	client := agent.NewClient(cfg.Agent.Endpoint)
	runs := run.NewManager(engine, client,
		cfg.Agent.MaxConcurrent, cfg.Agent.Deadline.Duration())

	pollInterval := cfg.Agent.PollInterval.Duration()
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	watcher := run.NewWatcher(pollInterval)

	return &App{
		cfg:     cfg,
		dbPath:  dbPath,
		source:  source,
		version: version,
		engine:  engine,
		runs:    runs,
		watcher: watcher,
	}, nil
}

// Run starts the workers and listeners and blocks until ctx is cancelled
// or a listener fails.
func (a *App) Run(ctx context.Context) error {
	banner.Print(a.cfg, a.dbPath, a.source, a.version)

	a.engine.Start(ctx)
	a.runs.Start(ctx)
	a.watcher.Start(ctx)

	retCancel, err := retention.Start(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("retention: %w", err)
	}

	errCh := a.startHTTP()
	ingestErrCh := a.startIngestHTTP()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	case runErr = <-ingestErrCh:
	}

	a.shutdown(retCancel)
	return runErr
}

// shutdown unwinds in dependency order: listeners first so no new
// mutations arrive, then run ingestion, then the engine (draining its
// queue), then the store.
func (a *App) shutdown(retCancel context.CancelFunc) {
	shCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if a.srv != nil {
		_ = a.srv.Shutdown(shCtx)
	}
	if a.ingestSrv != nil {
		_ = a.ingestSrv.Shutdown()
	}
	retCancel()
	a.runs.Stop()
	a.watcher.Stop()
	a.engine.Stop()
	if err := store.Close(); err != nil {
		logger.Error("store_close_failed", "error", err)
	}
	logger.Info("server_stopped")
}

// validateConfig rejects configurations the server cannot run with.
func validateConfig(cfg *config.Config) error {
	if cfg.Agent.Endpoint == "" {
		logger.Warn("agent_endpoint_unset", "msg", "run creation will fail ingestion")
	}
	if cfg.Security.APIKeys.AllowUnauth {
		logger.Warn("auth_disabled", "msg", "allow_unauth is set; every caller gets backend role")
	} else if len(cfg.Security.APIKeys.Backend) == 0 && len(cfg.Security.APIKeys.Frontend) == 0 && len(cfg.Security.APIKeys.Admin) == 0 {
		return fmt.Errorf("no API keys configured and allow_unauth not set")
	}
	seen := map[string]bool{}
	for _, a := range cfg.Validation.Activities {
		if a.Type == "" || a.Role == "" {
			return fmt.Errorf("validation rule missing type or role")
		}
		key := a.Type + "/" + a.Role
		if seen[key] {
			return fmt.Errorf("duplicate validation rule for %s", key)
		}
		seen[key] = true
	}
	return nil
}

// initValidation maps the YAML rule shapes onto the validation package
// and installs them globally.
func initValidation(cfg *config.Config) {
	entries := make([]validation.ConfigEntry, 0, len(cfg.Validation.Activities))
	for _, a := range cfg.Validation.Activities {
		e := validation.ConfigEntry{
			Type:     a.Type,
			Role:     a.Role,
			Required: append([]string{}, a.Required...),
		}
		for _, t := range a.Types {
			e.Types = append(e.Types, validation.PathType{Path: t.Path, Type: t.Type})
		}
		for _, ml := range a.MaxLen {
			e.MaxLen = append(e.MaxLen, validation.PathMax{Path: ml.Path, Max: ml.Max})
		}
		for _, en := range a.Enums {
			e.Enums = append(e.Enums, validation.PathValues{Path: en.Path, Values: en.Values})
		}
		for _, wt := range a.WhenThen {
			e.WhenThen = append(e.WhenThen, validation.WhenThenEntry{
				WhenPath: wt.When.Path,
				Equals:   wt.When.Equals,
				ThenReq:  append([]string{}, wt.Then.Required...),
			})
		}
		entries = append(entries, e)
	}
	validation.SetActivityRules(validation.FromConfig(entries))
	logger.Info("validation_rules_installed", "pairs", len(entries))
}

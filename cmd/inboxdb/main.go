package main

import (
	"context"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"inboxdb/internal/app"
	"inboxdb/pkg/config"
	"inboxdb/pkg/logger"
	"inboxdb/pkg/shutdown"
)

// build metadata - set via ldflags during build/release
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	_ = godotenv.Load(".env")
	addrVal, dbVal, cfgVal, setFlags := config.ParseCommandFlags()

	cfgPath := config.ResolveConfigPath(cfgVal, setFlags["config"])
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Init("", "")
		shutdown.Abort("failed to load config", err, "", 0)
	}

	// flags win over env and file
	if setFlags["addr"] {
		host, port, ok := strings.Cut(addrVal, ":")
		if ok {
			cfg.Server.Address = host
			if p, err := strconv.Atoi(port); err == nil {
				cfg.Server.Port = p
			}
		} else {
			cfg.Server.Address = addrVal
		}
	}
	dbPath := cfg.Storage.DBPath
	if setFlags["db"] || dbPath == "" {
		dbPath = dbVal
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)

	var srcs []string
	if len(setFlags) > 0 {
		srcs = append(srcs, "flags")
	}
	if cfgPath != "" {
		srcs = append(srcs, "config")
	}
	srcs = append(srcs, "env")

	verStr := version
	if commit != "none" {
		verStr += " (" + commit + ")"
	}
	if buildDate != "unknown" {
		verStr += " @ " + buildDate
	}

	a, err := app.New(cfg, dbPath, strings.Join(srcs, ", "), verStr)
	if err != nil {
		shutdown.Abort("startup failed", err, dbPath, 0)
	}

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	if err := a.Run(ctx); err != nil {
		shutdown.Abort("server failed", err, dbPath, 0)
	}
}

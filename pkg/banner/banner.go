package banner

import (
	"fmt"

	"inboxdb/pkg/config"
)

const banner = `
██╗███╗   ██╗██████╗  ██████╗ ██╗  ██╗██████╗ ██████╗
██║████╗  ██║██╔══██╗██╔═══██╗╚██╗██╔╝██╔══██╗██╔══██╗
██║██╔██╗ ██║██████╔╝██║   ██║ ╚███╔╝ ██║  ██║██████╔╝
██║██║╚██╗██║██╔══██╗██║   ██║ ██╔██╗ ██║  ██║██╔══██╗
██║██║ ╚████║██████╔╝╚██████╔╝██╔╝ ██╗██████╔╝██████╔╝
╚═╝╚═╝  ╚═══╝╚═════╝  ╚═════╝ ╚═╝  ╚═╝╚═════╝ ╚═════╝
`

// Print writes the startup banner and a config summary to stdout.
func Print(cfg *config.Config, dbPath, source, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", cfg.Addr())
	if cfg.Server.IngestAddress != "" {
		fmt.Printf("Ingest:   %s\n", cfg.Server.IngestAddress)
	}
	fmt.Printf("DB Path:  %s\n", dbPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	if source != "" {
		fmt.Printf("Config:   %s\n", source)
	}

	fmt.Println("\n== Checks =====================================================")
	if n := len(cfg.Security.APIKeys.Backend); n > 0 {
		fmt.Printf("- Backend API keys: OK (%d)\n", n)
	} else {
		fmt.Println("- Backend API keys: MISSING (required for backend services)")
	}
	if n := len(cfg.Security.APIKeys.Frontend); n > 0 {
		fmt.Printf("- Frontend API keys: OK (%d)\n", n)
	} else {
		fmt.Println("- Frontend API keys: MISSING (required for client access)")
	}
	if n := len(cfg.Security.APIKeys.Admin); n > 0 {
		fmt.Printf("- Admin API keys: OK (%d)\n", n)
	} else {
		fmt.Println("- Admin API keys: MISSING (required for admin tooling)")
	}
	if cfg.Server.TLS.CertFile != "" && cfg.Server.TLS.KeyFile != "" {
		fmt.Println("- TLS: configured")
	} else {
		fmt.Println("- TLS: unconfigured")
	}
	if cfg.Agent.Endpoint != "" {
		fmt.Printf("- Agent endpoint: %s\n", cfg.Agent.Endpoint)
	} else {
		fmt.Println("- Agent endpoint: not set (runs will fail to start ingestion)")
	}
	if cfg.Retention.Enabled {
		if cfg.Retention.Cron != "" {
			fmt.Printf("- Retention: enabled (cron=%s)\n", cfg.Retention.Cron)
		} else {
			fmt.Println("- Retention: enabled")
		}
	} else {
		fmt.Println("- Retention: disabled")
	}
	fmt.Printf("- Validation rules: %d activity pairs\n", len(cfg.Validation.Activities))

	fmt.Println("\n== Logs =======================================================")
}

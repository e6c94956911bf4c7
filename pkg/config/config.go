package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML config at path (when non-empty) and applies
// environment overrides on top. A missing file with an empty path yields
// the zero config plus env overrides; an explicitly named file that cannot
// be read is an error.
func Load(path string) (*Config, error) {
	var cfg Config
	// defaults overridable by file and env; an explicit deadline of 0
	// disables the ingestion bound
	cfg.Agent.Deadline = Duration(5 * time.Minute)
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return &cfg, nil
}

// applyEnv overlays INBOXDB_* environment variables onto cfg. Env wins over
// file values; explicit flags win over both (handled by the caller).
func applyEnv(cfg *Config) {
	if v := os.Getenv("INBOXDB_ADDR"); v != "" {
		host, port, ok := strings.Cut(v, ":")
		if ok {
			cfg.Server.Address = host
			if p, err := strconv.Atoi(port); err == nil {
				cfg.Server.Port = p
			}
		} else {
			cfg.Server.Address = v
		}
	}
	if v := os.Getenv("INBOXDB_INGEST_ADDR"); v != "" {
		cfg.Server.IngestAddress = v
	}
	if v := os.Getenv("INBOXDB_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("INBOXDB_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("INBOXDB_AGENT_ENDPOINT"); v != "" {
		cfg.Agent.Endpoint = v
	}
	if v := os.Getenv("INBOXDB_BACKEND_KEYS"); v != "" {
		cfg.Security.APIKeys.Backend = splitKeys(v)
	}
	if v := os.Getenv("INBOXDB_FRONTEND_KEYS"); v != "" {
		cfg.Security.APIKeys.Frontend = splitKeys(v)
	}
	if v := os.Getenv("INBOXDB_ADMIN_KEYS"); v != "" {
		cfg.Security.APIKeys.Admin = splitKeys(v)
	}
}

func splitKeys(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ParseCommandFlags parses the standard command-line flags and reports which
// were explicitly set so callers can apply flag-wins precedence.
func ParseCommandFlags() (addr, dbPath, cfgPath string, set map[string]bool) {
	addrFlag := flag.String("addr", "127.0.0.1:8080", "listen address")
	dbFlag := flag.String("db", "./data", "pebble database path")
	cfgFlag := flag.String("config", "", "path to YAML config file")
	flag.Parse()
	set = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return *addrFlag, *dbFlag, *cfgFlag, set
}

// ResolveConfigPath prefers an explicit --config flag, then the
// INBOXDB_CONFIG env var, then a conventional ./inboxdb.yaml if present.
func ResolveConfigPath(flagVal string, flagSet bool) string {
	if flagSet && flagVal != "" {
		return flagVal
	}
	if v := os.Getenv("INBOXDB_CONFIG"); v != "" {
		return v
	}
	if _, err := os.Stat("inboxdb.yaml"); err == nil {
		return "inboxdb.yaml"
	}
	return ""
}

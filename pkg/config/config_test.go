package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inboxdb.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  address: 0.0.0.0
  port: 9090
  ingest_address: 127.0.0.1:9091
storage:
  db_path: /var/lib/inboxdb
security:
  api_keys:
    backend: [bk1, bk2]
    frontend: [fk1]
  rate_limit:
    rps: 20
    burst: 40
logging:
  level: debug
  format: json
agent:
  endpoint: http://agent.local/run
  deadline: 2m
  poll_interval: 250ms
  max_concurrent: 8
ingest:
  queue:
    capacity: 1024
    max_pooled_buffer_bytes: 64KB
retention:
  enabled: true
  cron: "0 3 * * *"
  period: 720h
validation:
  activities:
    - type: comment
      role: user
      required: [text]
      max_len:
        - path: text
          max: 4096
      when_then:
        - when:
            path: kind
            equals: review
          then:
            required: [verdict]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr() != "0.0.0.0:9090" {
		t.Fatalf("addr = %q", cfg.Addr())
	}
	if cfg.Server.IngestAddress != "127.0.0.1:9091" {
		t.Fatalf("ingest addr = %q", cfg.Server.IngestAddress)
	}
	if len(cfg.Security.APIKeys.Backend) != 2 || cfg.Security.RateLimit.RPS != 20 {
		t.Fatalf("security = %+v", cfg.Security)
	}
	if cfg.Agent.Deadline.Duration() != 2*time.Minute {
		t.Fatalf("deadline = %v", cfg.Agent.Deadline.Duration())
	}
	if cfg.Agent.PollInterval.Duration() != 250*time.Millisecond {
		t.Fatalf("poll interval = %v", cfg.Agent.PollInterval.Duration())
	}
	if cfg.Ingest.Queue.MaxPooledBufferBytes.Int64() != 64000 {
		t.Fatalf("buffer cap = %d", cfg.Ingest.Queue.MaxPooledBufferBytes.Int64())
	}
	rule := cfg.Validation.Activities[0]
	if rule.Type != "comment" || rule.MaxLen[0].Max != 4096 {
		t.Fatalf("rule = %+v", rule)
	}
	if rule.WhenThen[0].When.Equals != "review" || rule.WhenThen[0].Then.Required[0] != "verdict" {
		t.Fatalf("when_then = %+v", rule.WhenThen)
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr() != "127.0.0.1:8080" {
		t.Fatalf("addr = %q, want defaults", cfg.Addr())
	}
	if cfg.Agent.Deadline.Duration() != 5*time.Minute {
		t.Fatalf("deadline = %v, want the default bound", cfg.Agent.Deadline.Duration())
	}
}

func TestExplicitZeroDeadlineDisablesBound(t *testing.T) {
	path := writeConfig(t, `
agent:
  deadline: 0
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.Deadline.Duration() != 0 {
		t.Fatalf("deadline = %v, want disabled", cfg.Agent.Deadline.Duration())
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing explicit config accepted")
	}
}

func TestLoadMalformedYAMLFails(t *testing.T) {
	path := writeConfig(t, "server: [not a map")
	if _, err := Load(path); err == nil {
		t.Fatal("malformed config accepted")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
server:
  address: 10.0.0.1
  port: 9090
storage:
  db_path: /from/file
`)
	t.Setenv("INBOXDB_ADDR", "0.0.0.0:7070")
	t.Setenv("INBOXDB_DB_PATH", "/from/env")
	t.Setenv("INBOXDB_BACKEND_KEYS", "k1, k2 ,,k3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr() != "0.0.0.0:7070" {
		t.Fatalf("addr = %q, want env to win", cfg.Addr())
	}
	if cfg.Storage.DBPath != "/from/env" {
		t.Fatalf("db path = %q", cfg.Storage.DBPath)
	}
	keys := cfg.Security.APIKeys.Backend
	if len(keys) != 3 || keys[0] != "k1" || keys[1] != "k2" || keys[2] != "k3" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestDurationNumericSeconds(t *testing.T) {
	path := writeConfig(t, `
agent:
  deadline: 90
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.Deadline.Duration() != 90*time.Second {
		t.Fatalf("deadline = %v, want bare numbers read as seconds", cfg.Agent.Deadline.Duration())
	}
}

func TestDurationInvalid(t *testing.T) {
	path := writeConfig(t, `
agent:
  deadline: soon
`)
	if _, err := Load(path); err == nil {
		t.Fatal("invalid duration accepted")
	}
}

func TestSizeBytesPlainInteger(t *testing.T) {
	path := writeConfig(t, `
ingest:
  queue:
    max_pooled_buffer_bytes: 4096
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ingest.Queue.MaxPooledBufferBytes.Int64() != 4096 {
		t.Fatalf("size = %d", cfg.Ingest.Queue.MaxPooledBufferBytes.Int64())
	}
}

func TestResolveConfigPathPrecedence(t *testing.T) {
	t.Setenv("INBOXDB_CONFIG", "/env/inboxdb.yaml")
	if got := ResolveConfigPath("/flag/inboxdb.yaml", true); got != "/flag/inboxdb.yaml" {
		t.Fatalf("path = %q, want flag to win", got)
	}
	if got := ResolveConfigPath("", false); got != "/env/inboxdb.yaml" {
		t.Fatalf("path = %q, want env fallback", got)
	}
}

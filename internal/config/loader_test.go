package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/switchboard-voice/switchboard/internal/config"
)

const minimalYAML = `
server:
  listen_addr: ":8080"
  public_host: relay.example.com
model:
  api_key: sk-test
`

func TestLoadFromReader_Minimal(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q; want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Model.APIKey != "sk-test" {
		t.Errorf("api_key = %q; want sk-test", cfg.Model.APIKey)
	}
}

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  listen_addr: ":8443"
  public_host: relay.example.com
  log_level: debug
  tls:
    cert_file: /etc/certs/tls.crt
    key_file: /etc/certs/tls.key
model:
  api_key: sk-test
  model: gpt-4o-realtime-preview
  voice: alloy
  instructions: "You answer calls for a plumbing supplier."
  temperature: 0.7
  greeting: "Thanks for calling!"
telephony:
  account_sid: AC123
  auth_token: tok456
retrieval:
  endpoint: https://kb.example.com/query
  api_key: kb-secret
storage:
  postgres_dsn: "postgres://localhost/switchboard"
summary:
  model: gpt-4o-mini
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.TLS == nil || cfg.Server.TLS.CertFile != "/etc/certs/tls.crt" {
		t.Errorf("tls = %+v; want cert file set", cfg.Server.TLS)
	}
	if cfg.Model.Temperature != 0.7 {
		t.Errorf("temperature = %v; want 0.7", cfg.Model.Temperature)
	}
	if cfg.Telephony.AccountSID != "AC123" {
		t.Errorf("account_sid = %q; want AC123", cfg.Telephony.AccountSID)
	}
	if cfg.Retrieval.Endpoint != "https://kb.example.com/query" {
		t.Errorf("retrieval endpoint = %q", cfg.Retrieval.Endpoint)
	}
	if cfg.Summary.Model != "gpt-4o-mini" {
		t.Errorf("summary model = %q; want gpt-4o-mini", cfg.Summary.Model)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()

	yaml := minimalYAML + `
transcoding:
  codec: opus
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown top-level field, got nil")
	}
}

func TestLoadFromReader_InvalidYAML(t *testing.T) {
	t.Parallel()

	if _, err := config.LoadFromReader(strings.NewReader("server: [")); err == nil {
		t.Fatal("expected error for invalid yaml, got nil")
	}
}

func TestLoad_FromFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.PublicHost != "relay.example.com" {
		t.Errorf("public_host = %q", cfg.Server.PublicHost)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := config.Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

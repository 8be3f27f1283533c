package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmerrifield20/BlockWitness/internal/config"
)

func TestLoad_defaults(t *testing.T) {
	cfg, err := config.Load(config.New())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Storage.Driver != config.DriverLevelDB {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Server.PublicURL != "http://localhost:8080" {
		t.Errorf("PublicURL = %q, want derived from port", cfg.Server.PublicURL)
	}
	if cfg.Certificate.IssuerName != cfg.Server.PublicURL {
		t.Errorf("IssuerName = %q, want public url", cfg.Certificate.IssuerName)
	}
	if cfg.Audit.Interval != 10*time.Minute || cfg.Certificate.PDFTimeout != 30*time.Second || cfg.Certificate.CacheTTL != 10*time.Minute {
		t.Errorf("unexpected durations: audit %v pdf %v cache %v", cfg.Audit.Interval, cfg.Certificate.PDFTimeout, cfg.Certificate.CacheTTL)
	}
	if cfg.File != "" {
		t.Errorf("expected no config file, got %q", cfg.File)
	}
}

func TestLoad_fileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
server:
  port: 9090
  public_url: https://witness.example.org/
  cors_origins: [https://a.example, https://b.example]
storage:
  driver: memory
webhooks:
  urls:
    - https://hooks.example/one
`)
	if err := os.WriteFile(filepath.Join(dir, "blockwitness.yaml"), yaml, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KEYS_BITS", "3072")
	t.Setenv("WEBHOOKS_SECRET", "s3cret")

	v := config.New()
	v.AddConfigPath(dir)
	cfg, err := config.Load(v)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.File == "" || cfg.Server.Port != 9090 || cfg.Storage.Driver != config.DriverMemory {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Server.PublicURL != "https://witness.example.org" {
		t.Errorf("PublicURL = %q, want trailing slash trimmed", cfg.Server.PublicURL)
	}
	if len(cfg.Server.CORSOrigins) != 2 || len(cfg.Webhooks.URLs) != 1 {
		t.Errorf("lists not applied: cors %v webhooks %v", cfg.Server.CORSOrigins, cfg.Webhooks.URLs)
	}
	if cfg.Keys.Bits != 3072 || cfg.Webhooks.Secret != "s3cret" {
		t.Errorf("env overrides not applied: bits %d secret %q", cfg.Keys.Bits, cfg.Webhooks.Secret)
	}
}

func TestLoad_commaSeparatedEnvList(t *testing.T) {
	t.Setenv("SERVER_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := config.Load(config.New())
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %q", cfg.Server.CORSOrigins)
	}
}

func TestLoad_invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown driver":    {"STORAGE_DRIVER": "mongo"},
		"small key":         {"KEYS_BITS": "1024"},
		"port out of range": {"SERVER_PORT": "70000"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := config.Load(config.New()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad_exampleFile(t *testing.T) {
	v := config.New()
	v.SetConfigFile(filepath.Join("..", "..", "configs", "blockwitness.example.yaml"))
	cfg, err := config.Load(v)
	if err != nil {
		t.Fatalf("Load(example) error: %v", err)
	}
	if cfg.Certificate.IssuerName != "http://localhost:8080" {
		t.Errorf("issuer name should fall back to public url, got %q", cfg.Certificate.IssuerName)
	}
	if cfg.Audit.SMTP.Port != 587 || len(cfg.Audit.AlertEmails) != 0 {
		t.Errorf("unexpected audit settings: %+v", cfg.Audit)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Server.Port != 8086 {
		t.Fatalf("default port = %d", cfg.Server.Port)
	}
	if cfg.Ledger.RetentionDays != 365 {
		t.Fatalf("default retention = %d", cfg.Ledger.RetentionDays)
	}
}

func TestLoadFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  port: 9090
ledger:
  path: /var/lib/governor/ledger.jsonl
  retention_days: 30
approvals:
  step_up_secret: s3cret
  scan_interval: 30s
nats:
  url: nats://localhost:4222
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}
	if cfg.Ledger.Path != "/var/lib/governor/ledger.jsonl" || cfg.Ledger.RetentionDays != 30 {
		t.Fatalf("ledger = %+v", cfg.Ledger)
	}
	if cfg.Approvals.StepUpSecret != "s3cret" || cfg.Approvals.ScanInterval != 30*time.Second {
		t.Fatalf("approvals = %+v", cfg.Approvals)
	}
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Fatalf("nats url = %s", cfg.NATS.URL)
	}
	// Untouched sections keep their defaults.
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Fatalf("read timeout = %v", cfg.Server.ReadTimeout)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("STEP_UP_SECRET", "from-env")
	t.Setenv("NATS_URL", "nats://broker:4222")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}
	if cfg.Approvals.StepUpSecret != "from-env" {
		t.Fatalf("step-up secret = %s", cfg.Approvals.StepUpSecret)
	}
	if cfg.NATS.URL != "nats://broker:4222" {
		t.Fatalf("nats url = %s", cfg.NATS.URL)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	for name, body := range map[string]string{
		"bad port":       "server:\n  port: -1\n",
		"empty path":     "ledger:\n  path: \"\"\n",
		"zero retention": "ledger:\n  retention_days: 0\n",
	} {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadDefaultsWithoutFiles(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "dev" {
		t.Fatalf("environment = %q, want dev", cfg.Environment)
	}
	if cfg.ListenAddr != ":8090" {
		t.Fatalf("listen addr = %q, want :8090", cfg.ListenAddr)
	}
	if cfg.StoreBackend != "sqlite" {
		t.Fatalf("store backend = %q, want sqlite", cfg.StoreBackend)
	}
	if cfg.InitialTokens != 7 || cfg.AutoCap != 10 {
		t.Fatalf("token policy = %d/%d, want 7/10", cfg.InitialTokens, cfg.AutoCap)
	}
	if cfg.RefillZone != "Asia/Seoul" {
		t.Fatalf("refill zone = %q, want Asia/Seoul", cfg.RefillZone)
	}
	if !cfg.AuditEnabled {
		t.Fatalf("audit should default to enabled")
	}
}

func TestLoadEnvironmentFileOverridesSettings(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "config", "setting.ini"), `
[settings]
environment = prod

[defaults]
listen_addr = :7000
initial_tokens = 5
`)
	writeFile(t, filepath.Join(root, "config", "prod", "tokenledger.ini"), `
[server]
listen_addr = :9000

[tokens]
auto_cap = 20
`)

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "prod" {
		t.Fatalf("environment = %q, want prod", cfg.Environment)
	}
	// Environment file wins over settings defaults; untouched keys keep them.
	if cfg.ListenAddr != ":9000" {
		t.Fatalf("listen addr = %q, want :9000", cfg.ListenAddr)
	}
	if cfg.InitialTokens != 5 {
		t.Fatalf("initial tokens = %d, want 5", cfg.InitialTokens)
	}
	if cfg.AutoCap != 20 {
		t.Fatalf("auto cap = %d, want 20", cfg.AutoCap)
	}
}

func TestLoadEnvVarsWinLast(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "config", "setting.ini"), `
[settings]
environment = dev

[defaults]
listen_addr = :7000
store_backend = sqlite
`)
	t.Setenv("TOKENLEDGER_LISTEN_ADDR", ":6000")
	t.Setenv("TOKENLEDGER_STORE_BACKEND", "memory")
	t.Setenv("TOKENLEDGER_AUDIT_ENABLED", "off")

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":6000" {
		t.Fatalf("listen addr = %q, want :6000", cfg.ListenAddr)
	}
	if cfg.StoreBackend != "memory" {
		t.Fatalf("store backend = %q, want memory", cfg.StoreBackend)
	}
	if cfg.AuditEnabled {
		t.Fatalf("expected audit disabled via env override")
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("TOKENLEDGER_STORE_BACKEND", "cassandra")
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatalf("expected unknown backend to be rejected")
	}
}

func TestLoadPostgresRequiresDSN(t *testing.T) {
	t.Setenv("TOKENLEDGER_STORE_BACKEND", "postgres")
	t.Setenv("TOKENLEDGER_POSTGRES_DSN", "")
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatalf("expected postgres without dsn to be rejected")
	}

	t.Setenv("TOKENLEDGER_POSTGRES_DSN", "postgres://ledger:pw@localhost:5432/tokens")
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PostgresDSN == "" {
		t.Fatalf("expected dsn to be carried through")
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	for _, key := range []string{"PDFBOT_STORAGE_ROOT", "PDFBOT_SERVER_ADDRESS", "PDFBOT_DB", "PDFBOT_WEBHOOK_SECRET", "PDFBOT_ADMIN_KEY", "PDFBOT_ADMIN_IDS", "PDFBOT_LOG_LEVEL"} {
		t.Setenv(key, "")
	}
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "config.yaml", `
basic_config:
  storage_root: files
limits:
  max_file_size_mb: 20
  max_concurrent_dispatches: 6
features:
  compress: false
admin:
  ids: [7]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Limits.MaxFileSizeBytes() != 20*1024*1024 {
		t.Fatalf("unexpected size limit %d", cfg.Limits.MaxFileSizeBytes())
	}
	if cfg.Limits.MaxPages != DefaultMaxPages || cfg.Limits.IdleTimeout() != 15*time.Minute {
		t.Fatalf("defaults not applied: %+v", cfg.Limits)
	}
	if cfg.BasicConfig.MaxWorkers < 6 || cfg.BasicConfig.QueueSize != 24 {
		t.Fatalf("pool not sized for the dispatch cap: %+v", cfg.BasicConfig)
	}
	if want := filepath.Join(filepath.Dir(path), "files"); cfg.BasicConfig.StorageRoot != want {
		t.Fatalf("storage root %q, want %q", cfg.BasicConfig.StorageRoot, want)
	}
	if cfg.FeatureEnabled("compress") || !cfg.FeatureEnabled("merge") {
		t.Fatalf("feature flags not honoured")
	}
	if !cfg.IsAdmin(7) || cfg.IsAdmin(8) {
		t.Fatalf("admin ids not loaded")
	}
	if _, ok := cfg.Databases["sqlite3"]; !ok {
		t.Fatalf("default sqlite database missing")
	}
}

func TestLoadJSONWithEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PDFBOT_WEBHOOK_SECRET", "from-env")
	t.Setenv("PDFBOT_ADMIN_IDS", "1, 2,x")
	path := writeConfig(t, "config.json", `{"basic_config": {"server_address": ":9000"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BasicConfig.ServerAddress != ":9000" || cfg.Webhook.Secret != "from-env" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.Admin.IDs) != 2 || !cfg.IsAdmin(2) {
		t.Fatalf("unexpected admin ids %v", cfg.Admin.IDs)
	}
	if cfg.Webhook.HeaderName != "X-Webhook-Secret" {
		t.Fatalf("default header not applied")
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "short.yaml", "limits:\n  session_idle_timeout: 60\n  file_retention: 30\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("retention shorter than idle timeout must be rejected")
	}
	path = writeConfig(t, "feature.yaml", "features:\n  teleport: true\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("unknown feature must be rejected")
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
server:
  address: 127.0.0.1
  port: 9090
  db_path: /tmp/chat-db
security:
  cors:
    allowed_origins: ["https://app.example.com"]
  rate_limit:
    rps: 2.5
    burst: 4
  api_keys:
    frontend: [fk1]
    backend: [bk1, bk2]
  max_body_bytes: 64KB
logging:
  level: debug
chat:
  system_preamble: custom preamble
  fallback_text: custom fallback
  history_window: 7
gateway:
  base_url: https://api.example.com/v1
  api_key: secret
  model: test-model
  timeout: 45s
  max_chunk_bytes: 1MiB
retention:
  enabled: true
  cron: "0 3 * * *"
  period: 720h
  dry_run: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return p
}

func TestLoadParsesFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Addr() != "127.0.0.1:9090" {
		t.Fatalf("addr = %q", cfg.Addr())
	}
	if cfg.Server.DBPath != "/tmp/chat-db" {
		t.Fatalf("db path = %q", cfg.Server.DBPath)
	}
	if cfg.Chat.HistoryWindow != 7 || cfg.Chat.SystemPreamble != "custom preamble" {
		t.Fatalf("chat config = %+v", cfg.Chat)
	}
	if cfg.Gateway.Timeout.Std() != 45*time.Second {
		t.Fatalf("gateway timeout = %v", cfg.Gateway.Timeout.Std())
	}
	if cfg.Gateway.MaxChunkBytes.Int64() != 1<<20 {
		t.Fatalf("max chunk bytes = %d", cfg.Gateway.MaxChunkBytes.Int64())
	}
	if cfg.Security.MaxBodyBytes.Int64() != 64_000 && cfg.Security.MaxBodyBytes.Int64() != 64*1024 {
		t.Fatalf("max body bytes = %d", cfg.Security.MaxBodyBytes.Int64())
	}
	if !cfg.Retention.Enabled || cfg.Retention.Period.Std() != 720*time.Hour {
		t.Fatalf("retention config = %+v", cfg.Retention)
	}
	if len(cfg.Security.APIKeys.Backend) != 2 {
		t.Fatalf("backend keys = %v", cfg.Security.APIKeys.Backend)
	}
}

func TestDurationPlainIntegerIsSeconds(t *testing.T) {
	cfg, err := Load(writeConfig(t, "gateway:\n  timeout: 30\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Gateway.Timeout.Std() != 30*time.Second {
		t.Fatalf("timeout = %v, want 30s", cfg.Gateway.Timeout.Std())
	}
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	if cfg.Chat.HistoryWindow != DefaultHistoryWindow {
		t.Fatalf("history window = %d", cfg.Chat.HistoryWindow)
	}
	if cfg.Chat.SystemPreamble != DefaultSystemPreamble || cfg.Chat.FallbackText != DefaultFallbackText {
		t.Fatal("preamble/fallback defaults not applied")
	}
	if cfg.Gateway.Timeout.Std() != DefaultGatewayTimeout {
		t.Fatalf("gateway timeout = %v", cfg.Gateway.Timeout.Std())
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	t.Setenv("CHATSTREAM_ADDR", "0.0.0.0:7070")
	t.Setenv("CHATSTREAM_GATEWAY_MODEL", "env-model")
	t.Setenv("CHATSTREAM_HISTORY_WINDOW", "3")
	t.Setenv("CHATSTREAM_API_FRONTEND_KEYS", "k1, k2")

	cfg, envUsed, err := LoadEffective(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("LoadEffective failed: %v", err)
	}
	if !envUsed {
		t.Fatal("env overrides not detected")
	}
	if cfg.Addr() != "0.0.0.0:7070" {
		t.Fatalf("addr = %q", cfg.Addr())
	}
	if cfg.Gateway.Model != "env-model" {
		t.Fatalf("model = %q", cfg.Gateway.Model)
	}
	if cfg.Chat.HistoryWindow != 3 {
		t.Fatalf("history window = %d", cfg.Chat.HistoryWindow)
	}
	if len(cfg.Security.APIKeys.Frontend) != 2 || cfg.Security.APIKeys.Frontend[1] != "k2" {
		t.Fatalf("frontend keys = %v", cfg.Security.APIKeys.Frontend)
	}
}

func TestLoadEffectiveMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, _, err := LoadEffective(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadEffective failed: %v", err)
	}
	if cfg.Chat.HistoryWindow != DefaultHistoryWindow {
		t.Fatalf("defaults not applied: %+v", cfg.Chat)
	}
}

func TestRuntimeKeysCopied(t *testing.T) {
	SetRuntime(&RuntimeConfig{
		FrontendKeys: map[string]struct{}{"f": {}},
		BackendKeys:  map[string]struct{}{"b": {}},
		SigningKeys:  map[string]struct{}{"s": {}},
	})
	t.Cleanup(func() { SetRuntime(nil) })

	keys := GetSigningKeys()
	if _, ok := keys["s"]; !ok {
		t.Fatal("signing key missing")
	}
	// Mutating the copy must not touch the runtime set.
	keys["rogue"] = struct{}{}
	if _, ok := GetSigningKeys()["rogue"]; ok {
		t.Fatal("runtime key set leaked by reference")
	}
}

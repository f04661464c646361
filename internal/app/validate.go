package app

import (
	"fmt"
	"os"
	"strings"

	"chatstream/pkg/config"
)

// validateConfig performs quick, fail-fast validation of the effective
// configuration before starting long-running services. Keep checks light
// and focused so callers can surface user-friendly errors.
func validateConfig(cfg *config.Config) error {
	if cfg.Server.DBPath == "" {
		return fmt.Errorf("database path is empty: set --db flag, CHATSTREAM_DB_PATH env, or server.db_path in config")
	}

	cert := cfg.Server.TLS.CertFile
	key := cfg.Server.TLS.KeyFile
	if (cert != "" && key == "") || (cert == "" && key != "") {
		return fmt.Errorf("incomplete TLS configuration: both server.tls.cert_file and server.tls.key_file must be set")
	}
	if cert != "" {
		if _, err := os.Stat(cert); err != nil {
			return fmt.Errorf("tls cert file not accessible: %w", err)
		}
		if _, err := os.Stat(key); err != nil {
			return fmt.Errorf("tls key file not accessible: %w", err)
		}
	}

	if cfg.Gateway.BaseURL != "" && !strings.HasPrefix(cfg.Gateway.BaseURL, "http") {
		return fmt.Errorf("gateway.base_url must be an http(s) URL, got %q", cfg.Gateway.BaseURL)
	}
	if cfg.Gateway.BaseURL != "" && cfg.Gateway.Model == "" {
		return fmt.Errorf("gateway.base_url is set but gateway.model is empty")
	}
	if cfg.Chat.HistoryWindow < 0 {
		return fmt.Errorf("chat.history_window must not be negative")
	}
	return nil
}

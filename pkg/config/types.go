package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`
	Chat      ChatConfig      `yaml:"chat"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig holds http and storage settings.
type ServerConfig struct {
	Address string    `yaml:"address"`
	Port    int       `yaml:"port"`
	DBPath  string    `yaml:"db_path"`
	TLS     TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate configuration.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SecurityConfig holds security related settings.
type SecurityConfig struct {
	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	APIKeys struct {
		Frontend []string `yaml:"frontend"`
		Backend  []string `yaml:"backend"`
	} `yaml:"api_keys"`
	// MaxBodyBytes bounds request bodies on chat endpoints, e.g. "64KB".
	MaxBodyBytes SizeBytes `yaml:"max_body_bytes"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ChatConfig holds the conversation controller tunables. The system
// preamble and fallback text are configuration, not logic.
type ChatConfig struct {
	// SystemPreamble is prepended to every prompt sent to the model.
	SystemPreamble string `yaml:"system_preamble"`
	// FallbackText is persisted as the assistant reply when the model is
	// unavailable or fails mid-stream.
	FallbackText string `yaml:"fallback_text"`
	// HistoryWindow is the number of prior messages included in the prompt.
	HistoryWindow int `yaml:"history_window"`
}

// GatewayConfig configures the model gateway.
type GatewayConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	// Timeout bounds a single streaming completion end to end; a stalled
	// model call would otherwise hold the handler open indefinitely.
	Timeout Duration `yaml:"timeout"`
	// MaxChunkBytes bounds a single streamed event line, e.g. "64KB".
	MaxChunkBytes SizeBytes `yaml:"max_chunk_bytes"`
}

// RetentionConfig holds configuration for the soft-delete purge runner.
type RetentionConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
	// Period is how long a soft-deleted thread is kept before purge.
	Period Duration `yaml:"period"`
	DryRun bool     `yaml:"dry_run"`
}

// Duration wraps time.Duration for YAML parsing of values like "45s" or
// plain integers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	s := strings.TrimSpace(value.Value)
	if s == "" {
		*d = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dd)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// SizeBytes wraps a byte count parsed from human-friendly strings like
// "64KB" or "1MiB", or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(value *yaml.Node) error {
	v := strings.TrimSpace(value.Value)
	if v == "" {
		*s = 0
		return nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		*s = SizeBytes(n)
		return nil
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", v, err)
	}
	*s = SizeBytes(n)
	return nil
}

func (s SizeBytes) Int64() int64 { return int64(s) }

package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when neither file, env nor flags provide a value.
const (
	DefaultHistoryWindow  = 10
	DefaultGatewayTimeout = 120 * time.Second

	DefaultSystemPreamble = "You are a helpful assistant for a catalog of business ideas. " +
		"Answer questions about browsing, evaluating and developing business ideas. " +
		"Keep answers concise and practical; decline topics outside business ideas politely."

	DefaultFallbackText = "Sorry, I can't generate a response right now. " +
		"Please try again in a moment, or ask me about browsing and evaluating business ideas."
)

// RuntimeConfig holds derived runtime key sets that other packages query at
// runtime (populated during startup after merging env+file).
type RuntimeConfig struct {
	FrontendKeys map[string]struct{}
	BackendKeys  map[string]struct{}
	SigningKeys  map[string]struct{}
}

var (
	runtimeMu  sync.RWMutex
	runtimeCfg *RuntimeConfig
)

// SetRuntime sets the canonical runtime config used by the running server.
func SetRuntime(rc *RuntimeConfig) {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	runtimeCfg = rc
}

// GetFrontendKeys returns a copy of configured frontend API keys.
func GetFrontendKeys() map[string]struct{} {
	return copyRuntimeKeys(func(rc *RuntimeConfig) map[string]struct{} { return rc.FrontendKeys })
}

// GetBackendKeys returns a copy of configured backend API keys.
func GetBackendKeys() map[string]struct{} {
	return copyRuntimeKeys(func(rc *RuntimeConfig) map[string]struct{} { return rc.BackendKeys })
}

// GetSigningKeys returns a copy of configured signing keys.
func GetSigningKeys() map[string]struct{} {
	return copyRuntimeKeys(func(rc *RuntimeConfig) map[string]struct{} { return rc.SigningKeys })
}

func copyRuntimeKeys(sel func(*RuntimeConfig) map[string]struct{}) map[string]struct{} {
	runtimeMu.RLock()
	defer runtimeMu.RUnlock()
	out := map[string]struct{}{}
	if runtimeCfg == nil {
		return out
	}
	for k := range sel(runtimeCfg) {
		out[k] = struct{}{}
	}
	return out
}

// Addr returns host:port for the HTTP server.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	p := c.Server.Port
	if p == 0 {
		p = 8080
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

// ApplyDefaults fills zero-valued chat and gateway settings.
func (c *Config) ApplyDefaults() {
	if c.Chat.HistoryWindow <= 0 {
		c.Chat.HistoryWindow = DefaultHistoryWindow
	}
	if strings.TrimSpace(c.Chat.SystemPreamble) == "" {
		c.Chat.SystemPreamble = DefaultSystemPreamble
	}
	if strings.TrimSpace(c.Chat.FallbackText) == "" {
		c.Chat.FallbackText = DefaultFallbackText
	}
	if c.Gateway.Timeout.Std() <= 0 {
		c.Gateway.Timeout = Duration(DefaultGatewayTimeout)
	}
}

// Load reads the YAML config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseCommandFlags defines and parses command-line flags and returns their
// values along with a map indicating which flags were explicitly set.
func ParseCommandFlags() (addr string, dbPath string, cfgPath string, setFlags map[string]bool) {
	addrPtr := flag.String("addr", ":8080", "HTTP listen address")
	dbPtr := flag.String("db", "./.database", "Pebble DB path")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	setFlags = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return *addrPtr, *dbPtr, *cfgPtr, setFlags
}

// LoadEnvOverrides applies environment overrides onto the provided cfg and
// reports whether any env vars were used.
func LoadEnvOverrides(cfg *Config) bool {
	envUsed := false
	parseList := func(v string) []string {
		if v == "" {
			return nil
		}
		var parts []string
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				parts = append(parts, s)
			}
		}
		return parts
	}

	if v := os.Getenv("CHATSTREAM_ADDR"); v != "" {
		envUsed = true
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = v
		}
	}
	if v := os.Getenv("CHATSTREAM_DB_PATH"); v != "" {
		envUsed = true
		cfg.Server.DBPath = v
	}
	if v := os.Getenv("CHATSTREAM_LOG_LEVEL"); v != "" {
		envUsed = true
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CHATSTREAM_CORS_ORIGINS"); v != "" {
		envUsed = true
		cfg.Security.CORS.AllowedOrigins = parseList(v)
	}
	if v := os.Getenv("CHATSTREAM_RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			envUsed = true
			cfg.Security.RateLimit.RPS = f
		}
	}
	if v := os.Getenv("CHATSTREAM_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Security.RateLimit.Burst = n
		}
	}
	if v := os.Getenv("CHATSTREAM_API_FRONTEND_KEYS"); v != "" {
		envUsed = true
		cfg.Security.APIKeys.Frontend = parseList(v)
	}
	if v := os.Getenv("CHATSTREAM_API_BACKEND_KEYS"); v != "" {
		envUsed = true
		cfg.Security.APIKeys.Backend = parseList(v)
	}
	if v := os.Getenv("CHATSTREAM_GATEWAY_URL"); v != "" {
		envUsed = true
		cfg.Gateway.BaseURL = v
	}
	if v := os.Getenv("CHATSTREAM_GATEWAY_KEY"); v != "" {
		envUsed = true
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv("CHATSTREAM_GATEWAY_MODEL"); v != "" {
		envUsed = true
		cfg.Gateway.Model = v
	}
	if v := os.Getenv("CHATSTREAM_GATEWAY_TIMEOUT"); v != "" {
		if dd, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Gateway.Timeout = Duration(dd)
		}
	}
	if v := os.Getenv("CHATSTREAM_HISTORY_WINDOW"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			envUsed = true
			cfg.Chat.HistoryWindow = n
		}
	}
	if c := os.Getenv("CHATSTREAM_TLS_CERT"); c != "" {
		envUsed = true
		cfg.Server.TLS.CertFile = c
	}
	if k := os.Getenv("CHATSTREAM_TLS_KEY"); k != "" {
		envUsed = true
		cfg.Server.TLS.KeyFile = k
	}
	return envUsed
}

// LoadEffective loads config from the given path and applies environment
// overrides and defaults. It returns the effective config and whether env
// vars contributed.
func LoadEffective(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err != nil {
		cfg = &Config{}
	}
	envUsed := LoadEnvOverrides(cfg)
	cfg.ApplyDefaults()
	return cfg, envUsed, nil
}

// ResolveConfigPath decides the config file path using the flag-provided
// value and the CHATSTREAM_CONFIG env var when the flag was not set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("CHATSTREAM_CONFIG"); p != "" {
		return p
	}
	return flagPath
}

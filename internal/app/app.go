package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/joho/godotenv"

	"chatstream/pkg/api/handlers"
	"chatstream/pkg/chat"
	"chatstream/pkg/config"
	"chatstream/pkg/gateway"
	"chatstream/pkg/retention"
	"chatstream/pkg/store"
)

// App encapsulates the server components and lifecycle.
type App struct {
	cfg       *config.Config
	version   string
	commit    string
	buildDate string

	retCancel context.CancelFunc
	srv       *http.Server
}

// New initializes resources that do not require a running context: config
// validation, runtime keys, the store and the chat controller. It does not
// start the HTTP server; call Run to start it and block until shutdown.
func New(cfg *config.Config, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	// validate effective config early and fail fast
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	// runtime keys; backend keys double as signing keys for frontend
	// identity signatures
	runtimeCfg := &config.RuntimeConfig{
		FrontendKeys: map[string]struct{}{},
		BackendKeys:  map[string]struct{}{},
		SigningKeys:  map[string]struct{}{},
	}
	for _, k := range cfg.Security.APIKeys.Frontend {
		runtimeCfg.FrontendKeys[k] = struct{}{}
	}
	for _, k := range cfg.Security.APIKeys.Backend {
		runtimeCfg.BackendKeys[k] = struct{}{}
		runtimeCfg.SigningKeys[k] = struct{}{}
	}
	config.SetRuntime(runtimeCfg)

	if err := store.Open(cfg.Server.DBPath); err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", cfg.Server.DBPath, err)
	}

	initChat(cfg)

	return &App{cfg: cfg, version: version, commit: commit, buildDate: buildDate}, nil
}

// initChat builds the model gateway client and the chat controller, and
// hands them to the chat handlers.
func initChat(cfg *config.Config) {
	var gwOpts []gateway.Option
	if cfg.Gateway.MaxChunkBytes.Int64() > 0 {
		gwOpts = append(gwOpts, gateway.WithMaxChunkBytes(cfg.Gateway.MaxChunkBytes.Int64()))
	}
	client := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.Model, gwOpts...)

	ctrl := chat.NewController(client, chat.Options{
		SystemPreamble: cfg.Chat.SystemPreamble,
		FallbackText:   cfg.Chat.FallbackText,
		HistoryWindow:  cfg.Chat.HistoryWindow,
		GatewayTimeout: cfg.Gateway.Timeout.Std(),
	})

	maxBody := cfg.Security.MaxBodyBytes.Int64()
	handlers.Configure(ctrl, maxBody)
}

// Run starts the retention scheduler and the HTTP server, and blocks until
// ctx is canceled or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Retention.Enabled {
		cancel, err := retention.Start(ctx, a.cfg.Retention)
		if err != nil {
			return fmt.Errorf("retention: %w", err)
		}
		a.retCancel = cancel
	}

	a.printBanner()

	errCh := a.startHTTP(ctx)

	select {
	case <-ctx.Done():
		a.shutdown()
		return nil
	case err := <-errCh:
		a.shutdown()
		return err
	}
}

func (a *App) shutdown() {
	if a.retCancel != nil {
		a.retCancel()
	}
	if a.srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = a.srv.Shutdown(sctx)
	}
	_ = store.Close()
}

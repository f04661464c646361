package app

import (
	"context"
	"net/http"
	"time"

	"chatstream/pkg/api"
	"chatstream/pkg/auth"
	"chatstream/pkg/banner"
	"chatstream/pkg/store"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
)

const shutdownGrace = 10 * time.Second

// printBanner prints the startup banner and build info.
func (a *App) printBanner() {
	verStr := a.version
	if a.commit != "" && a.commit != "none" {
		verStr += " (" + a.commit + ")"
	}
	if a.buildDate != "" && a.buildDate != "unknown" {
		verStr += " @ " + a.buildDate
	}
	banner.Print(a.cfg, verStr)
}

// setupHTTPHandlers sets up all HTTP handlers on the provided mux.
func (a *App) setupHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", healthzHandler)
	mux.HandleFunc("/readyz", a.readyzHandler)
	mux.Handle("/", api.Handler())
	mux.Handle("/docs/", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))
	mux.Handle("/openapi.yaml", http.FileServer(http.Dir("./docs")))
	mux.Handle("/metrics", promhttp.Handler())
}

// readyzHandler reports readiness once the store is open.
func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !store.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready"}`))
		return
	}
	ver := a.version
	if ver == "" {
		ver = "dev"
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok","version":"` + ver + `"}`))
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// startHTTP builds the handler, starts the HTTP server in a goroutine and
// returns a channel that will contain any server error.
func (a *App) startHTTP(_ context.Context) <-chan error {
	mux := http.NewServeMux()
	a.setupHTTPHandlers(mux)

	secCfg := auth.SecConfig{
		AllowedOrigins: append([]string{}, a.cfg.Security.CORS.AllowedOrigins...),
		RPS:            a.cfg.Security.RateLimit.RPS,
		Burst:          a.cfg.Security.RateLimit.Burst,
		FrontendKeys:   map[string]struct{}{},
		BackendKeys:    map[string]struct{}{},
	}
	for _, k := range a.cfg.Security.APIKeys.Frontend {
		secCfg.FrontendKeys[k] = struct{}{}
	}
	for _, k := range a.cfg.Security.APIKeys.Backend {
		secCfg.BackendKeys[k] = struct{}{}
	}

	wrapped := auth.Middleware(secCfg)(mux)

	// streamed replies outlive typical write timeouts, so only the read
	// side is bounded here
	a.srv = &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           wrapped,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		cert := a.cfg.Server.TLS.CertFile
		key := a.cfg.Server.TLS.KeyFile
		if cert != "" && key != "" {
			errCh <- a.srv.ListenAndServeTLS(cert, key)
		} else {
			errCh <- a.srv.ListenAndServe()
		}
	}()
	return errCh
}

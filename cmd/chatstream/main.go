package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"chatstream/internal/app"
	"chatstream/pkg/config"
	"chatstream/pkg/logger"
)

// build metadata - set via ldflags during build/release
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	_ = godotenv.Load(".env")
	addrVal, dbVal, cfgVal, setFlags := config.ParseCommandFlags()

	// file flag wins over env for the config path
	cfgPath := config.ResolveConfigPath(cfgVal, setFlags["config"])

	cfg, _, err := config.LoadEffective(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// flags win over config/env when explicitly provided
	if setFlags["addr"] {
		if h, p, err := net.SplitHostPort(addrVal); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = addrVal
		}
	}
	if setFlags["db"] || cfg.Server.DBPath == "" {
		cfg.Server.DBPath = dbVal
	}

	logger.InitWithLevel(cfg.Logging.Level)

	a, err := app.New(cfg, version, commit, buildDate)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Error("server_exit", "error", err)
		os.Exit(1)
	}
}

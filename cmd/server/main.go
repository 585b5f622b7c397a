// Middleman - group-chat escrow desk
package main

import (
	"context"
	"os"

	"github.com/mbd888/middleman/internal/config"
	"github.com/mbd888/middleman/internal/logging"
	"github.com/mbd888/middleman/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger; replaced by the configured one once config loads
	logger := logging.New("info", "text")

	logger.Info("starting middleman",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	format := "json"
	if cfg.IsDevelopment() {
		format = "text"
	}
	logger = logging.New(cfg.LogLevel, format)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"store", cfg.Driver(),
		"bot", cfg.BotName,
		"admins", len(cfg.AdminIDs),
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

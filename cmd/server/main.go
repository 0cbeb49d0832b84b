// Perimeter - Real-time abuse detection and access control
package main

import (
	"context"
	"os"

	"github.com/mbd888/perimeter/internal/config"
	"github.com/mbd888/perimeter/internal/logging"
	"github.com/mbd888/perimeter/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("starting perimeter",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"max_failed_attempts", cfg.MaxFailedAttempts,
		"time_window", cfg.TimeWindow.String(),
		"ip_cooling_period", cfg.IPCoolingPeriod.String(),
		"user_cooling_period", cfg.UserCoolingPeriod.String(),
	)

	// Create and run server
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

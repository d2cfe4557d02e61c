// Sentinel - real-time transaction fraud risk evaluation
package main

import (
	"context"
	"os"

	"github.com/ecomsec/sentinel/internal/config"
	"github.com/ecomsec/sentinel/internal/logging"
	"github.com/ecomsec/sentinel/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger := logging.New("info", "text")
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, logFormat(cfg))

	logger.Info("starting sentinel",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"eval_deadline", cfg.OverallDeadline,
		"weights", []float64{cfg.RuleWeight, cfg.MLWeight, cfg.ThreatIntelWeight},
	)

	srv, err := server.New(cfg, logger)
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

func logFormat(cfg *config.Config) string {
	if cfg.IsDevelopment() {
		return "text"
	}
	return "json"
}

// Command switchboard runs the agent platform: the message broker, the five
// platform services, and the webhook listener in one process.
//
// All configuration comes from SWITCHBOARD_* environment variables; see
// internal/config for the full set. The only required value is the model
// provider API key:
//
//	SWITCHBOARD_MODEL_API_KEY=... switchboard
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/haasonsaas/switchboard/internal/app"
	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/observability"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "version" || os.Args[1] == "--version") {
		fmt.Printf("switchboard %s (%s)\n", version, commit)
		return
	}

	cfg := config.Load()
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	if err := a.Stop(context.Background()); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
}

// Package main provides the BrewPass Core entry point.
// The core is a platform-agnostic library; this binary wires it up for
// standalone runs and smoke testing against a backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tapcrew/brewpass/core/internal/app"
	"github.com/tapcrew/brewpass/core/internal/lifecycle"
	"github.com/tapcrew/brewpass/core/internal/logging"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	logging.Init(os.Stdout, logLevel())
	fmt.Printf("BrewPass Core v%s\n", Version)

	cfg := configFromEnv()

	a, err := app.New(cfg)
	if err != nil {
		logging.Error("Failed to start core", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.Start(ctx)
	a.Publish(lifecycle.EventForeground)

	// One refresh on launch; afterwards the host app drives refresh cycles.
	refreshCtx, refreshCancel := context.WithTimeout(ctx, time.Minute)
	outcome := a.RefreshAll(refreshCtx)
	refreshCancel()
	if msg := outcome.UserMessage(); msg != "" {
		logging.Warn(msg, nil)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	a.Publish(lifecycle.EventBackground)
	logging.Info("Shutting down", nil)
}

// configFromEnv assembles the app config from environment variables.
func configFromEnv() *app.Config {
	dataDir := os.Getenv("BREWPASS_DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}
	baseURL := os.Getenv("BREWPASS_API_BASE_URL")
	if baseURL == "" {
		baseURL = "https://api.brewpass.example.com"
	}

	return &app.Config{
		DataDir:      dataDir,
		APIBaseURL:   baseURL,
		SessionToken: os.Getenv("BREWPASS_SESSION_TOKEN"),
		CustomerID:   os.Getenv("BREWPASS_CUSTOMER_ID"),
	}
}

func logLevel() logging.LogLevel {
	if os.Getenv("BREWPASS_DEBUG") != "" {
		return logging.LevelDebug
	}
	return logging.LevelInfo
}

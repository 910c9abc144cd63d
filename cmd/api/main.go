package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/bountyrelay/bountyrelay/internal/app"
	"github.com/bountyrelay/bountyrelay/internal/config"
	"github.com/bountyrelay/bountyrelay/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", config.DefaultConfigPath(), "Path to config file")
	envFile := flag.String("env", ".env", "Optional dotenv file loaded before the config")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error loading %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	app.ConfigureLogging(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	a, err := app.New(ctx, cfg, version)
	if err != nil {
		logging.Error("Failed to initialize", logging.Err(err), logging.Component("api"))
		os.Exit(1)
	}

	if err := a.Server.Start(ctx); err != nil {
		logging.Error("Failed to start server", logging.Err(err), logging.Component("api"))
		a.Close()
		os.Exit(1)
	}

	logging.Info("bountyrelay API server started",
		"addr", a.Server.Addr(),
		"version", version,
		"mock_ledger", cfg.Ledger.MockMode,
		"store", cfg.Store.Driver,
		"limits_backend", cfg.Limits.Backend,
		logging.Component("api"))

	sig := <-sigCh
	logging.Info("Shutting down...", "signal", sig.String(), logging.Component("api"))

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := a.Shutdown(shutdownCtx); err != nil {
		logging.Error("Error during shutdown", logging.Err(err), logging.Component("api"))
	}
	logging.Info("Shutdown complete", logging.Component("api"))
}

package app

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"report-runner/internal/common/logging"
	"report-runner/internal/config"
)

// Run is the process entry point: load configuration, wire the app, serve
// until interrupted, then drain gracefully.
func Run() error {
	_ = godotenv.Load()
	runtime.GOMAXPROCS(runtime.NumCPU())

	logging.InitGlobalLogger()
	defer logging.MustSync()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logging.Error("configuration validation failed", err)
		return err
	}

	a, err := New(cfg)
	if err != nil {
		logging.Error("failed to initialize application", err)
		return err
	}
	defer a.Cleanup()

	a.Scheduler.Start()

	srv := a.Server()
	errCh := srv.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logging.Error("server failed", err)
		return err
	case sig := <-quit:
		logging.Info("shutting down", logging.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.Error("graceful shutdown failed", err)
		return err
	}
	return nil
}

package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"gpuledger/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	app := NewApplication()

	if err := app.Initialize(); err != nil {
		logger.FatalCtx(nil, "gpuledger initialization failed: %v", err)
	}
	if err := app.Start(); err != nil {
		logger.FatalCtx(app.ctx, "gpuledger startup failed: %v", err)
	}
	logger.InfoCtx(app.ctx, "gpuledger accounting service is up")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.InfoCtx(app.ctx, "Received signal %v, shutting down", sig)

	if err := app.Shutdown(shutdownTimeout); err != nil {
		logger.ErrorCtx(app.ctx, "Shutdown failed: %v", err)
		os.Exit(1)
	}
	logger.InfoCtx(app.ctx, "gpuledger stopped")
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"custody-service/internal/config"
	"custody-service/internal/database"
	"custody-service/internal/server"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// Load .env (optional)
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, relying on system env vars")
	}

	cfg := config.Load()

	if err := database.RunMigrations(); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	app, err := server.NewApp(cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("custody service listening", zap.String("addr", cfg.HTTPAddr))
		if err := app.HTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := app.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	case err := <-errCh:
		logger.Fatal("server failed", zap.Error(err))
	}
}

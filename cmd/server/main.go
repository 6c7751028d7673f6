package main

import (
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/geochat-live/geochat/internal/hub"
	"github.com/geochat-live/geochat/internal/logging"
	"github.com/geochat-live/geochat/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		// Config failures happen before the logger exists.
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting geochat hub",
		zap.String("port", cfg.Port),
		zap.Strings("allowed_origins", cfg.AllowedOrigins))

	h := hub.NewHub(logger)
	go h.Run()

	pm := server.NewPollManager(h, cfg, logger)
	mux := server.SetupRoutes(h, pm, cfg, logger)
	httpServer := server.CreateServer(cfg.Port, mux)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.Error(err))
		}
	}

	pm.Stop()
	if err := server.ShutdownServer(httpServer, shutdownTimeout); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := h.Shutdown(shutdownTimeout); err != nil {
		logger.Warn("hub shutdown incomplete", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func loadConfig(path string) (*server.Config, error) {
	if path == "" {
		return server.NewConfig(), nil
	}
	return server.Load(path)
}

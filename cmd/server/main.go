package main

import (
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/omochice/toy-broadcast-chat/internal/chat"
	"github.com/omochice/toy-broadcast-chat/internal/config"
	"github.com/omochice/toy-broadcast-chat/internal/logging"
	"github.com/omochice/toy-broadcast-chat/internal/metrics"
	"github.com/omochice/toy-broadcast-chat/internal/server"
)

func main() {
	// Parse command-line flags
	port := flag.String("port", "", "Address to listen on (e.g., :8080); overrides ADDR")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != "" {
		cfg.Addr = *port
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	reg := metrics.NewRegistry()
	hub := chat.NewHub(
		chat.WithLogger(logger),
		chat.WithRecorder(metrics.NewChatMetrics(reg)),
		chat.WithFanoutLimit(cfg.FanoutLimit),
	)
	srv := server.New(cfg, hub,
		server.WithLogger(logger),
		server.WithRegistry(reg),
	)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		logger.Info("starting chat server",
			zap.String("addr", cfg.Addr),
			zap.String("transport", cfg.Transport),
			zap.Bool("admin", cfg.AdminEnabled))
		errChan <- srv.Start()
	}()

	// Wait for either error or shutdown signal
	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, server.ErrServerStopped) {
			logger.Fatal("server error", zap.Error(err))
		}
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", zap.Stringer("signal", sig))
		srv.Stop()
	}

	logger.Info("chat server stopped")
}

package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fred-drake/carapace/internal/config"
	"github.com/fred-drake/carapace/internal/lifecycle"
	"github.com/fred-drake/carapace/internal/server"
	"github.com/fred-drake/carapace/internal/transport"
	"github.com/fred-drake/carapace/internal/transport/ws"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the broker: provision sockets, spawn containers on demand, mediate tool calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if cfg.Gateway.LogFormat == "text" {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)
	}

	runtime := lifecycle.NewDockerRuntime("")

	router := ws.NewRouter()
	publisher := ws.NewPublisher()
	newSubscriber := func() transport.Subscriber { return ws.NewSubscriber() }

	srv := server.New(cfg, runtime, router, publisher, newSubscriber, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		logger.Error("server failed to start", "error", err)
		return err
	}

	logger.Info("carapace serving", "version", Version)
	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownTimeout := time.Duration(cfg.Lifecycle.ShutdownTimeoutMs) * time.Millisecond
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Stop(stopCtx); err != nil {
		logger.Error("server stop failed", "error", err)
		return err
	}
	return nil
}

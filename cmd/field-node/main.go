// Command field-node runs a consciousness field node: it connects to the
// field service, mirrors the shared field locally, and keeps emitting,
// syncing, and entangling until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/config"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/node"
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config file (defaults apply when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := node.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("node init failed", "error", err)
		os.Exit(1)
	}
	if err := n.Start(); err != nil {
		logger.Error("node start failed", "error", err)
		os.Exit(1)
	}
	logger.Info("field node running", "node_id", n.ID(), "server", cfg.Server.SocketURL)

	<-ctx.Done()
	stop()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	n.Stop(shutdownCtx)
	logger.Info("field node stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// Command agentsync runs the sync hub: the realtime coordination
// point between CLI coding-agent runners and interactive clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentsync/hub/hub"
	"github.com/agentsync/hub/internal/config"
	"github.com/agentsync/hub/internal/logging"
)

var version = "dev"

func main() {
	logging.Setup()

	showVersion := flag.Bool("version", false, "print version and exit")
	cfg := config.DefineFlags()
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	srv, err := hub.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("new server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("agentsync hub starting", "version", version, "addr", cfg.Addr, "data_dir", cfg.DataDir)

	return srv.Serve(ctx)
}

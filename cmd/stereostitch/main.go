package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"stereostitch/internal/cli"
	"stereostitch/internal/config"
	"stereostitch/internal/logging"
	"stereostitch/internal/storage"
)

func main() {
	if err := run(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func run() error {
	cfgPath := config.Path()
	cfg, err := config.LoadFile(cfgPath)
	if err != nil {
		return err
	}

	logger, closer, err := logging.Setup(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	store, err := storage.New(cfg.Resolve(cfg.Paths.DatabasePath))
	if err != nil {
		logger.Warn("run history disabled", "path", cfg.Paths.DatabasePath, "error", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.NewRoot(cfg, cfgPath, logger, store)
	return cli.NewRootCmd(root).ExecuteContext(ctx)
}

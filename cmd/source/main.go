// source is the head of a relay chain: it advertises a payload and bumps its
// first data byte every tick.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"

	"github.com/SWAI-Ltd/advchain/internal/cli"
	"github.com/SWAI-Ltd/advchain/internal/mesh"
)

var version = "dev"

func main() {
	flags := cli.Register(flag.CommandLine, false)
	flag.Parse()

	cfg, err := flags.Load()
	if err != nil {
		slog.Error("load configuration", "err", err)
		os.Exit(1)
	}
	log := cli.Logger(cfg)
	if err := cfg.Validate(false); err != nil {
		log.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, cancel := cli.SignalContext()
	defer cancel()

	node, err := mesh.NewSource(ctx, cfg, mesh.Options{Logger: log, Version: version})
	if err != nil {
		log.Error("failed to start source", "err", err)
		os.Exit(1)
	}
	log.Info("source started", "name", node.Name, "identity", node.ID, "boot", node.BootID)

	if err := node.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("source stopped", "err", err)
		os.Exit(1)
	}
	log.Info("source shutting down")
}

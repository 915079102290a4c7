// relay locks onto its predecessor's periodic train and republishes each
// payload on its own schedule.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"

	"github.com/SWAI-Ltd/advchain/internal/cli"
	"github.com/SWAI-Ltd/advchain/internal/config"
	"github.com/SWAI-Ltd/advchain/internal/mesh"
)

var version = "dev"

func main() {
	flags := cli.Register(flag.CommandLine, true)
	flag.Parse()

	cfg, err := flags.Load()
	if err != nil {
		slog.Error("load configuration", "err", err)
		os.Exit(1)
	}
	log := cli.Logger(cfg)
	if err := cfg.Validate(true); errors.Is(err, config.ErrPredecessor) {
		log.Error("predecessor not registered, relay will not lock", "err", err)
	} else if err != nil {
		log.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, cancel := cli.SignalContext()
	defer cancel()

	node, err := mesh.NewRelay(ctx, cfg, mesh.Options{Logger: log, Version: version})
	if err != nil {
		log.Error("failed to start relay", "err", err)
		os.Exit(1)
	}
	log.Info("relay started", "name", node.Name, "identity", node.ID, "boot", node.BootID, "predecessor", cfg.Predecessor)

	if err := node.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("relay stopped", "err", err)
		os.Exit(1)
	}
	log.Info("relay shutting down", "terminations", node.Controller().Terminations())
}

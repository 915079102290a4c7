// Package cli holds the flag and signal plumbing shared by the node binaries.
package cli

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/SWAI-Ltd/advchain/internal/config"
)

// Flags overrides configuration values; only flags set on the command line
// replace file values.
type Flags struct {
	fs          *flag.FlagSet
	path        *string
	name        *string
	id          *string
	seed        *string
	predecessor *string
	medium      *string
	primary     *string
	group       *string
	iface       *string
	monitor     *string
	metrics     *string
	level       *string
}

// Register defines the node flags on fs. relay adds -predecessor.
func Register(fs *flag.FlagSet, relay bool) *Flags {
	f := &Flags{fs: fs}
	f.path = fs.String("config", "", "TOML configuration file")
	f.name = fs.String("name", "", "node name used in logs and metrics")
	f.id = fs.String("identity", "", "static random identity, e.g. DE:AD:BE:AF:BA:11")
	f.seed = fs.String("seed", "", "derive the identity from this seed instead")
	if relay {
		f.predecessor = fs.String("predecessor", "", "identity of the node to relay")
	}
	f.medium = fs.String("medium", "", "link medium (udp)")
	f.primary = fs.String("primary", "", "primary channel: multicast | mdns")
	f.group = fs.String("group", "", "multicast group host:port")
	f.iface = fs.String("iface", "", "multicast interface")
	f.monitor = fs.String("monitor", "", "QUIC monitor listen address (empty disables)")
	f.metrics = fs.String("metrics", "", "metrics listen address (empty disables)")
	f.level = fs.String("log-level", "", "debug | info | warn | error")
	return f
}

// Load reads the configuration file and applies the flags that were set.
func (f *Flags) Load() (*config.Config, error) {
	cfg, err := config.Load(*f.path)
	if err != nil {
		return nil, err
	}
	set := map[string]bool{}
	f.fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	apply := func(name string, dst *string, v *string) {
		if v != nil && set[name] {
			*dst = *v
		}
	}
	apply("name", &cfg.Name, f.name)
	apply("identity", &cfg.Identity, f.id)
	apply("seed", &cfg.IdentitySeed, f.seed)
	apply("predecessor", &cfg.Predecessor, f.predecessor)
	apply("medium", &cfg.Medium.Kind, f.medium)
	apply("primary", &cfg.Medium.Primary, f.primary)
	apply("group", &cfg.Medium.Group, f.group)
	apply("iface", &cfg.Medium.Interface, f.iface)
	apply("monitor", &cfg.MonitorAddr, f.monitor)
	apply("metrics", &cfg.MetricsAddr, f.metrics)
	apply("log-level", &cfg.LogLevel, f.level)
	return cfg, nil
}

// Logger installs a text logger at the configured level as the default.
func Logger(cfg *config.Config) *slog.Logger {
	level, err := cfg.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	l := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(l)
	return l
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sig:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Package mesh assembles a chain node from configuration: link layer,
// identity, broadcaster, role logic, monitor and metrics.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/SWAI-Ltd/advchain/internal/broadcaster"
	"github.com/SWAI-Ltd/advchain/internal/config"
	"github.com/SWAI-Ltd/advchain/internal/identity"
	"github.com/SWAI-Ltd/advchain/internal/monitor"
	"github.com/SWAI-Ltd/advchain/internal/proto"
	"github.com/SWAI-Ltd/advchain/internal/radio"
	"github.com/SWAI-Ltd/advchain/internal/radio/udp"
	"github.com/SWAI-Ltd/advchain/internal/relay"
	"github.com/SWAI-Ltd/advchain/internal/source"
	"github.com/SWAI-Ltd/advchain/internal/telemetry"
)

// Roles.
const (
	RoleSource = "source"
	RoleRelay  = "relay"
)

var (
	// ErrFatal wraps startup failures after which the node cannot run:
	// identity assignment and link layer enable.
	ErrFatal = errors.New("fatal")

	errNoSimStack = errors.New("sim medium requires an injected stack")
)

// Options are the non-configuration inputs of a node.
type Options struct {
	// Stack overrides the medium selected by the configuration.
	Stack   radio.Stack
	Logger  *slog.Logger
	Version string
}

// Node is one running chain member.
type Node struct {
	Role   string
	Name   string
	BootID string
	ID     identity.Identity

	cfg   *config.Config
	stack radio.Stack
	bc    *broadcaster.Broadcaster
	hub   *monitor.Hub
	ctrl  *relay.Controller
	src   *source.Source
	log   *slog.Logger
}

// NewSource brings up the head of a chain.
func NewSource(ctx context.Context, cfg *config.Config, opts Options) (*Node, error) {
	data, err := cfg.InitialData()
	if err != nil {
		return nil, err
	}
	n, err := bringUp(ctx, RoleSource, cfg, opts, proto.NewPayload(data))
	if err != nil {
		return nil, err
	}
	n.src = source.New(n.bc, data, cfg.Source.TickInterval.Duration,
		source.WithName(n.Name),
		source.WithLogger(n.log),
		source.WithOnStep(func(p proto.Payload, steps uint64) {
			n.hub.Relayed(relay.Relayed{Payload: p, Count: steps})
		}),
	)
	return n, nil
}

// NewRelay brings up a relay. A failure to register the predecessor is
// logged and the node still runs; it will simply never lock.
func NewRelay(ctx context.Context, cfg *config.Config, opts Options) (*Node, error) {
	n, err := bringUp(ctx, RoleRelay, cfg, opts, proto.NewPayload([proto.DataLen]byte{}))
	if err != nil {
		return nil, err
	}

	filter := identity.NewFilter(cfg.AcceptCapacity)
	if pred, err := cfg.PredecessorIdentity(); err != nil {
		n.log.Error("predecessor not registered", "err", err)
	} else {
		if err := filter.Accept(pred); err != nil {
			n.log.Error("predecessor not registered", "addr", pred, "err", err)
		}
		if err := n.stack.AcceptListAdd(pred); err != nil {
			n.log.Error("accept list add failed", "addr", pred, "err", err)
		}
	}
	filter.Seal()

	n.ctrl = relay.NewController(n.stack, filter, n.bc, relay.Config{
		Name:             n.Name,
		ScanParams:       cfg.ScanParams(),
		SyncTimeout:      cfg.Sync.Timeout.Duration,
		Skip:             cfg.Sync.Skip,
		EstablishTimeout: cfg.Sync.Establish.Duration,
		RetryDelay:       cfg.Sync.RetryDelay.Duration,
		EventBuffer:      cfg.Sync.EventBuffer,
		Logger:           n.log,
		Observer:         n.hub,
	})
	return n, nil
}

func bringUp(ctx context.Context, role string, cfg *config.Config, opts Options, initial proto.Payload) (*Node, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id, err := cfg.NodeIdentity()
	if err != nil {
		return nil, fmt.Errorf("%w: identity: %v", ErrFatal, err)
	}
	name := cfg.Name
	if name == "" {
		name = role + "-" + id.AddrString()
	}
	bootID := uuid.NewString()
	log := logger.With("node", name, "boot", bootID)

	stack := opts.Stack
	if stack == nil {
		if stack, err = openMedium(cfg, log); err != nil {
			return nil, err
		}
	}
	if err := stack.CreateIdentity(id); err != nil {
		stack.Close()
		return nil, fmt.Errorf("%w: assign identity %s: %v", ErrFatal, id, err)
	}
	if err := stack.Enable(ctx); err != nil {
		stack.Close()
		return nil, fmt.Errorf("%w: enable link layer: %v", ErrFatal, err)
	}
	log.Info("link layer enabled", "role", role, "identity", id)

	bc := broadcaster.New(stack, initial, log)
	if err := bc.Configure(cfg.AdvParams()); err != nil {
		log.Error("advertising configuration rejected", "err", err)
	}

	telemetry.SetBuildInfo(opts.Version, bootID)
	return &Node{
		Role:   role,
		Name:   name,
		BootID: bootID,
		ID:     id,
		cfg:    cfg,
		stack:  stack,
		bc:     bc,
		hub:    monitor.NewHub(name, bootID, log),
		log:    log,
	}, nil
}

func openMedium(cfg *config.Config, log *slog.Logger) (radio.Stack, error) {
	switch cfg.Medium.Kind {
	case config.MediumUDP:
		return udp.New(udp.Config{
			Group:     cfg.Medium.Group,
			Interface: cfg.Medium.Interface,
			TTL:       cfg.Medium.TTL,
			Loopback:  cfg.Medium.Loopback,
			Primary:   cfg.Medium.Primary,
			Logger:    log,
		})
	case config.MediumSim:
		return nil, errNoSimStack
	default:
		return nil, fmt.Errorf("unknown medium %q", cfg.Medium.Kind)
	}
}

// Broadcaster exposes the node's outbound schedule.
func (n *Node) Broadcaster() *broadcaster.Broadcaster { return n.bc }

// Controller is nil on a source.
func (n *Node) Controller() *relay.Controller { return n.ctrl }

// Hub is the node's monitor fan-out.
func (n *Node) Hub() *monitor.Hub { return n.hub }

// Run serves the monitor and metrics endpoints when configured, then runs
// the role until ctx is done. The link layer is closed on return.
func (n *Node) Run(ctx context.Context) error {
	defer func() {
		if err := n.stack.Close(); err != nil {
			n.log.Warn("link layer close failed", "err", err)
		}
	}()

	if addr := n.cfg.MonitorAddr; addr != "" {
		srv, err := n.hub.Serve(ctx, addr)
		if err != nil {
			return fmt.Errorf("monitor: %w", err)
		}
		defer srv.Close()
	}
	if addr := n.cfg.MetricsAddr; addr != "" {
		go func() {
			n.log.Info("metrics listening", "addr", addr)
			if err := telemetry.Serve(addr); err != nil {
				n.log.Error("metrics server stopped", "err", err)
			}
		}()
	}

	if n.ctrl != nil {
		return n.ctrl.Run(ctx)
	}
	return n.src.Run(ctx)
}

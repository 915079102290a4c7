// Package source drives the head of a chain: a node that owns the payload
// and bumps its first data byte on every tick.
package source

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/SWAI-Ltd/advchain/internal/broadcaster"
	"github.com/SWAI-Ltd/advchain/internal/proto"
	"github.com/SWAI-Ltd/advchain/internal/telemetry"
)

// DefaultTick matches the periodic interval of the reference deployment.
const DefaultTick = time.Second

// DefaultData is the payload a source starts from when none is configured.
var DefaultData = [proto.DataLen]byte{0x00, 0x01, 0x02, 0x03}

// Source owns the chain payload.
type Source struct {
	bc   *broadcaster.Broadcaster
	tick time.Duration
	name string
	log  *slog.Logger

	onStep func(proto.Payload, uint64)

	mu      sync.Mutex
	payload proto.Payload
	steps   uint64
}

// Option tunes a Source.
type Option func(*Source)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.log = l }
}

// WithName sets the node label used in metrics.
func WithName(name string) Option {
	return func(s *Source) { s.name = name }
}

// WithOnStep registers fn to be called after every accepted step with the
// new payload and the step count.
func WithOnStep(fn func(proto.Payload, uint64)) Option {
	return func(s *Source) { s.onStep = fn }
}

// New returns a source that will transmit initial through bc. bc should be
// configured but not started; Run starts it.
func New(bc *broadcaster.Broadcaster, initial [proto.DataLen]byte, tick time.Duration, opts ...Option) *Source {
	if tick <= 0 {
		tick = DefaultTick
	}
	s := &Source{
		bc:      bc,
		tick:    tick,
		name:    "source",
		log:     slog.Default(),
		payload: proto.NewPayload(initial),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("node", s.name)
	return s
}

// Payload returns the payload last handed to the broadcaster.
func (s *Source) Payload() proto.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payload
}

// Steps returns the number of successful steps.
func (s *Source) Steps() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps
}

// Step increments data[0], wrapping at 0xFF, and pushes the result to the
// broadcaster. A rejected update leaves the previous payload on air and the
// counter unchanged.
func (s *Source) Step() error {
	s.mu.Lock()
	next := s.payload
	next.Data[0]++
	s.mu.Unlock()

	if err := s.bc.UpdatePayload(next); err != nil {
		return err
	}

	s.mu.Lock()
	s.payload = next
	s.steps++
	n := s.steps
	s.mu.Unlock()
	telemetry.SourceTicks.WithLabelValues(s.name).Inc()
	s.log.Debug("payload updated", "payload", next.String())
	if s.onStep != nil {
		s.onStep(next, n)
	}
	return nil
}

// Run starts the schedule and steps every tick until ctx is done.
func (s *Source) Run(ctx context.Context) error {
	if err := s.bc.Start(); err != nil {
		telemetry.BroadcasterStarts.WithLabelValues(s.name, "error").Inc()
		return err
	}
	telemetry.BroadcasterStarts.WithLabelValues(s.name, "ok").Inc()
	s.log.Info("source advertising", "payload", s.Payload().String(), "tick", s.tick)

	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := s.Step(); err != nil {
				s.log.Warn("payload update failed", "err", err)
			}
		}
	}
}

// Package broadcaster owns a node's outbound periodic schedule and the
// payload it carries.
package broadcaster

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/SWAI-Ltd/advchain/internal/proto"
	"github.com/SWAI-Ltd/advchain/internal/radio"
)

var (
	ErrConfiguration   = errors.New("broadcaster: schedule configuration rejected")
	ErrNotConfigured   = errors.New("broadcaster: not configured")
	ErrPayloadRejected = errors.New("broadcaster: payload rejected")
)

// Broadcaster is a thin owner of one advertising set. It does not guard
// against repeated starts; callers decide when Start is legal.
type Broadcaster struct {
	stack radio.Stack
	log   *slog.Logger

	mu      sync.Mutex
	set     radio.AdvertisingSet
	payload proto.Payload
	starts  int
	updates uint64
}

// New returns a broadcaster that will transmit initial until updated.
func New(stack radio.Stack, initial proto.Payload, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{stack: stack, payload: initial, log: logger}
}

// Configure creates the advertising set. On failure the previous set, if
// any, stays in place.
func (b *Broadcaster) Configure(p radio.AdvParams) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	set, err := b.stack.CreateAdvertiser(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	b.mu.Lock()
	b.set = set
	b.mu.Unlock()
	b.log.Debug("advertising set created",
		"sid", p.SID, "interval", p.AdvInterval(), "periodic_interval", p.PeriodicInterval())
	return nil
}

// Start loads the current payload and starts the schedule.
func (b *Broadcaster) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.set == nil {
		return ErrNotConfigured
	}
	if err := b.set.SetData(b.payload.Record()); err != nil {
		return fmt.Errorf("set periodic data: %w", err)
	}
	if err := b.set.Start(); err != nil {
		return fmt.Errorf("start advertising: %w", err)
	}
	b.starts++
	b.log.Info("advertising started", "payload", b.payload.String())
	return nil
}

// UpdatePayload replaces the content of subsequent frames. When the medium
// rejects the data the previous payload stays in effect.
func (b *Broadcaster) UpdatePayload(p proto.Payload) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.set == nil {
		return ErrNotConfigured
	}
	if err := b.set.SetData(p.Record()); err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadRejected, err)
	}
	b.payload = p
	b.updates++
	return nil
}

// Payload returns the payload currently on the schedule.
func (b *Broadcaster) Payload() proto.Payload {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.payload
}

// Starts returns how many schedules Start actually began. Failed starts
// are not counted.
func (b *Broadcaster) Starts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts
}

// Updates returns the number of accepted payload updates.
func (b *Broadcaster) Updates() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updates
}

// Package relay implements the relay node state machine: discover the
// predecessor, lock onto its periodic train, start the node's own schedule
// once, republish every received payload, and start over when lock is lost.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/SWAI-Ltd/advchain/internal/broadcaster"
	"github.com/SWAI-Ltd/advchain/internal/identity"
	"github.com/SWAI-Ltd/advchain/internal/proto"
	"github.com/SWAI-Ltd/advchain/internal/radio"
	"github.com/SWAI-Ltd/advchain/internal/scanner"
	"github.com/SWAI-Ltd/advchain/internal/telemetry"
)

const (
	DefaultSyncTimeout      = 5 * time.Second
	DefaultEstablishTimeout = 20 * time.Second
	DefaultRetryDelay       = time.Second
	DefaultEventBuffer      = 32
)

// ErrRunning is returned by a second call to Run.
var ErrRunning = errors.New("relay: controller already running")

// State of the controller.
type State int

const (
	StateDiscovering State = iota
	StateSessionPending
	StateSynced
	StateLost
)

var stateNames = []string{"discovering", "session_pending", "synced", "lost"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Transition is reported to the Observer on every state change.
type Transition struct {
	From, To           State
	Target             identity.Identity
	Terminations       uint64
	BroadcasterStarted bool
	At                 time.Time
}

// Relayed is reported to the Observer for every payload placed on the
// outbound schedule.
type Relayed struct {
	From    identity.Identity
	Payload proto.Payload
	Count   uint64
	At      time.Time
}

// Observer receives controller notifications on the loop goroutine. It must
// not block.
type Observer interface {
	Transition(Transition)
	Relayed(Relayed)
}

// Config for a Controller. Zero values select the defaults.
type Config struct {
	Name       string
	ScanParams radio.ScanParams
	// SyncTimeout is the link layer supervision timeout of a session.
	SyncTimeout time.Duration
	Skip        uint16
	// EstablishTimeout bounds the wait for lock after a session is created.
	EstablishTimeout time.Duration
	// RetryDelay paces retries after the medium rejects a scan start or a
	// sync creation. Establishment timeouts retry immediately.
	RetryDelay  time.Duration
	EventBuffer int
	Tag         uint16
	Logger      *slog.Logger
	Observer    Observer
}

func (c *Config) setDefaults() {
	if c.ScanParams == (radio.ScanParams{}) {
		c.ScanParams = radio.DefaultScanParams()
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = DefaultSyncTimeout
	}
	if c.EstablishTimeout <= 0 {
		c.EstablishTimeout = DefaultEstablishTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.Tag == 0 {
		c.Tag = proto.SchemaTag
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Snapshot is a consistent view of controller state.
type Snapshot struct {
	State              State
	Target             identity.Identity
	Session            uint64
	Terminations       uint64
	PendingTimeouts    uint64
	Established        uint64
	Relayed            uint64
	UpdateFailures     uint64
	Dropped            uint64
	BroadcasterStarted bool
}

type pendingOutcome int

const (
	outcomeEstablished pendingOutcome = iota
	outcomeTimeout
	outcomeFailed
)

// Controller is the relay state machine. All relay state is owned by the
// goroutine running Run; callbacks only enqueue events.
type Controller struct {
	cfg    Config
	stack  radio.Stack
	filter *identity.Filter
	bc     *broadcaster.Broadcaster
	scan   *scanner.Scanner
	log    *slog.Logger

	events  chan Event
	done    chan struct{}
	running atomic.Bool

	// loop owned
	session     *SyncSession
	nextSession uint64
	started     bool
	state       State

	warn rate.Sometimes

	mu   sync.Mutex
	snap Snapshot
}

// NewController wires a controller to its collaborators. filter should be
// sealed; bc should be configured but not started.
func NewController(stack radio.Stack, filter *identity.Filter, bc *broadcaster.Broadcaster, cfg Config) *Controller {
	cfg.setDefaults()
	c := &Controller{
		cfg:    cfg,
		stack:  stack,
		filter: filter,
		bc:     bc,
		log:    cfg.Logger.With("node", cfg.Name),
		events: make(chan Event, cfg.EventBuffer),
		done:   make(chan struct{}),
		warn:   rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	c.scan = scanner.New(stack, filter, cfg.ScanParams, c.onCandidate, c.log)
	return c
}

// Snapshot returns the current state and counters.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Terminations returns the number of sync losses in this power cycle.
func (c *Controller) Terminations() uint64 {
	return c.Snapshot().Terminations
}

// deliver enqueues a control event. Control events are never dropped.
func (c *Controller) deliver(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// offer enqueues a data event without blocking the caller.
func (c *Controller) offer(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

func (c *Controller) onCandidate(cand scanner.Candidate) {
	c.deliver(CandidateFound{Candidate: cand})
}

func (c *Controller) callbacks(id uint64) radio.SyncCallbacks {
	return radio.SyncCallbacks{
		Synced: func(info radio.SyncInfo) {
			c.deliver(Established{Session: id, Info: info})
		},
		Recv: func(info radio.RecvInfo) {
			if !c.offer(Received{Session: id, From: info.Addr, Data: info.Data}) {
				c.update(func(s *Snapshot) { s.Dropped++ })
				telemetry.DroppedEvents.WithLabelValues(c.cfg.Name).Inc()
			}
		},
		Terminated: func(info radio.TermInfo) {
			c.deliver(Lost{Session: id, Info: info})
		},
	}
}

// Run drives the state machine until ctx is done. A relay has no other exit:
// every failure path leads back to discovery.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(c.done)
	defer c.shutdown()

	c.log.Info("relay controller starting", "accept", c.filter.Accepted())
	for {
		cand, err := c.discover(ctx)
		if err != nil {
			return err
		}
		outcome, err := c.establish(ctx, cand)
		if err != nil {
			return err
		}
		if outcome != outcomeEstablished {
			continue
		}
		if err := c.relay(ctx); err != nil {
			return err
		}
	}
}

// discover runs the Discovering state: scanner on, first matching candidate
// of the round wins.
func (c *Controller) discover(ctx context.Context) (scanner.Candidate, error) {
	c.transition(StateDiscovering)
	for {
		if err := c.scan.Start(); err != nil {
			c.log.Error("start scanning failed", "err", err)
			if err := sleep(ctx, c.cfg.RetryDelay); err != nil {
				return scanner.Candidate{}, err
			}
			continue
		}
		break
	}
	c.log.Info("waiting for periodic advertiser")

	round := c.scan.Round()
	for {
		select {
		case <-ctx.Done():
			return scanner.Candidate{}, ctx.Err()
		case ev := <-c.events:
			found, ok := ev.(CandidateFound)
			if !ok {
				c.ignore(ev)
				continue
			}
			if found.Candidate.Round != round {
				telemetry.Candidates.WithLabelValues(c.cfg.Name, "stale").Inc()
				continue
			}
			telemetry.Candidates.WithLabelValues(c.cfg.Name, "accepted").Inc()
			c.log.Info("found periodic advertising",
				"addr", found.Candidate.Addr, "sid", found.Candidate.SID, "interval", found.Candidate.Interval)
			return found.Candidate, nil
		}
	}
}

// establish runs the SessionPending state.
func (c *Controller) establish(ctx context.Context, cand scanner.Candidate) (pendingOutcome, error) {
	if err := c.scan.Stop(); err != nil {
		c.log.Warn("stop scanning failed", "err", err)
	}

	c.nextSession++
	s := &SyncSession{
		ID:      c.nextSession,
		Target:  cand.Addr,
		SID:     cand.SID,
		Skip:    c.cfg.Skip,
		Timeout: c.cfg.SyncTimeout,
		Created: time.Now(),
	}
	if err := s.open(c.stack, c.callbacks(s.ID)); err != nil {
		c.log.Error("periodic sync creation failed", "addr", s.Target, "err", err)
		return outcomeFailed, sleep(ctx, c.cfg.RetryDelay)
	}
	c.session = s
	c.update(func(snap *Snapshot) {
		snap.Target = s.Target
		snap.Session = s.ID
	})
	c.transition(StateSessionPending)
	c.log.Info("periodic sync creation started", "session", s.ID, "addr", s.Target, "sid", s.SID)

	timer := time.NewTimer(c.cfg.EstablishTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-timer.C:
			c.log.Warn("periodic sync not established, deleting", "session", s.ID, "after", c.cfg.EstablishTimeout)
			if err := s.Delete(); err != nil {
				c.log.Error("delete periodic sync failed", "session", s.ID, "err", err)
			}
			c.session = nil
			c.update(func(snap *Snapshot) { snap.PendingTimeouts++ })
			telemetry.PendingTimeouts.WithLabelValues(c.cfg.Name).Inc()
			return outcomeTimeout, nil
		case ev := <-c.events:
			switch ev := ev.(type) {
			case Established:
				if ev.Session != s.ID {
					c.ignore(ev)
					continue
				}
				s.established(ev.Info)
				c.update(func(snap *Snapshot) { snap.Established++ })
				telemetry.SyncsEstablished.WithLabelValues(c.cfg.Name).Inc()
				c.log.Info("periodic sync established",
					"session", s.ID, "addr", ev.Info.Addr, "interval", ev.Info.Interval, "phy", ev.Info.PHY)
				return outcomeEstablished, nil
			case Lost:
				if ev.Session != s.ID {
					c.ignore(ev)
					continue
				}
				// setup failure: the handle is gone, nothing to delete
				s.terminated()
				c.session = nil
				c.log.Warn("periodic sync failed before lock", "session", s.ID, "reason", ev.Info.Reason)
				return outcomeFailed, nil
			default:
				c.ignore(ev)
			}
		}
	}
}

// relay runs the Synced state until the session is lost.
func (c *Controller) relay(ctx context.Context) error {
	s := c.session
	if err := c.scan.Stop(); err != nil {
		c.log.Warn("stop scanning failed", "err", err)
	}
	if !c.started {
		c.started = true
		c.update(func(snap *Snapshot) { snap.BroadcasterStarted = true })
		if err := c.bc.Start(); err != nil {
			c.log.Error("start advertising failed", "err", err)
			telemetry.BroadcasterStarts.WithLabelValues(c.cfg.Name, "error").Inc()
		} else {
			telemetry.BroadcasterStarts.WithLabelValues(c.cfg.Name, "ok").Inc()
		}
	}
	c.transition(StateSynced)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.events:
			switch ev := ev.(type) {
			case Received:
				if ev.Session != s.ID {
					c.ignore(ev)
					continue
				}
				c.onReceived(ev)
			case Lost:
				if ev.Session != s.ID {
					c.ignore(ev)
					continue
				}
				s.terminated()
				c.session = nil
				var n uint64
				c.update(func(snap *Snapshot) {
					snap.Terminations++
					n = snap.Terminations
				})
				telemetry.Terminations.WithLabelValues(c.cfg.Name).Inc()
				c.log.Warn("periodic sync lost", "session", s.ID, "reason", ev.Info.Reason, "terminations", n)
				c.transition(StateLost)
				return nil
			default:
				c.ignore(ev)
			}
		}
	}
}

func (c *Controller) onReceived(ev Received) {
	p, err := Transform(ev.Data, c.cfg.Tag)
	if err != nil {
		telemetry.PayloadUpdates.WithLabelValues(c.cfg.Name, "malformed").Inc()
		c.warn.Do(func() { c.log.Warn("discarding periodic data", "from", ev.From, "len", len(ev.Data), "err", err) })
		return
	}
	if err := c.bc.UpdatePayload(p); err != nil {
		c.update(func(snap *Snapshot) { snap.UpdateFailures++ })
		telemetry.PayloadUpdates.WithLabelValues(c.cfg.Name, "rejected").Inc()
		c.warn.Do(func() { c.log.Error("set periodic advertising data failed", "err", err) })
		return
	}
	var n, terms uint64
	c.update(func(snap *Snapshot) {
		snap.Relayed++
		n, terms = snap.Relayed, snap.Terminations
	})
	telemetry.PayloadUpdates.WithLabelValues(c.cfg.Name, "ok").Inc()
	c.log.Debug("periodic data relayed", "from", ev.From, "payload", p.String(), "sync_lost_count", terms)
	if c.cfg.Observer != nil {
		c.cfg.Observer.Relayed(Relayed{From: ev.From, Payload: p, Count: n, At: time.Now()})
	}
}

func (c *Controller) ignore(ev Event) {
	c.log.Debug("ignoring stale event", "state", c.state, "event", eventName(ev))
}

func (c *Controller) transition(to State) {
	from := c.state
	c.state = to
	var snap Snapshot
	c.update(func(s *Snapshot) {
		s.State = to
		snap = *s
	})
	telemetry.SetRelayState(c.cfg.Name, to.String(), stateNames)
	if c.cfg.Observer != nil {
		c.cfg.Observer.Transition(Transition{
			From:               from,
			To:                 to,
			Target:             snap.Target,
			Terminations:       snap.Terminations,
			BroadcasterStarted: snap.BroadcasterStarted,
			At:                 time.Now(),
		})
	}
}

func (c *Controller) update(fn func(*Snapshot)) {
	c.mu.Lock()
	fn(&c.snap)
	c.mu.Unlock()
}

// shutdown releases link layer resources when Run exits.
func (c *Controller) shutdown() {
	if err := c.scan.Stop(); err != nil {
		c.log.Warn("stop scanning failed", "err", err)
	}
	if c.session != nil {
		if err := c.session.Delete(); err != nil {
			c.log.Warn("delete periodic sync failed", "session", c.session.ID, "err", err)
		}
		c.session = nil
	}
}

func eventName(ev Event) string {
	switch ev.(type) {
	case CandidateFound:
		return "candidate_found"
	case Established:
		return "established"
	case Received:
		return "received"
	case Lost:
		return "lost"
	default:
		return "unknown"
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

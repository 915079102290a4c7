// Package udp is a radio.Stack over IPv4 multicast. Every advertising set
// sends its periodic train as datagrams to one group; the primary channel is
// carried either by beacon datagrams on the same group or by mDNS service
// records.
package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/SWAI-Ltd/advchain/internal/discovery"
	"github.com/SWAI-Ltd/advchain/internal/identity"
	"github.com/SWAI-Ltd/advchain/internal/proto"
	"github.com/SWAI-Ltd/advchain/internal/radio"
)

const (
	DefaultGroup = "239.255.89.1:47089"

	PrimaryMulticast = "multicast"
	PrimaryMDNS      = "mdns"

	superviseEvery = 100 * time.Millisecond
	maxDatagram    = 1500
)

// Config for a Stack.
type Config struct {
	Group     string
	Interface string
	TTL       int
	Loopback  bool
	Primary   string
	Logger    *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.TTL <= 0 {
		c.TTL = 1
	}
	if c.Primary == "" {
		c.Primary = PrimaryMulticast
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type seenKey struct {
	addr identity.Identity
	sid  uint8
}

// Stack implements radio.Stack. All state is guarded by mu; callbacks are
// invoked after mu is released.
type Stack struct {
	cfg   Config
	log   *slog.Logger
	group *net.UDPAddr

	mu      sync.Mutex
	id      identity.Identity
	hasID   bool
	enabled bool
	closed  bool
	accept  map[identity.Identity]bool
	sets    []*advSet

	scanning    bool
	scanParams  radio.ScanParams
	scanHandler radio.ScanHandler
	seen        map[seenKey]bool
	adverts     map[seenKey]discovery.Advert

	syncs []*syncHandle

	conn    net.PacketConn
	pc      *ipv4.PacketConn
	browser *discovery.Browser
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ radio.Stack = (*Stack)(nil)

// New validates cfg; no socket is opened before Enable.
func New(cfg Config) (*Stack, error) {
	cfg.setDefaults()
	group, err := net.ResolveUDPAddr("udp4", cfg.Group)
	if err != nil {
		return nil, fmt.Errorf("udp: group %q: %w", cfg.Group, err)
	}
	if !group.IP.IsMulticast() {
		return nil, fmt.Errorf("udp: %s is not a multicast group", group)
	}
	if cfg.Primary != PrimaryMulticast && cfg.Primary != PrimaryMDNS {
		return nil, fmt.Errorf("udp: unknown primary channel %q", cfg.Primary)
	}
	return &Stack{
		cfg:     cfg,
		log:     cfg.Logger,
		group:   group,
		accept:  make(map[identity.Identity]bool),
		seen:    make(map[seenKey]bool),
		adverts: make(map[seenKey]discovery.Advert),
	}, nil
}

func (s *Stack) live() bool { return s.enabled && !s.closed }

func (s *Stack) CreateIdentity(id identity.Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled {
		return radio.ErrEnabled
	}
	s.id, s.hasID = id, true
	return nil
}

// Enable joins the multicast group and starts the receive and supervision
// loops.
func (s *Stack) Enable(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return radio.ErrClosed
	case s.enabled:
		return radio.ErrEnabled
	case !s.hasID:
		return radio.ErrNoIdentity
	}

	var ifi *net.Interface
	if s.cfg.Interface != "" {
		i, err := net.InterfaceByName(s.cfg.Interface)
		if err != nil {
			return fmt.Errorf("udp: interface %q: %w", s.cfg.Interface, err)
		}
		ifi = i
	}
	lc := net.ListenConfig{Control: reuse}
	conn, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", s.group.Port))
	if err != nil {
		return fmt.Errorf("udp: listen: %w", err)
	}
	pc := ipv4.NewPacketConn(conn)
	if err := setupMulticast(pc, ifi, s.group, s.cfg); err != nil {
		conn.Close()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	if s.cfg.Primary == PrimaryMDNS {
		b, err := discovery.Browse(s.onAdvert)
		if err != nil {
			cancel()
			conn.Close()
			return err
		}
		s.browser = b
		s.wg.Add(1)
		go s.replayLoop(loopCtx)
	}

	s.conn, s.pc, s.cancel = conn, pc, cancel
	s.enabled = true
	s.wg.Add(2)
	go s.readLoop()
	go s.superviseLoop(loopCtx)
	s.log.Info("multicast medium enabled", "group", s.group.String(), "primary", s.cfg.Primary, "identity", s.id)
	return nil
}

func setupMulticast(pc *ipv4.PacketConn, ifi *net.Interface, group *net.UDPAddr, cfg Config) error {
	if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: group.IP}); err != nil {
		return fmt.Errorf("udp: join %s: %w", group.IP, err)
	}
	if ifi != nil {
		if err := pc.SetMulticastInterface(ifi); err != nil {
			return fmt.Errorf("udp: multicast interface: %w", err)
		}
	}
	if err := pc.SetMulticastTTL(cfg.TTL); err != nil {
		return fmt.Errorf("udp: multicast ttl: %w", err)
	}
	if err := pc.SetMulticastLoopback(cfg.Loopback); err != nil {
		return fmt.Errorf("udp: multicast loopback: %w", err)
	}
	return nil
}

func (s *Stack) AcceptListAdd(id identity.Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accept[id] = true
	return nil
}

func (s *Stack) CreateAdvertiser(p radio.AdvParams) (radio.AdvertisingSet, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live() {
		return nil, radio.ErrNotEnabled
	}
	set := &advSet{stack: s, params: p}
	s.sets = append(s.sets, set)
	return set, nil
}

func (s *Stack) StartScan(p radio.ScanParams, h radio.ScanHandler) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("%w: nil scan handler", radio.ErrInvalidParam)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live() {
		return radio.ErrNotEnabled
	}
	if s.scanning {
		return radio.ErrAlready
	}
	s.scanning = true
	s.scanParams = p
	s.scanHandler = h
	clear(s.seen)
	return nil
}

func (s *Stack) StopScan() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.scanning {
		return radio.ErrAlready
	}
	s.scanning = false
	s.scanHandler = nil
	return nil
}

func (s *Stack) CreateSync(p radio.SyncParams, cb radio.SyncCallbacks) (radio.Sync, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live() {
		return nil, radio.ErrNotEnabled
	}
	for _, h := range s.syncs {
		if !h.established {
			return nil, radio.ErrBusy
		}
	}
	h := &syncHandle{stack: s, params: p, cb: cb, index: len(s.syncs) + 1}
	s.syncs = append(s.syncs, h)
	return h, nil
}

// Close stops all loops, withdraws mDNS records and leaves the group.
func (s *Stack) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.scanning = false
	s.syncs = nil
	sets := append([]*advSet(nil), s.sets...)
	conn, browser, cancel := s.conn, s.browser, s.cancel
	s.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
	}
	for _, set := range sets {
		set.stop()
	}
	if browser != nil {
		errs = append(errs, browser.Close())
	}
	if conn != nil {
		errs = append(errs, conn.Close())
	}
	s.wg.Wait()
	return errors.Join(errs...)
}

func (s *Stack) send(e *proto.Envelope) error {
	b, err := e.MarshalBinary()
	if err != nil {
		return err
	}
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return radio.ErrNotEnabled
	}
	_, err = pc.WriteTo(b, nil, s.group)
	return err
}

func (s *Stack) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("multicast read failed", "err", err)
			continue
		}
		s.handle(buf[:n], time.Now())
	}
}

// handle processes one datagram. Data handed to callbacks is copied.
func (s *Stack) handle(b []byte, now time.Time) {
	var e proto.Envelope
	if err := e.UnmarshalBinary(b); err != nil {
		return
	}
	var out []func()
	s.mu.Lock()
	if !s.live() || e.Sender == s.id {
		s.mu.Unlock()
		return
	}
	switch e.Kind {
	case proto.KindExtended:
		out = s.primaryLocked(e.Sender, e.SID, e.Interval)
	case proto.KindPeriodic:
		out = s.periodicLocked(&e, now)
	}
	s.mu.Unlock()
	run(out)
}

func (s *Stack) primaryLocked(sender identity.Identity, sid uint8, interval uint16) []func() {
	if !s.scanning {
		return nil
	}
	if s.scanParams.FilterAcceptList && !s.accept[sender] {
		return nil
	}
	k := seenKey{sender, sid}
	if s.scanParams.FilterDuplicates && s.seen[k] {
		return nil
	}
	s.seen[k] = true
	rep := radio.ScanReport{Addr: sender, SID: sid, Interval: interval}
	h := s.scanHandler
	return []func(){func() { h(rep) }}
}

func (s *Stack) periodicLocked(e *proto.Envelope, now time.Time) []func() {
	var out []func()
	for _, h := range s.syncs {
		if h.params.Addr != e.Sender || h.params.SID != e.SID {
			continue
		}
		h.lastHeard = now
		cb := h.cb
		if !h.established {
			h.established = true
			info := radio.SyncInfo{Addr: e.Sender, SID: e.SID, Interval: e.Interval, PHY: radio.PHY1M}
			if cb.Synced != nil {
				out = append(out, func() { cb.Synced(info) })
			}
		}
		h.events++
		if (h.events-1)%(uint64(h.params.Skip)+1) != 0 || cb.Recv == nil {
			continue
		}
		info := radio.RecvInfo{Addr: e.Sender, SID: e.SID, Data: append([]byte(nil), e.Data...)}
		out = append(out, func() { cb.Recv(info) })
	}
	return out
}

// onAdvert is the mDNS primary channel.
func (s *Stack) onAdvert(a discovery.Advert) {
	s.mu.Lock()
	if !s.live() || a.Addr == s.id {
		s.mu.Unlock()
		return
	}
	s.adverts[seenKey{a.Addr, a.SID}] = a
	out := s.primaryLocked(a.Addr, a.SID, a.Interval)
	s.mu.Unlock()
	run(out)
}

// replayLoop re-offers cached mDNS adverts to every new scan session; mDNS
// only reports changes.
func (s *Stack) replayLoop(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(time.Duration(radio.DefaultAdvInterval) * radio.AdvIntervalUnit)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			var out []func()
			s.mu.Lock()
			for _, a := range s.adverts {
				out = append(out, s.primaryLocked(a.Addr, a.SID, a.Interval)...)
			}
			s.mu.Unlock()
			run(out)
		}
	}
}

func (s *Stack) superviseLoop(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(superviseEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.supervise(now)
		}
	}
}

// supervise terminates established syncs that have not heard their target
// within the supervision timeout. Pending syncs are the owner's business.
func (s *Stack) supervise(now time.Time) {
	var out []func()
	s.mu.Lock()
	for _, h := range append([]*syncHandle(nil), s.syncs...) {
		if h.established && now.Sub(h.lastHeard) > h.params.SupervisionTimeout() {
			out = append(out, s.dropLocked(h, radio.ReasonTimeout))
		}
	}
	s.mu.Unlock()
	run(out)
}

func (s *Stack) dropLocked(h *syncHandle, reason radio.TermReason) func() {
	s.removeLocked(h)
	cb := h.cb.Terminated
	info := radio.TermInfo{Addr: h.params.Addr, SID: h.params.SID, Reason: reason}
	return func() {
		if cb != nil {
			cb(info)
		}
	}
}

func (s *Stack) removeLocked(h *syncHandle) bool {
	for i, x := range s.syncs {
		if x == h {
			s.syncs = append(s.syncs[:i], s.syncs[i+1:]...)
			return true
		}
	}
	return false
}

func run(fns []func()) {
	for _, f := range fns {
		f()
	}
}

type syncHandle struct {
	stack       *Stack
	index       int
	params      radio.SyncParams
	cb          radio.SyncCallbacks
	established bool
	lastHeard   time.Time
	events      uint64
}

func (h *syncHandle) Delete() error {
	h.stack.mu.Lock()
	defer h.stack.mu.Unlock()
	if !h.stack.removeLocked(h) {
		return radio.ErrUnknownSync
	}
	return nil
}

func (h *syncHandle) Index() int { return h.index }

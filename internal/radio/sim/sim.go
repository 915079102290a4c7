// Package sim is an in-process broadcast medium. Time advances only through
// Tick, which makes relay scenarios deterministic in tests; Run ticks on a
// wall clock for demos.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/SWAI-Ltd/advchain/internal/identity"
	"github.com/SWAI-Ltd/advchain/internal/radio"
)

type link struct {
	from, to identity.Identity
}

type seenKey struct {
	addr identity.Identity
	sid  uint8
}

// Air connects stacks. All stack state is guarded by Air.mu.
type Air struct {
	mu       sync.Mutex
	stacks   []*Stack
	severed  map[link]bool
	ticks    uint64
	nextSync int
	log      map[identity.Identity][][]byte
}

// New returns an empty medium.
func New() *Air {
	return &Air{
		severed: make(map[link]bool),
		log:     make(map[identity.Identity][][]byte),
	}
}

// NewStack attaches a new link layer to the medium.
func (a *Air) NewStack(name string) *Stack {
	s := &Stack{
		air:    a,
		name:   name,
		accept: make(map[identity.Identity]bool),
		seen:   make(map[seenKey]bool),
	}
	a.mu.Lock()
	a.stacks = append(a.stacks, s)
	a.mu.Unlock()
	return s
}

// Sever makes transmissions of from inaudible to to.
func (a *Air) Sever(from, to *Stack) {
	a.mu.Lock()
	a.severed[link{from.id, to.id}] = true
	a.mu.Unlock()
}

// Restore undoes Sever.
func (a *Air) Restore(from, to *Stack) {
	a.mu.Lock()
	delete(a.severed, link{from.id, to.id})
	a.mu.Unlock()
}

// Terminate ends every established sync of s with reason, as if the link
// layer had lost lock.
func (a *Air) Terminate(s *Stack, reason radio.TermReason) {
	a.mu.Lock()
	var out []func()
	for _, h := range append([]*syncHandle(nil), s.syncs...) {
		if h.established {
			out = append(out, s.dropSync(h, reason))
		}
	}
	a.mu.Unlock()
	run(out)
}

// FailPending ends every pending sync of s with ReasonEstablishFail.
func (a *Air) FailPending(s *Stack) {
	a.mu.Lock()
	var out []func()
	for _, h := range append([]*syncHandle(nil), s.syncs...) {
		if !h.established {
			out = append(out, s.dropSync(h, radio.ReasonEstablishFail))
		}
	}
	a.mu.Unlock()
	run(out)
}

// Ticks returns the number of completed ticks.
func (a *Air) Ticks() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ticks
}

// Transmissions returns every periodic AD payload sent by id, in order.
func (a *Air) Transmissions(id identity.Identity) [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([][]byte, len(a.log[id]))
	for i, b := range a.log[id] {
		out[i] = append([]byte(nil), b...)
	}
	return out
}

// Run ticks every period until ctx is done.
func (a *Air) Run(ctx context.Context, period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.Tick()
		}
	}
}

// Tick transmits one primary and one periodic PDU from every started
// advertising set, then runs sync supervision. Callbacks run after the air
// lock is released, in transmission order, on the calling goroutine.
func (a *Air) Tick() {
	a.mu.Lock()
	a.ticks++
	var out []func()
	for _, s := range a.stacks {
		if !s.live() {
			continue
		}
		for _, set := range s.sets {
			if set.started {
				out = append(out, a.transmit(s, set)...)
			}
		}
	}
	for _, r := range a.stacks {
		out = append(out, r.supervise()...)
	}
	a.mu.Unlock()
	run(out)
}

func (a *Air) transmit(s *Stack, set *advSet) []func() {
	var out []func()
	sender := s.id
	sid := set.params.SID
	for _, r := range a.stacks {
		if r == s || !r.live() || !r.scanning || a.severed[link{sender, r.id}] {
			continue
		}
		if r.scanParams.FilterAcceptList && !r.accept[sender] {
			continue
		}
		k := seenKey{sender, sid}
		if r.scanParams.FilterDuplicates && r.seen[k] {
			continue
		}
		r.seen[k] = true
		rep := radio.ScanReport{Addr: sender, SID: sid, Interval: set.params.PeriodicMax, RSSI: -60}
		h := r.scanHandler
		out = append(out, func() { h(rep) })
	}

	set.counter++
	data := append([]byte(nil), set.data...)
	a.log[sender] = append(a.log[sender], data)
	for _, r := range a.stacks {
		if r == s || !r.live() || a.severed[link{sender, r.id}] {
			continue
		}
		for _, h := range r.syncs {
			if h.params.Addr != sender || h.params.SID != sid {
				continue
			}
			h.heard = true
			cb := h.cb
			if !h.established {
				h.established = true
				h.supervision = supervisionTicks(h.params, set.params)
				info := radio.SyncInfo{Addr: sender, SID: sid, Interval: set.params.PeriodicMax, PHY: radio.PHY1M}
				if cb.Synced != nil {
					out = append(out, func() { cb.Synced(info) })
				}
			}
			h.events++
			if (h.events-1)%(uint64(h.params.Skip)+1) != 0 || cb.Recv == nil {
				continue
			}
			info := radio.RecvInfo{Addr: sender, SID: sid, RSSI: -60, Data: append([]byte(nil), data...)}
			out = append(out, func() { cb.Recv(info) })
		}
	}
	return out
}

func supervisionTicks(sp radio.SyncParams, ap radio.AdvParams) int {
	per := ap.PeriodicInterval()
	if per <= 0 {
		return 1
	}
	n := int((sp.SupervisionTimeout() + per - 1) / per)
	if n < 1 {
		n = 1
	}
	return n
}

func run(fns []func()) {
	for _, f := range fns {
		f()
	}
}

// Stack is one node's link layer on an Air.
type Stack struct {
	air  *Air
	name string

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
	scanStarts  int

	syncs     []*syncHandle
	peakSyncs int
	advStarts int
}

var _ radio.Stack = (*Stack)(nil)

func (s *Stack) live() bool { return s.enabled && !s.closed }

// Name returns the label given to NewStack.
func (s *Stack) Name() string { return s.name }

// Identity returns the assigned identity.
func (s *Stack) Identity() identity.Identity {
	s.air.mu.Lock()
	defer s.air.mu.Unlock()
	return s.id
}

func (s *Stack) CreateIdentity(id identity.Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	s.air.mu.Lock()
	defer s.air.mu.Unlock()
	if s.enabled {
		return radio.ErrEnabled
	}
	s.id, s.hasID = id, true
	return nil
}

func (s *Stack) Enable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.air.mu.Lock()
	defer s.air.mu.Unlock()
	switch {
	case s.closed:
		return radio.ErrClosed
	case s.enabled:
		return radio.ErrEnabled
	case !s.hasID:
		return radio.ErrNoIdentity
	}
	s.enabled = true
	return nil
}

func (s *Stack) AcceptListAdd(id identity.Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	s.air.mu.Lock()
	defer s.air.mu.Unlock()
	s.accept[id] = true
	return nil
}

func (s *Stack) CreateAdvertiser(p radio.AdvParams) (radio.AdvertisingSet, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s.air.mu.Lock()
	defer s.air.mu.Unlock()
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
	s.air.mu.Lock()
	defer s.air.mu.Unlock()
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
	s.scanStarts++
	return nil
}

func (s *Stack) StopScan() error {
	s.air.mu.Lock()
	defer s.air.mu.Unlock()
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
	s.air.mu.Lock()
	defer s.air.mu.Unlock()
	if !s.live() {
		return nil, radio.ErrNotEnabled
	}
	for _, h := range s.syncs {
		if !h.established {
			return nil, radio.ErrBusy
		}
	}
	s.air.nextSync++
	h := &syncHandle{stack: s, index: s.air.nextSync, params: p, cb: cb}
	s.syncs = append(s.syncs, h)
	if len(s.syncs) > s.peakSyncs {
		s.peakSyncs = len(s.syncs)
	}
	return h, nil
}

func (s *Stack) Close() error {
	s.air.mu.Lock()
	defer s.air.mu.Unlock()
	s.closed = true
	s.scanning = false
	s.syncs = nil
	return nil
}

// supervise is called with the air lock held, after all transmissions of a
// tick.
func (s *Stack) supervise() []func() {
	var out []func()
	for _, h := range append([]*syncHandle(nil), s.syncs...) {
		if h.established && !h.heard {
			h.missed++
			if h.missed >= h.supervision {
				out = append(out, s.dropSync(h, radio.ReasonTimeout))
				continue
			}
		} else if h.heard {
			h.missed = 0
		}
		h.heard = false
	}
	return out
}

// dropSync removes h and returns its termination callback. Air lock held.
func (s *Stack) dropSync(h *syncHandle, reason radio.TermReason) func() {
	s.removeSync(h)
	cb := h.cb.Terminated
	info := radio.TermInfo{Addr: h.params.Addr, SID: h.params.SID, Reason: reason}
	return func() {
		if cb != nil {
			cb(info)
		}
	}
}

func (s *Stack) removeSync(h *syncHandle) bool {
	for i, x := range s.syncs {
		if x == h {
			s.syncs = append(s.syncs[:i], s.syncs[i+1:]...)
			h.gone = true
			return true
		}
	}
	return false
}

// Scanning reports whether the stack is scanning.
func (s *Stack) Scanning() bool {
	s.air.mu.Lock()
	defer s.air.mu.Unlock()
	return s.scanning
}

// ScanStarts returns how many times scanning was started.
func (s *Stack) ScanStarts() int {
	s.air.mu.Lock()
	defer s.air.mu.Unlock()
	return s.scanStarts
}

// LiveSyncs returns the number of pending or established syncs.
func (s *Stack) LiveSyncs() int {
	s.air.mu.Lock()
	defer s.air.mu.Unlock()
	return len(s.syncs)
}

// PeakSyncs returns the largest number of simultaneously live syncs.
func (s *Stack) PeakSyncs() int {
	s.air.mu.Lock()
	defer s.air.mu.Unlock()
	return s.peakSyncs
}

// AdvStarts returns how many advertising sets were started.
func (s *Stack) AdvStarts() int {
	s.air.mu.Lock()
	defer s.air.mu.Unlock()
	return s.advStarts
}

type advSet struct {
	stack   *Stack
	params  radio.AdvParams
	data    []byte
	started bool
	counter uint16
}

func (a *advSet) SetData(ad []byte) error {
	if len(ad) == 0 || len(ad) > radio.MaxPeriodicData {
		return fmt.Errorf("%w: %d bytes", radio.ErrDataLength, len(ad))
	}
	a.stack.air.mu.Lock()
	defer a.stack.air.mu.Unlock()
	if a.stack.closed {
		return radio.ErrClosed
	}
	a.data = append(a.data[:0], ad...)
	return nil
}

func (a *advSet) Start() error {
	a.stack.air.mu.Lock()
	defer a.stack.air.mu.Unlock()
	if !a.stack.live() {
		return radio.ErrNotEnabled
	}
	if a.started {
		return radio.ErrAlready
	}
	a.started = true
	a.stack.advStarts++
	return nil
}

func (a *advSet) Params() radio.AdvParams { return a.params }

type syncHandle struct {
	stack       *Stack
	index       int
	params      radio.SyncParams
	cb          radio.SyncCallbacks
	established bool
	heard       bool
	gone        bool
	missed      int
	supervision int
	events      uint64
}

func (h *syncHandle) Delete() error {
	h.stack.air.mu.Lock()
	defer h.stack.air.mu.Unlock()
	if h.gone || !h.stack.removeSync(h) {
		return radio.ErrUnknownSync
	}
	return nil
}

func (h *syncHandle) Index() int { return h.index }

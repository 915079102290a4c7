package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/advchain/internal/broadcaster"
	"github.com/SWAI-Ltd/advchain/internal/identity"
	"github.com/SWAI-Ltd/advchain/internal/proto"
	"github.com/SWAI-Ltd/advchain/internal/radio"
	"github.com/SWAI-Ltd/advchain/internal/radio/sim"
)

var (
	sourceID = identity.MustParse("DE:AD:BE:AF:BA:11", "random")
	relayID  = identity.MustParse("D2:F0:F4:22:53:28", "random")
	strayID  = identity.MustParse("C1:22:33:44:55:66", "random")
)

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond, msg)
}

func sealedFilter(t *testing.T, ids ...identity.Identity) *identity.Filter {
	t.Helper()
	f := identity.NewFilter(len(ids))
	for _, id := range ids {
		require.NoError(t, f.Accept(id))
	}
	f.Seal()
	return f
}

// runController starts c and stops it when the test ends.
func runController(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errc:
			require.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Error("controller did not stop")
		}
	})
}

func testConfig(name string) Config {
	return Config{
		Name:             name,
		EstablishTimeout: time.Second,
		RetryDelay:       10 * time.Millisecond,
	}
}

// simSource is a started source node on air.
func simSource(t *testing.T, air *sim.Air, id identity.Identity, data [4]byte) (*sim.Stack, *broadcaster.Broadcaster) {
	t.Helper()
	st := air.NewStack("source")
	require.NoError(t, st.CreateIdentity(id))
	require.NoError(t, st.Enable(context.Background()))
	bc := broadcaster.New(st, proto.NewPayload(data), nil)
	require.NoError(t, bc.Configure(radio.DefaultAdvParams()))
	require.NoError(t, bc.Start())
	return st, bc
}

type simRelay struct {
	stack *sim.Stack
	bc    *broadcaster.Broadcaster
	ctrl  *Controller
}

func newSimRelay(t *testing.T, air *sim.Air, accept identity.Identity, cfg Config) *simRelay {
	t.Helper()
	st := air.NewStack("relay")
	require.NoError(t, st.CreateIdentity(relayID))
	require.NoError(t, st.Enable(context.Background()))
	require.NoError(t, st.AcceptListAdd(accept))
	bc := broadcaster.New(st, proto.NewPayload([4]byte{}), nil)
	require.NoError(t, bc.Configure(radio.DefaultAdvParams()))
	ctrl := NewController(st, sealedFilter(t, accept), bc, cfg)
	return &simRelay{stack: st, bc: bc, ctrl: ctrl}
}

func (r *simRelay) state() State { return r.ctrl.Snapshot().State }

// scriptedStack lets a test fire link layer callbacks in any order.
type scriptedStack struct {
	mu         sync.Mutex
	scanH      radio.ScanHandler
	scanning   bool
	scanStarts int
	syncs      []*scriptedSync
	set        *scriptedSet
}

func (s *scriptedStack) CreateIdentity(identity.Identity) error { return nil }
func (s *scriptedStack) Enable(context.Context) error           { return nil }
func (s *scriptedStack) AcceptListAdd(identity.Identity) error  { return nil }
func (s *scriptedStack) Close() error                           { return nil }

func (s *scriptedStack) CreateAdvertiser(p radio.AdvParams) (radio.AdvertisingSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set = &scriptedSet{params: p}
	return s.set, nil
}

func (s *scriptedStack) StartScan(_ radio.ScanParams, h radio.ScanHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanH, s.scanning = h, true
	s.scanStarts++
	return nil
}

func (s *scriptedStack) StopScan() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanning = false
	return nil
}

func (s *scriptedStack) CreateSync(p radio.SyncParams, cb radio.SyncCallbacks) (radio.Sync, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := &scriptedSync{stack: s, params: p, cb: cb, index: len(s.syncs) + 1}
	s.syncs = append(s.syncs, h)
	return h, nil
}

func (s *scriptedStack) report(id identity.Identity) {
	s.mu.Lock()
	h := s.scanH
	s.mu.Unlock()
	h(radio.ScanReport{Addr: id, SID: 0, Interval: radio.DefaultPeriodicInterval})
}

func (s *scriptedStack) isScanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

func (s *scriptedStack) starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanStarts
}

func (s *scriptedStack) sync(i int) *scriptedSync {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.syncs) {
		return nil
	}
	return s.syncs[i]
}

func (s *scriptedStack) syncCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.syncs)
}

type scriptedSync struct {
	stack   *scriptedStack
	params  radio.SyncParams
	cb      radio.SyncCallbacks
	index   int
	deleted int
}

func (h *scriptedSync) Delete() error {
	h.stack.mu.Lock()
	defer h.stack.mu.Unlock()
	h.deleted++
	return nil
}

func (h *scriptedSync) Index() int { return h.index }

func (h *scriptedSync) deletes() int {
	h.stack.mu.Lock()
	defer h.stack.mu.Unlock()
	return h.deleted
}

func (h *scriptedSync) synced() {
	h.cb.Synced(radio.SyncInfo{Addr: h.params.Addr, SID: h.params.SID, Interval: radio.DefaultPeriodicInterval, PHY: radio.PHY1M})
}

func (h *scriptedSync) recv(data []byte) {
	h.cb.Recv(radio.RecvInfo{Addr: h.params.Addr, SID: h.params.SID, Data: data})
}

func (h *scriptedSync) terminate(reason radio.TermReason) {
	h.cb.Terminated(radio.TermInfo{Addr: h.params.Addr, SID: h.params.SID, Reason: reason})
}

type scriptedSet struct {
	mu      sync.Mutex
	params  radio.AdvParams
	data    []byte
	starts  int
	reject  bool
	history [][]byte
}

func (s *scriptedSet) SetData(ad []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return radio.ErrDataLength
	}
	s.data = append([]byte(nil), ad...)
	s.history = append(s.history, s.data)
	return nil
}

func (s *scriptedSet) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	return nil
}

func (s *scriptedSet) Params() radio.AdvParams { return s.params }

func (s *scriptedSet) setReject(v bool) {
	s.mu.Lock()
	s.reject = v
	s.mu.Unlock()
}

func (s *scriptedSet) startCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

type scriptedRelay struct {
	stack *scriptedStack
	bc    *broadcaster.Broadcaster
	ctrl  *Controller
}

func newScriptedRelay(t *testing.T, cfg Config) *scriptedRelay {
	t.Helper()
	st := &scriptedStack{}
	bc := broadcaster.New(st, proto.NewPayload([4]byte{}), nil)
	require.NoError(t, bc.Configure(radio.DefaultAdvParams()))
	ctrl := NewController(st, sealedFilter(t, sourceID), bc, cfg)
	return &scriptedRelay{stack: st, bc: bc, ctrl: ctrl}
}

// lock drives the relay from Discovering to Synced and returns the session.
func (r *scriptedRelay) lock(t *testing.T) *scriptedSync {
	t.Helper()
	n := r.stack.syncCount()
	waitFor(t, "scanning", r.stack.isScanning)
	r.stack.report(sourceID)
	waitFor(t, "session pending", func() bool {
		return r.ctrl.Snapshot().State == StateSessionPending && r.stack.syncCount() == n+1
	})
	h := r.stack.sync(n)
	h.synced()
	waitFor(t, "synced", func() bool { return r.ctrl.Snapshot().State == StateSynced })
	return h
}

package udp

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/advchain/internal/discovery"
	"github.com/SWAI-Ltd/advchain/internal/identity"
	"github.com/SWAI-Ltd/advchain/internal/proto"
	"github.com/SWAI-Ltd/advchain/internal/radio"
)

var (
	txID = identity.MustParse("DE:AD:BE:AF:BA:11", "random")
	rxID = identity.MustParse("D2:F0:F4:22:53:28", "random")
)

// offline returns a stack that behaves as enabled without a socket; tests
// feed datagrams through handle.
func offline(t *testing.T, id identity.Identity) *Stack {
	t.Helper()
	s, err := New(Config{})
	require.NoError(t, err)
	require.NoError(t, s.CreateIdentity(id))
	s.enabled = true
	return s
}

func datagram(t *testing.T, e proto.Envelope) []byte {
	t.Helper()
	b, err := e.MarshalBinary()
	require.NoError(t, err)
	return b
}

func beacon(from identity.Identity) proto.Envelope {
	return proto.Envelope{Kind: proto.KindExtended, Sender: from, Interval: radio.DefaultPeriodicInterval}
}

func periodic(from identity.Identity, n uint16, data ...byte) proto.Envelope {
	return proto.Envelope{Kind: proto.KindPeriodic, Sender: from, Interval: radio.DefaultPeriodicInterval, Counter: n, Data: data}
}

type events struct {
	mu      sync.Mutex
	reports []radio.ScanReport
	synced  int
	recv    [][]byte
	term    []radio.TermReason
}

func (e *events) scan(r radio.ScanReport) {
	e.mu.Lock()
	e.reports = append(e.reports, r)
	e.mu.Unlock()
}

func (e *events) callbacks() radio.SyncCallbacks {
	return radio.SyncCallbacks{
		Synced: func(radio.SyncInfo) {
			e.mu.Lock()
			e.synced++
			e.mu.Unlock()
		},
		Recv: func(i radio.RecvInfo) {
			e.mu.Lock()
			e.recv = append(e.recv, i.Data)
			e.mu.Unlock()
		},
		Terminated: func(i radio.TermInfo) {
			e.mu.Lock()
			e.term = append(e.term, i.Reason)
			e.mu.Unlock()
		},
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Group: "10.0.0.1:47089"})
	require.Error(t, err)
	_, err = New(Config{Primary: "carrier-pigeon"})
	require.Error(t, err)

	s, err := New(Config{})
	require.NoError(t, err)
	require.Equal(t, DefaultGroup, s.group.String())
	require.ErrorIs(t, s.Enable(context.Background()), radio.ErrNoIdentity)
}

func TestBeaconsBecomeScanReports(t *testing.T) {
	s := offline(t, rxID)
	ev := &events{}
	require.NoError(t, s.StartScan(radio.DefaultScanParams(), ev.scan))

	s.handle(datagram(t, beacon(txID)), time.Now())
	require.Empty(t, ev.reports, "not on accept list")

	require.NoError(t, s.AcceptListAdd(txID))
	s.handle(datagram(t, beacon(txID)), time.Now())
	s.handle(datagram(t, beacon(txID)), time.Now())
	require.Len(t, ev.reports, 1)
	require.Equal(t, txID, ev.reports[0].Addr)
	require.Equal(t, uint16(radio.DefaultPeriodicInterval), ev.reports[0].Interval)

	require.NoError(t, s.StopScan())
	s.handle(datagram(t, beacon(txID)), time.Now())
	require.NoError(t, s.StartScan(radio.DefaultScanParams(), ev.scan))
	s.handle(datagram(t, beacon(txID)), time.Now())
	require.Len(t, ev.reports, 2)
}

func TestOwnAndMalformedDatagramsIgnored(t *testing.T) {
	s := offline(t, txID)
	ev := &events{}
	p := radio.DefaultScanParams()
	p.FilterAcceptList = false
	require.NoError(t, s.StartScan(p, ev.scan))

	s.handle(datagram(t, beacon(txID)), time.Now())
	s.handle([]byte("AV"), time.Now())
	s.handle([]byte("not an envelope at all"), time.Now())
	require.Empty(t, ev.reports)
}

func TestPeriodicEstablishesAndDelivers(t *testing.T) {
	s := offline(t, rxID)
	ev := &events{}
	h, err := s.CreateSync(radio.SyncParams{Addr: txID, Timeout: radio.DefaultSyncTimeout}, ev.callbacks())
	require.NoError(t, err)
	_, err = s.CreateSync(radio.SyncParams{Addr: txID, Timeout: radio.DefaultSyncTimeout}, ev.callbacks())
	require.ErrorIs(t, err, radio.ErrBusy)

	now := time.Now()
	rec := proto.NewPayload([4]byte{1, 2, 3, 4}).Record()
	s.handle(datagram(t, periodic(txID, 1, rec...)), now)
	s.handle(datagram(t, periodic(rxID, 1, 9)), now)
	s.handle(datagram(t, periodic(txID, 2, 0xAA)), now)

	require.Equal(t, 1, ev.synced)
	require.Equal(t, [][]byte{rec, {0xAA}}, ev.recv)

	require.NoError(t, h.Delete())
	require.ErrorIs(t, h.Delete(), radio.ErrUnknownSync)
}

func TestSupervision(t *testing.T) {
	s := offline(t, rxID)
	ev := &events{}
	_, err := s.CreateSync(radio.SyncParams{Addr: txID, Timeout: radio.DefaultSyncTimeout}, ev.callbacks())
	require.NoError(t, err)

	start := time.Now()
	s.supervise(start.Add(time.Minute))
	require.Empty(t, ev.term, "pending syncs are not supervised")

	s.handle(datagram(t, periodic(txID, 1, 1)), start)
	s.supervise(start.Add(5 * time.Second))
	require.Empty(t, ev.term)
	s.supervise(start.Add(5*time.Second + time.Millisecond))
	require.Equal(t, []radio.TermReason{radio.ReasonTimeout}, ev.term)
	require.Empty(t, s.syncs)
}

func TestMDNSAdvertsAreCachedAndReplayed(t *testing.T) {
	s := offline(t, rxID)
	require.NoError(t, s.AcceptListAdd(txID))
	s.onAdvert(discovery.Advert{Addr: rxID, Interval: 0x320})
	s.onAdvert(discovery.Advert{Addr: txID, Interval: 0x320})
	require.Len(t, s.adverts, 1, "own advert not cached")

	ev := &events{}
	require.NoError(t, s.StartScan(radio.DefaultScanParams(), ev.scan))
	var out []func()
	s.mu.Lock()
	for _, a := range s.adverts {
		out = append(out, s.primaryLocked(a.Addr, a.SID, a.Interval)...)
	}
	s.mu.Unlock()
	run(out)
	require.Len(t, ev.reports, 1)
	require.Equal(t, txID, ev.reports[0].Addr)
}

func TestMulticastLoopback(t *testing.T) {
	if os.Getenv("ADVCHAIN_MULTICAST") == "" {
		t.Skip("set ADVCHAIN_MULTICAST=1 to run against a real multicast route")
	}
	ctx := context.Background()
	cfg := Config{Group: "239.255.89.1:47189", Loopback: true}

	tx, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, tx.CreateIdentity(txID))
	require.NoError(t, tx.Enable(ctx))
	t.Cleanup(func() { tx.Close() })

	rx, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, rx.CreateIdentity(rxID))
	require.NoError(t, rx.Enable(ctx))
	t.Cleanup(func() { rx.Close() })
	require.NoError(t, rx.AcceptListAdd(txID))

	params := radio.DefaultAdvParams()
	params.IntervalMin, params.IntervalMax = 0x20, 0x20
	params.PeriodicMin, params.PeriodicMax = 0x10, 0x10
	set, err := tx.CreateAdvertiser(params)
	require.NoError(t, err)
	require.NoError(t, set.SetData(proto.NewPayload([4]byte{7, 7, 7, 7}).Record()))
	require.NoError(t, set.Start())

	ev := &events{}
	require.NoError(t, rx.StartScan(radio.DefaultScanParams(), ev.scan))
	require.Eventually(t, func() bool {
		ev.mu.Lock()
		defer ev.mu.Unlock()
		return len(ev.reports) > 0
	}, 5*time.Second, 10*time.Millisecond)

	_, err = rx.CreateSync(radio.SyncParams{Addr: txID, Timeout: radio.DefaultSyncTimeout}, ev.callbacks())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ev.mu.Lock()
		defer ev.mu.Unlock()
		return ev.synced == 1 && len(ev.recv) > 0
	}, 5*time.Second, 10*time.Millisecond)
}

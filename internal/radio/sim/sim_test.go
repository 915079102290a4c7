package sim

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/advchain/internal/identity"
	"github.com/SWAI-Ltd/advchain/internal/radio"
)

var (
	txID = identity.MustParse("DE:AD:BE:AF:BA:11", "random")
	rxID = identity.MustParse("D2:F0:F4:22:53:28", "random")
)

func enabled(t *testing.T, air *Air, name string, id identity.Identity) *Stack {
	t.Helper()
	s := air.NewStack(name)
	require.NoError(t, s.CreateIdentity(id))
	require.NoError(t, s.Enable(context.Background()))
	return s
}

func advertising(t *testing.T, s *Stack, data []byte) radio.AdvertisingSet {
	t.Helper()
	set, err := s.CreateAdvertiser(radio.DefaultAdvParams())
	require.NoError(t, err)
	require.NoError(t, set.SetData(data))
	require.NoError(t, set.Start())
	return set
}

type recorder struct {
	mu      sync.Mutex
	reports []radio.ScanReport
	synced  []radio.SyncInfo
	recv    [][]byte
	term    []radio.TermInfo
}

func (r *recorder) scan(rep radio.ScanReport) {
	r.mu.Lock()
	r.reports = append(r.reports, rep)
	r.mu.Unlock()
}

func (r *recorder) callbacks() radio.SyncCallbacks {
	return radio.SyncCallbacks{
		Synced: func(i radio.SyncInfo) {
			r.mu.Lock()
			r.synced = append(r.synced, i)
			r.mu.Unlock()
		},
		Recv: func(i radio.RecvInfo) {
			r.mu.Lock()
			r.recv = append(r.recv, i.Data)
			r.mu.Unlock()
		},
		Terminated: func(i radio.TermInfo) {
			r.mu.Lock()
			r.term = append(r.term, i)
			r.mu.Unlock()
		},
	}
}

func syncParams(addr identity.Identity) radio.SyncParams {
	return radio.SyncParams{Addr: addr, Timeout: radio.DefaultSyncTimeout}
}

func TestLifecycleOrdering(t *testing.T) {
	air := New()
	s := air.NewStack("a")
	require.ErrorIs(t, s.Enable(context.Background()), radio.ErrNoIdentity)
	require.NoError(t, s.CreateIdentity(txID))
	require.NoError(t, s.Enable(context.Background()))
	require.ErrorIs(t, s.CreateIdentity(rxID), radio.ErrEnabled)
	require.ErrorIs(t, s.Enable(context.Background()), radio.ErrEnabled)

	_, err := air.NewStack("b").CreateAdvertiser(radio.DefaultAdvParams())
	require.ErrorIs(t, err, radio.ErrNotEnabled)
}

func TestScanReportsHonourFilters(t *testing.T) {
	air := New()
	tx := enabled(t, air, "tx", txID)
	advertising(t, tx, []byte{1, 2, 3})
	rx := enabled(t, air, "rx", rxID)

	rec := &recorder{}
	p := radio.DefaultScanParams()
	require.NoError(t, rx.StartScan(p, rec.scan))
	require.ErrorIs(t, rx.StartScan(p, rec.scan), radio.ErrAlready)
	air.Tick()
	require.Empty(t, rec.reports, "not on accept list")

	require.NoError(t, rx.StopScan())
	require.ErrorIs(t, rx.StopScan(), radio.ErrAlready)
	require.NoError(t, rx.AcceptListAdd(txID))
	require.NoError(t, rx.StartScan(p, rec.scan))
	air.Tick()
	air.Tick()
	require.Len(t, rec.reports, 1, "duplicates filtered within a scan session")
	require.Equal(t, txID, rec.reports[0].Addr)
	require.Equal(t, uint16(radio.DefaultPeriodicInterval), rec.reports[0].Interval)

	require.NoError(t, rx.StopScan())
	require.NoError(t, rx.StartScan(p, rec.scan))
	air.Tick()
	require.Len(t, rec.reports, 2, "restart clears the duplicate filter")
	require.Equal(t, 3, rx.ScanStarts(), "rejected start not counted")
}

func TestSyncEstablishesOnFirstHeardPacket(t *testing.T) {
	air := New()
	tx := enabled(t, air, "tx", txID)
	set := advertising(t, tx, []byte{0xAA})
	rx := enabled(t, air, "rx", rxID)

	rec := &recorder{}
	h, err := rx.CreateSync(syncParams(txID), rec.callbacks())
	require.NoError(t, err)
	_, err = rx.CreateSync(syncParams(txID), rec.callbacks())
	require.ErrorIs(t, err, radio.ErrBusy, "one pending sync at a time")

	air.Tick()
	require.NoError(t, set.SetData([]byte{0xBB}))
	air.Tick()

	require.Len(t, rec.synced, 1)
	require.Equal(t, [][]byte{{0xAA}, {0xBB}}, rec.recv)
	require.Equal(t, [][]byte{{0xAA}, {0xBB}}, air.Transmissions(txID))
	require.Equal(t, 1, rx.LiveSyncs())

	require.NoError(t, h.Delete())
	require.ErrorIs(t, h.Delete(), radio.ErrUnknownSync)
	require.Zero(t, rx.LiveSyncs())
	require.Empty(t, rec.term, "delete does not report a termination")
}

func TestSkipThinsReceiveEvents(t *testing.T) {
	air := New()
	tx := enabled(t, air, "tx", txID)
	advertising(t, tx, []byte{1})
	rx := enabled(t, air, "rx", rxID)

	rec := &recorder{}
	p := syncParams(txID)
	p.Skip = 2
	_, err := rx.CreateSync(p, rec.callbacks())
	require.NoError(t, err)
	for i := 0; i < 7; i++ {
		air.Tick()
	}
	require.Len(t, rec.recv, 3)
}

func TestSupervisionTimeout(t *testing.T) {
	air := New()
	tx := enabled(t, air, "tx", txID)
	advertising(t, tx, []byte{1})
	rx := enabled(t, air, "rx", rxID)

	rec := &recorder{}
	h, err := rx.CreateSync(syncParams(txID), rec.callbacks())
	require.NoError(t, err)
	air.Tick()

	air.Sever(tx, rx)
	for i := 0; i < 4; i++ {
		air.Tick()
	}
	require.Empty(t, rec.term)
	air.Tick()
	require.Len(t, rec.term, 1)
	require.Equal(t, radio.ReasonTimeout, rec.term[0].Reason)
	require.Zero(t, rx.LiveSyncs())
	require.ErrorIs(t, h.Delete(), radio.ErrUnknownSync)
}

func TestPendingSyncIsNotSupervised(t *testing.T) {
	air := New()
	tx := enabled(t, air, "tx", txID)
	advertising(t, tx, []byte{1})
	rx := enabled(t, air, "rx", rxID)
	air.Sever(tx, rx)

	rec := &recorder{}
	_, err := rx.CreateSync(syncParams(txID), rec.callbacks())
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		air.Tick()
	}
	require.Empty(t, rec.term)
	require.Equal(t, 1, rx.LiveSyncs())

	air.FailPending(rx)
	require.Len(t, rec.term, 1)
	require.Equal(t, radio.ReasonEstablishFail, rec.term[0].Reason)
	require.Zero(t, rx.LiveSyncs())
}

func TestTerminateOnlyTouchesEstablished(t *testing.T) {
	air := New()
	tx := enabled(t, air, "tx", txID)
	advertising(t, tx, []byte{1})
	rx := enabled(t, air, "rx", rxID)

	rec := &recorder{}
	_, err := rx.CreateSync(syncParams(txID), rec.callbacks())
	require.NoError(t, err)
	air.Terminate(rx, radio.ReasonRemoteGone)
	require.Empty(t, rec.term)

	air.Tick()
	air.Terminate(rx, radio.ReasonRemoteGone)
	require.Len(t, rec.term, 1)
	require.Equal(t, radio.ReasonRemoteGone, rec.term[0].Reason)
	require.Equal(t, 1, rx.PeakSyncs())
}

func TestAdvertisingSetRules(t *testing.T) {
	air := New()
	tx := enabled(t, air, "tx", txID)
	set, err := tx.CreateAdvertiser(radio.DefaultAdvParams())
	require.NoError(t, err)

	require.ErrorIs(t, set.SetData(nil), radio.ErrDataLength)
	require.ErrorIs(t, set.SetData(make([]byte, radio.MaxPeriodicData+1)), radio.ErrDataLength)
	require.NoError(t, set.SetData([]byte{1}))

	air.Tick()
	require.Empty(t, air.Transmissions(txID), "not started")

	require.NoError(t, set.Start())
	require.ErrorIs(t, set.Start(), radio.ErrAlready)
	require.Equal(t, 1, tx.AdvStarts())
	air.Tick()
	require.Len(t, air.Transmissions(txID), 1)
	require.Equal(t, uint64(2), air.Ticks())
}

func TestCallbacksMayReenterStack(t *testing.T) {
	air := New()
	tx := enabled(t, air, "tx", txID)
	advertising(t, tx, []byte{1})
	rx := enabled(t, air, "rx", rxID)
	require.NoError(t, rx.AcceptListAdd(txID))

	var h radio.Sync
	var err error
	require.NoError(t, rx.StartScan(radio.DefaultScanParams(), func(rep radio.ScanReport) {
		require.NoError(t, rx.StopScan())
		h, err = rx.CreateSync(syncParams(rep.Addr), radio.SyncCallbacks{})
	}))
	air.Tick()
	require.NoError(t, err)
	require.NotNil(t, h)
	require.False(t, rx.Scanning())
}

package udp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/SWAI-Ltd/advchain/internal/discovery"
	"github.com/SWAI-Ltd/advchain/internal/identity"
	"github.com/SWAI-Ltd/advchain/internal/proto"
	"github.com/SWAI-Ltd/advchain/internal/radio"
)

type advSet struct {
	stack  *Stack
	params radio.AdvParams

	mu      sync.Mutex
	data    []byte
	counter uint16
	started bool
	pub     *discovery.Publisher
	cancel  context.CancelFunc
	done    chan struct{}
}

func (a *advSet) SetData(ad []byte) error {
	if len(ad) == 0 || len(ad) > radio.MaxPeriodicData {
		return fmt.Errorf("%w: %d bytes", radio.ErrDataLength, len(ad))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data = append(a.data[:0], ad...)
	return nil
}

// Start announces the set on the primary channel and begins the periodic
// train.
func (a *advSet) Start() error {
	a.stack.mu.Lock()
	live, id := a.stack.live(), a.stack.id
	a.stack.mu.Unlock()
	if !live {
		return radio.ErrNotEnabled
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return radio.ErrAlready
	}
	if a.stack.cfg.Primary == PrimaryMDNS {
		adv := discovery.Advert{Addr: id, SID: a.params.SID, Interval: a.params.PeriodicMax}
		pub, err := discovery.Publish(adv, a.stack.group.Port)
		if err != nil {
			return err
		}
		a.pub = pub
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.periodicLoop(ctx, id)
	a.started = true
	return nil
}

func (a *advSet) Params() radio.AdvParams { return a.params }

// periodicLoop sends one periodic PDU per periodic interval and, on the
// multicast primary channel, one beacon per advertising interval.
func (a *advSet) periodicLoop(ctx context.Context, id identity.Identity) {
	defer close(a.done)
	periodic := time.NewTicker(a.params.PeriodicInterval())
	defer periodic.Stop()

	var beacon <-chan time.Time
	if a.stack.cfg.Primary == PrimaryMulticast {
		t := time.NewTicker(a.params.AdvInterval())
		defer t.Stop()
		beacon = t.C
		a.sendBeacon(id)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-beacon:
			a.sendBeacon(id)
		case <-periodic.C:
			a.sendPeriodic(id)
		}
	}
}

func (a *advSet) sendBeacon(id identity.Identity) {
	e := proto.Envelope{
		Kind:     proto.KindExtended,
		Sender:   id,
		SID:      a.params.SID,
		Interval: a.params.PeriodicMax,
	}
	if err := a.stack.send(&e); err != nil {
		a.stack.log.Debug("beacon send failed", "err", err)
	}
}

func (a *advSet) sendPeriodic(id identity.Identity) {
	a.mu.Lock()
	a.counter++
	e := proto.Envelope{
		Kind:     proto.KindPeriodic,
		Sender:   id,
		SID:      a.params.SID,
		Interval: a.params.PeriodicMax,
		Counter:  a.counter,
		Data:     append([]byte(nil), a.data...),
	}
	a.mu.Unlock()
	if len(e.Data) == 0 {
		return
	}
	if err := a.stack.send(&e); err != nil {
		a.stack.log.Debug("periodic send failed", "err", err)
	}
}

func (a *advSet) stop() {
	a.mu.Lock()
	cancel, done, pub := a.cancel, a.done, a.pub
	a.cancel, a.pub = nil, nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	if pub != nil {
		pub.Close()
	}
}

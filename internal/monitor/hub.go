// Package monitor streams a node's state transitions and outbound payloads to
// diagnostic clients.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/SWAI-Ltd/advchain/internal/proto"
	"github.com/SWAI-Ltd/advchain/internal/relay"
	"github.com/SWAI-Ltd/advchain/internal/telemetry"
	"github.com/SWAI-Ltd/advchain/internal/transport"
)

// DefaultSubscriberBuffer is the per-client frame queue.
const DefaultSubscriberBuffer = 64

// Conn is the stream a subscriber is served on.
type Conn interface {
	SendFrame(*proto.Frame) error
	RecvFrame(*proto.Frame) error
	RemoteAddr() string
	Close() error
}

var _ Conn = (*transport.Conn)(nil)

type subscriber struct {
	client string
	out    chan *proto.Frame
}

// Hub fans frames out to subscribers. A slow subscriber loses frames; the
// node never waits for it.
type Hub struct {
	node   string
	bootID string
	log    *slog.Logger
	buffer int

	subs    sync.Map // handle seq -> *subscriber
	seq     atomic.Uint64
	count   atomic.Int64
	dropped atomic.Uint64
	last    atomic.Pointer[proto.Frame]
	warn    rate.Sometimes
}

var _ relay.Observer = (*Hub)(nil)

// NewHub returns a hub labelling frames with node and bootID.
func NewHub(node, bootID string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		node:   node,
		bootID: bootID,
		log:    logger,
		buffer: DefaultSubscriberBuffer,
		warn:   rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
}

// Transition publishes a State frame and keeps it for late subscribers.
func (h *Hub) Transition(tr relay.Transition) {
	f := &proto.Frame{Type: proto.FrameTypeState, State: &proto.StateFrame{
		Node:               h.node,
		BootID:             h.bootID,
		State:              tr.To.String(),
		Previous:           tr.From.String(),
		Terminations:       tr.Terminations,
		BroadcasterStarted: tr.BroadcasterStarted,
		At:                 tr.At,
	}}
	if !tr.Target.IsZero() {
		f.State.Target = tr.Target.String()
	}
	h.last.Store(f)
	h.publish(f)
}

// Relayed publishes a Payload frame.
func (h *Hub) Relayed(r relay.Relayed) {
	f := &proto.Frame{Type: proto.FrameTypePayload, Payload: &proto.PayloadFrame{
		Node:    h.node,
		BootID:  h.bootID,
		Tag:     r.Payload.Tag,
		Data:    append([]byte(nil), r.Payload.Data[:]...),
		Relayed: r.Count,
		At:      r.At,
	}}
	if !r.From.IsZero() {
		f.Payload.From = r.From.String()
	}
	h.publish(f)
}

func (h *Hub) publish(f *proto.Frame) {
	h.subs.Range(func(k, v any) bool {
		s := v.(*subscriber)
		select {
		case s.out <- f:
		default:
			h.dropped.Add(1)
			telemetry.MonitorDropped.WithLabelValues(h.node).Inc()
			h.warn.Do(func() { h.log.Warn("monitor subscriber too slow, dropping frames", "sub", k, "client", s.client) })
		}
		return true
	})
}

// Subscribers returns the number of attached clients.
func (h *Hub) Subscribers() int { return int(h.count.Load()) }

// Dropped returns the number of frames not delivered to slow subscribers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Serve listens for monitor clients on addr until ctx is done.
func (h *Hub) Serve(ctx context.Context, addr string) (*transport.Server, error) {
	srv, err := transport.Listen(ctx, addr, func(c *transport.Conn) { h.Handle(ctx, c) }, h.log)
	if err != nil {
		return nil, err
	}
	h.log.Info("monitor listening", "addr", srv.LocalAddr())
	return srv, nil
}

// Handle serves one client. The client must open with a Hello frame.
func (h *Hub) Handle(ctx context.Context, c Conn) {
	key := h.seq.Add(1)
	addr := c.RemoteAddr()
	defer c.Close()

	var f proto.Frame
	if err := c.RecvFrame(&f); err != nil {
		return
	}
	if f.Type != proto.FrameTypeHello || f.Hello == nil {
		c.SendFrame(&proto.Frame{Type: proto.FrameTypeError, Error: &proto.ErrorFrame{
			Code:    "expected_hello",
			Message: "first frame must be hello",
		}})
		return
	}

	s := &subscriber{client: f.Hello.Client, out: make(chan *proto.Frame, h.buffer)}
	if last := h.last.Load(); last != nil {
		s.out <- last
	}
	h.subs.Store(key, s)
	h.count.Add(1)
	h.log.Info("monitor client attached", "sub", key, "addr", addr, "client", s.client)
	defer func() {
		h.subs.Delete(key)
		h.count.Add(-1)
		h.log.Info("monitor client detached", "sub", key, "addr", addr)
	}()

	// the client sends nothing after hello; a read error means it is gone
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		var discard proto.Frame
		for {
			if err := c.RecvFrame(&discard); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case out := <-s.out:
			if err := c.SendFrame(out); err != nil {
				return
			}
		}
	}
}

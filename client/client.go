// Package client is the monitor SDK: attach to a node's monitor endpoint and
// read its state transitions and outbound payloads from a channel.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/SWAI-Ltd/advchain/internal/proto"
	"github.com/SWAI-Ltd/advchain/internal/transport"
)

const (
	// DefaultMessageBuffer is the buffer size for the Messages() channel.
	DefaultMessageBuffer = 64
)

// ErrClosed is returned when using a client after Close.
var ErrClosed = errors.New("client closed")

// Message is one frame received from the node. Exactly one of State and
// Payload is set.
type Message struct {
	State   *proto.StateFrame
	Payload *proto.PayloadFrame
}

// Config configures the monitor client.
type Config struct {
	// Addr is the node's monitor address (e.g. "localhost:7300").
	Addr string
	// Name identifies this client in the node's logs.
	Name string
	// MessageBuffer sets the capacity of Messages(); 0 uses DefaultMessageBuffer.
	MessageBuffer int
}

// Client reads a node's monitor stream. Read from Messages() until it is
// closed; Err reports why.
type Client struct {
	conn *transport.Conn
	msgs chan Message

	mu     sync.Mutex
	closed bool
	err    error
	done   chan struct{}
}

// Dial connects and sends the opening hello.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("client: monitor address required")
	}
	if cfg.Name == "" {
		cfg.Name = "advchain-client"
	}
	buf := cfg.MessageBuffer
	if buf <= 0 {
		buf = DefaultMessageBuffer
	}
	conn, err := transport.Dial(ctx, cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial monitor %s: %w", cfg.Addr, err)
	}
	if err := conn.SendFrame(&proto.Frame{Type: proto.FrameTypeHello, Hello: &proto.HelloFrame{Client: cfg.Name}}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}
	c := &Client{conn: conn, msgs: make(chan Message, buf), done: make(chan struct{})}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.msgs)
	for {
		var f proto.Frame
		if err := c.conn.RecvFrame(&f); err != nil {
			c.setErr(err)
			return
		}
		var m Message
		switch f.Type {
		case proto.FrameTypeState:
			m.State = f.State
		case proto.FrameTypePayload:
			m.Payload = f.Payload
		case proto.FrameTypeError:
			if f.Error != nil {
				c.setErr(fmt.Errorf("node: %s: %s", f.Error.Code, f.Error.Message))
			}
			return
		default:
			continue
		}
		if m.State == nil && m.Payload == nil {
			continue
		}
		c.msgs <- m
	}
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil && !c.closed {
		c.err = err
	}
}

// Messages returns the channel of received frames. It is closed when the
// stream ends.
func (c *Client) Messages() <-chan Message {
	return c.msgs
}

// Err returns the error that ended the stream, nil after Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the stream and discards undelivered messages.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.mu.Unlock()
	err := c.conn.Close()
	go func() {
		// unblock readLoop if nobody is draining
		for range c.msgs {
		}
	}()
	<-c.done
	return err
}

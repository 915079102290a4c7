// Package transport carries monitor frames over QUIC streams.
package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/SWAI-Ltd/advchain/internal/proto"
)

// Monitor streams are long lived and mostly server to client; keepalives
// hold idle ones open.
var defaultQuicConfig = &quic.Config{
	MaxIdleTimeout:  time.Minute,
	KeepAlivePeriod: 15 * time.Second,
}

const ProtoID = "advchain-monitor/1"

// Conn is one monitor stream.
type Conn struct {
	Stream quic.Stream
	Conn   quic.Connection

	wmu sync.Mutex
}

func newConn(stream quic.Stream, conn quic.Connection) *Conn {
	return &Conn{Stream: stream, Conn: conn}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	if c.Conn != nil {
		return c.Conn.RemoteAddr().String()
	}
	return "unknown"
}

// SendFrame encodes and sends a frame. Safe for concurrent use.
func (c *Conn) SendFrame(f *proto.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return f.Encode(c.Stream)
}

// RecvFrame reads and decodes a frame.
func (c *Conn) RecvFrame(f *proto.Frame) error {
	return f.Decode(c.Stream)
}

// Close closes the stream and its connection.
func (c *Conn) Close() error {
	err := c.Stream.Close()
	if c.Conn != nil {
		c.Conn.CloseWithError(0, "")
	}
	return err
}

// generateTLSConfig creates a self-signed certificate; monitor traffic is
// diagnostics only.
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{ProtoID},
	}, nil
}

// Server accepts monitor streams and hands each to Handler on its own
// goroutine.
type Server struct {
	Listener *quic.Listener
	Handler  func(*Conn)
	log      *slog.Logger
	closed   atomic.Bool
}

// Listen starts a QUIC server on addr. handler is set before the first
// accept. The server stops when ctx is done.
func Listen(ctx context.Context, addr string, handler func(*Conn), logger *slog.Logger) (*Server, error) {
	if handler == nil {
		return nil, errors.New("transport: nil handler")
	}
	if logger == nil {
		logger = slog.Default()
	}
	tlsCfg, err := generateTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("transport: tls: %w", err)
	}
	listener, err := quic.ListenAddr(addr, tlsCfg, defaultQuicConfig)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	s := &Server{Listener: listener, Handler: handler, log: logger}
	go s.acceptLoop(ctx)
	return s, nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.Listener.Close()
	for {
		sess, err := s.Listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || s.closed.Load() {
				return
			}
			s.log.Debug("monitor accept failed", "err", err)
			continue
		}
		go func() {
			stream, err := sess.AcceptStream(ctx)
			if err != nil {
				sess.CloseWithError(0, "")
				return
			}
			s.Handler(newConn(stream, sess))
		}()
	}
}

// Close stops accepting.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.Listener.Close()
}

// LocalAddr returns the address of the QUIC listener.
func (s *Server) LocalAddr() string {
	return s.Listener.Addr().String()
}

// Dial opens a monitor stream to addr. Certificates are not verified.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ProtoID},
	}
	sess, err := quic.DialAddr(ctx, addr, tlsCfg, defaultQuicConfig)
	if err != nil {
		return nil, err
	}
	stream, err := sess.OpenStreamSync(ctx)
	if err != nil {
		sess.CloseWithError(0, "")
		return nil, err
	}
	return newConn(stream, sess), nil
}

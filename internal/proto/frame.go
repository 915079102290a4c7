package proto

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"time"
)

// Monitor frame types
const (
	FrameTypeHello   = 1
	FrameTypeState   = 2
	FrameTypePayload = 3
	FrameTypeError   = 4
)

// HelloFrame opens a monitor stream. QUIC only announces a stream to the
// peer once data is written, so the client always speaks first.
type HelloFrame struct {
	Client string `json:"client"`
}

// StateFrame reports a relay controller transition
type StateFrame struct {
	Node               string    `json:"node"`
	BootID             string    `json:"boot_id"`
	State              string    `json:"state"`
	Previous           string    `json:"previous"`
	Target             string    `json:"target,omitempty"`
	Terminations       uint64    `json:"terminations"`
	BroadcasterStarted bool      `json:"broadcaster_started"`
	At                 time.Time `json:"at"`
}

// PayloadFrame reports a payload placed on this node's periodic schedule
type PayloadFrame struct {
	Node    string    `json:"node"`
	BootID  string    `json:"boot_id"`
	From    string    `json:"from,omitempty"`
	Tag     uint16    `json:"tag"`
	Data    []byte    `json:"data"`
	Relayed uint64    `json:"relayed"`
	At      time.Time `json:"at"`
}

// ErrorFrame
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Frame is the top-level monitor message
type Frame struct {
	Type    int           `json:"t"`
	Hello   *HelloFrame   `json:"h,omitempty"`
	State   *StateFrame   `json:"s,omitempty"`
	Payload *PayloadFrame `json:"p,omitempty"`
	Error   *ErrorFrame   `json:"e,omitempty"`
}

// maxFrameLen bounds a decoded frame
const maxFrameLen = 64 * 1024

// Encode writes a length-prefixed JSON frame to w
func (f *Frame) Encode(w io.Writer) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	// 4-byte big-endian length prefix, written with the body in one call so
	// concurrent writers on distinct streams never interleave a frame
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err = w.Write(buf)
	return err
}

// Decode reads a length-prefixed JSON frame from r
func (f *Frame) Decode(r io.Reader) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > maxFrameLen {
		return io.ErrShortBuffer
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}
	*f = Frame{}
	return json.Unmarshal(data, f)
}

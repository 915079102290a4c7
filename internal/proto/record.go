package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Record layout as transmitted by every node:
//
//	offset 0: AD length (1) + AD type (1)
//	offset 2: schema tag, little endian (2)
//	offset 4: application data (4)
const (
	RecordLen   = 8
	TagLen      = 2
	DataLen     = 4
	PayloadLen  = TagLen + DataLen
	DataOffset  = 4
	ADTypeManuf = 0xFF

	// SchemaTag identifies the payload schema carried by the chain.
	SchemaTag uint16 = 0x0059
)

var (
	ErrShortFrame = errors.New("frame too short")
	ErrBadRecord  = errors.New("malformed advertising record")
)

// Payload is the application data unit: [tag LE][data].
type Payload struct {
	Tag  uint16
	Data [DataLen]byte
}

// NewPayload returns a payload carrying SchemaTag.
func NewPayload(data [DataLen]byte) Payload {
	return Payload{Tag: SchemaTag, Data: data}
}

// Bytes returns the 6 payload bytes.
func (p Payload) Bytes() []byte {
	b := make([]byte, PayloadLen)
	binary.LittleEndian.PutUint16(b, p.Tag)
	copy(b[TagLen:], p.Data[:])
	return b
}

// Record wraps the payload in its manufacturer specific AD structure.
func (p Payload) Record() []byte {
	b := make([]byte, 0, RecordLen)
	b = append(b, PayloadLen+1, ADTypeManuf)
	return append(b, p.Bytes()...)
}

func (p Payload) String() string {
	return fmt.Sprintf("tag=0x%04X data=% X", p.Tag, p.Data[:])
}

// ParseRecord decodes a full record produced by Payload.Record.
func ParseRecord(b []byte) (Payload, error) {
	if len(b) < RecordLen {
		return Payload{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}
	if int(b[0]) != PayloadLen+1 || b[1] != ADTypeManuf {
		return Payload{}, fmt.Errorf("%w: len=%d type=0x%02X", ErrBadRecord, b[0], b[1])
	}
	var p Payload
	p.Tag = binary.LittleEndian.Uint16(b[2:])
	copy(p.Data[:], b[DataOffset:DataOffset+DataLen])
	return p, nil
}

// DataAt extracts the application data field at its fixed offset, ignoring
// the framing and the sender's tag.
func DataAt(b []byte) ([DataLen]byte, error) {
	var d [DataLen]byte
	if len(b) < DataOffset+DataLen {
		return d, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}
	copy(d[:], b[DataOffset:DataOffset+DataLen])
	return d, nil
}

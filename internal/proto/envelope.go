package proto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/SWAI-Ltd/advchain/internal/identity"
)

// PDU kinds carried over the network medium.
const (
	KindExtended = 1 // primary channel: announces sender, SID and periodic interval
	KindPeriodic = 2 // one event of the periodic train, carries AD data
)

const (
	envelopeVersion = 1
	envelopeHeader  = 17
	// MaxADLen is the longest AD data a periodic PDU may carry.
	MaxADLen = 252
)

var envelopeMagic = [2]byte{'A', 'V'}

var ErrBadEnvelope = errors.New("malformed envelope")

// Envelope is one PDU on the network medium:
//
//	"AV" | version | kind | addrType | addr[6] | sid | interval u16 | counter u16 | len | data
type Envelope struct {
	Kind     uint8
	Sender   identity.Identity
	SID      uint8
	Interval uint16 // periodic interval in 1.25 ms units; 0 when none
	Counter  uint16
	Data     []byte
}

// MarshalBinary encodes e.
func (e *Envelope) MarshalBinary() ([]byte, error) {
	if len(e.Data) > MaxADLen {
		return nil, fmt.Errorf("%w: data length %d", ErrBadEnvelope, len(e.Data))
	}
	b := make([]byte, envelopeHeader+len(e.Data))
	copy(b, envelopeMagic[:])
	b[2] = envelopeVersion
	b[3] = e.Kind
	b[4] = byte(e.Sender.Type)
	copy(b[5:11], e.Sender.Addr[:])
	b[11] = e.SID
	binary.LittleEndian.PutUint16(b[12:], e.Interval)
	binary.LittleEndian.PutUint16(b[14:], e.Counter)
	b[16] = byte(len(e.Data))
	copy(b[envelopeHeader:], e.Data)
	return b, nil
}

// UnmarshalBinary decodes b into e. Data aliases b.
func (e *Envelope) UnmarshalBinary(b []byte) error {
	if len(b) < envelopeHeader {
		return fmt.Errorf("%w: %d bytes", ErrBadEnvelope, len(b))
	}
	if b[0] != envelopeMagic[0] || b[1] != envelopeMagic[1] {
		return fmt.Errorf("%w: bad magic", ErrBadEnvelope)
	}
	if b[2] != envelopeVersion {
		return fmt.Errorf("%w: version %d", ErrBadEnvelope, b[2])
	}
	if b[3] != KindExtended && b[3] != KindPeriodic {
		return fmt.Errorf("%w: kind %d", ErrBadEnvelope, b[3])
	}
	n := int(b[16])
	if len(b) != envelopeHeader+n {
		return fmt.Errorf("%w: length %d, header says %d", ErrBadEnvelope, len(b)-envelopeHeader, n)
	}
	e.Kind = b[3]
	e.Sender.Type = identity.Type(b[4])
	copy(e.Sender.Addr[:], b[5:11])
	e.SID = b[11]
	e.Interval = binary.LittleEndian.Uint16(b[12:])
	e.Counter = binary.LittleEndian.Uint16(b[14:])
	e.Data = b[envelopeHeader:]
	return nil
}

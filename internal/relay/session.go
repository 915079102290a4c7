package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/SWAI-Ltd/advchain/internal/identity"
	"github.com/SWAI-Ltd/advchain/internal/radio"
)

var errSessionClosed = errors.New("sync session already closed")

type sessionState int

const (
	sessionPending sessionState = iota
	sessionEstablished
	sessionTerminated
	sessionDeleted
)

func (s sessionState) String() string {
	switch s {
	case sessionPending:
		return "pending"
	case sessionEstablished:
		return "established"
	case sessionTerminated:
		return "terminated"
	case sessionDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// SyncSession is one attempt to lock onto a predecessor's periodic train.
// It is owned by the controller loop and never shared.
type SyncSession struct {
	ID      uint64
	Target  identity.Identity
	SID     uint8
	Skip    uint16
	Timeout time.Duration
	Created time.Time
	Info    radio.SyncInfo

	state  sessionState
	handle radio.Sync
}

func (s *SyncSession) params() radio.SyncParams {
	return radio.SyncParams{
		Addr:    s.Target,
		SID:     s.SID,
		Skip:    s.Skip,
		Timeout: radio.SyncTimeoutUnits(s.Timeout),
	}
}

func (s *SyncSession) open(stack radio.Stack, cb radio.SyncCallbacks) error {
	h, err := stack.CreateSync(s.params(), cb)
	if err != nil {
		return err
	}
	s.handle = h
	s.state = sessionPending
	return nil
}

func (s *SyncSession) established(info radio.SyncInfo) {
	s.Info = info
	s.state = sessionEstablished
}

// terminated records a link layer termination. The handle is invalid from
// here on and must not be deleted.
func (s *SyncSession) terminated() {
	s.state = sessionTerminated
	s.handle = nil
}

// Delete releases the link layer handle of a session that was not
// terminated by the link layer.
func (s *SyncSession) Delete() error {
	if s.handle == nil || s.state == sessionTerminated || s.state == sessionDeleted {
		return fmt.Errorf("session %d: %w (%s)", s.ID, errSessionClosed, s.state)
	}
	err := s.handle.Delete()
	s.state = sessionDeleted
	s.handle = nil
	return err
}

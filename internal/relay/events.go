package relay

import (
	"github.com/SWAI-Ltd/advchain/internal/identity"
	"github.com/SWAI-Ltd/advchain/internal/radio"
	"github.com/SWAI-Ltd/advchain/internal/scanner"
)

// Event is delivered from link layer callbacks to the controller loop.
// Every event names the scan round or sync session it belongs to; the loop
// discards events of rounds and sessions that are no longer current.
type Event interface {
	event()
}

// CandidateFound is a matching advertiser reported by the scanner.
type CandidateFound struct {
	Candidate scanner.Candidate
}

// Established reports that a session reached lock.
type Established struct {
	Session uint64
	Info    radio.SyncInfo
}

// Received carries one periodic event of an established session.
type Received struct {
	Session uint64
	From    identity.Identity
	Data    []byte
}

// Lost reports that the link layer ended a session.
type Lost struct {
	Session uint64
	Info    radio.TermInfo
}

func (CandidateFound) event() {}
func (Established) event()    {}
func (Received) event()       {}
func (Lost) event()           {}

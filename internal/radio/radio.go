// Package radio is the contract between a node and the link layer that
// performs the actual advertising, scanning and periodic synchronization.
//
// Callbacks are delivered from contexts the caller does not control and may
// run concurrently with calls into the stack. Implementations never invoke a
// callback while holding a lock that a Stack method also takes.
package radio

import (
	"context"
	"errors"

	"github.com/SWAI-Ltd/advchain/internal/identity"
)

var (
	ErrNotEnabled   = errors.New("radio: stack not enabled")
	ErrEnabled      = errors.New("radio: stack already enabled")
	ErrNoIdentity   = errors.New("radio: no identity assigned")
	ErrBusy         = errors.New("radio: sync creation already pending")
	ErrInvalidParam = errors.New("radio: invalid parameter")
	ErrDataLength   = errors.New("radio: data length rejected")
	ErrAlready      = errors.New("radio: already started")
	ErrClosed       = errors.New("radio: closed")
	ErrUnknownSync  = errors.New("radio: unknown sync")
)

// MaxPeriodicData is the longest AD payload accepted by SetData.
const MaxPeriodicData = 252

// PHY of a synchronized train.
type PHY uint8

const (
	PHYNone PHY = iota
	PHY1M
	PHY2M
	PHYCoded
)

func (p PHY) String() string {
	switch p {
	case PHYNone:
		return "No packets"
	case PHY1M:
		return "LE 1M"
	case PHY2M:
		return "LE 2M"
	case PHYCoded:
		return "LE Coded"
	default:
		return "Unknown"
	}
}

// TermReason says why a sync ended.
type TermReason uint8

const (
	ReasonTimeout       TermReason = 0x08 // supervision timeout
	ReasonLocalCancel   TermReason = 0x16
	ReasonRemoteGone    TermReason = 0x13
	ReasonEstablishFail TermReason = 0x3E
)

func (r TermReason) String() string {
	switch r {
	case ReasonTimeout:
		return "supervision timeout"
	case ReasonLocalCancel:
		return "terminated locally"
	case ReasonRemoteGone:
		return "remote stopped"
	case ReasonEstablishFail:
		return "failed to establish"
	default:
		return "unknown"
	}
}

// ScanReport is one primary channel reception.
type ScanReport struct {
	Addr identity.Identity
	SID  uint8
	// Interval is the periodic advertising interval in 1.25 ms units, zero
	// when the advertiser has no periodic train.
	Interval uint16
	RSSI     int8
}

// SyncInfo describes an established sync.
type SyncInfo struct {
	Addr     identity.Identity
	SID      uint8
	Interval uint16
	PHY      PHY
}

// RecvInfo is one periodic event received on an established sync. Data is
// owned by the receiver.
type RecvInfo struct {
	Addr identity.Identity
	SID  uint8
	RSSI int8
	Data []byte
}

// TermInfo accompanies a sync termination.
type TermInfo struct {
	Addr   identity.Identity
	SID    uint8
	Reason TermReason
}

// ScanHandler receives scan reports.
type ScanHandler func(ScanReport)

// SyncCallbacks are bound to a single sync handle. Any field may be nil.
type SyncCallbacks struct {
	Synced     func(SyncInfo)
	Recv       func(RecvInfo)
	Terminated func(TermInfo)
}

// AdvertisingSet is one extended + periodic advertising instance.
type AdvertisingSet interface {
	// SetData replaces the AD data of subsequent periodic events.
	SetData(ad []byte) error
	// Start enables periodic and then extended advertising.
	Start() error
	// Params returns the parameters the set was created with.
	Params() AdvParams
}

// Sync is a handle to a pending or established periodic sync.
type Sync interface {
	// Delete cancels a pending sync or tears down an established one. It is
	// invalid after the sync has been reported terminated.
	Delete() error
	Index() int
}

// Stack is the link layer used by a node.
type Stack interface {
	// CreateIdentity assigns the node identity; must precede Enable.
	CreateIdentity(id identity.Identity) error
	Enable(ctx context.Context) error
	// AcceptListAdd adds id to the medium level filter accept list.
	AcceptListAdd(id identity.Identity) error
	CreateAdvertiser(p AdvParams) (AdvertisingSet, error)
	StartScan(p ScanParams, h ScanHandler) error
	StopScan() error
	CreateSync(p SyncParams, cb SyncCallbacks) (Sync, error)
	Close() error
}

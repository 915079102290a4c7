package radio

import (
	"fmt"
	"time"

	"github.com/SWAI-Ltd/advchain/internal/identity"
)

// Unit sizes of the reference link layer.
const (
	AdvIntervalUnit      = 625 * time.Microsecond  // primary channel
	PeriodicIntervalUnit = 1250 * time.Microsecond // periodic train
	ScanIntervalUnit     = 625 * time.Microsecond
	SyncTimeoutUnit      = 10 * time.Millisecond
)

// Valid ranges.
const (
	MinAdvInterval      = 0x000020
	MaxAdvInterval      = 0xFFFFFF
	MinPeriodicInterval = 0x0006
	MaxPeriodicInterval = 0xFFFF
	MaxSID              = 0x0F
	MinScanInterval     = 0x0004
	MaxScanInterval     = 0x4000
	MinSyncTimeout      = 0x000A
	MaxSyncTimeout      = 0x4000
	MaxSyncSkip         = 0x01F3
)

// Reference deployment values.
const (
	DefaultAdvInterval      = 0x320 // 500 ms
	DefaultPeriodicInterval = 0x320 // 1000 ms
	DefaultScanInterval     = 0x00A0
	DefaultScanWindow       = 0x00A0
	DefaultSyncTimeout      = 0x01F4 // 5 s
)

// AdvParams configures an advertising set. Setting min and max to the same
// value gives a fixed interval.
type AdvParams struct {
	SID         uint8
	IntervalMin uint32
	IntervalMax uint32
	PeriodicMin uint16
	PeriodicMax uint16
}

// DefaultAdvParams returns the reference schedule.
func DefaultAdvParams() AdvParams {
	return AdvParams{
		IntervalMin: DefaultAdvInterval,
		IntervalMax: DefaultAdvInterval,
		PeriodicMin: DefaultPeriodicInterval,
		PeriodicMax: DefaultPeriodicInterval,
	}
}

// Validate checks the parameters against the medium's ranges.
func (p AdvParams) Validate() error {
	if p.SID > MaxSID {
		return fmt.Errorf("%w: sid %d > %d", ErrInvalidParam, p.SID, MaxSID)
	}
	if p.IntervalMin < MinAdvInterval || p.IntervalMax > MaxAdvInterval || p.IntervalMin > p.IntervalMax {
		return fmt.Errorf("%w: advertising interval [0x%X, 0x%X]", ErrInvalidParam, p.IntervalMin, p.IntervalMax)
	}
	if p.PeriodicMin < MinPeriodicInterval || p.PeriodicMin > p.PeriodicMax {
		return fmt.Errorf("%w: periodic interval [0x%X, 0x%X]", ErrInvalidParam, p.PeriodicMin, p.PeriodicMax)
	}
	return nil
}

// AdvInterval returns the primary channel interval the medium will use.
func (p AdvParams) AdvInterval() time.Duration {
	return time.Duration(p.IntervalMax) * AdvIntervalUnit
}

// PeriodicInterval returns the periodic train interval the medium will use.
func (p AdvParams) PeriodicInterval() time.Duration {
	return time.Duration(p.PeriodicMax) * PeriodicIntervalUnit
}

// ScanParams configures passive scanning.
type ScanParams struct {
	Interval uint16
	Window   uint16
	// FilterDuplicates suppresses repeated reports of one advertiser within
	// a scan session.
	FilterDuplicates bool
	// FilterAcceptList drops reports from identities not on the accept list.
	FilterAcceptList bool
}

// DefaultScanParams returns the reference scan configuration.
func DefaultScanParams() ScanParams {
	return ScanParams{
		Interval:         DefaultScanInterval,
		Window:           DefaultScanWindow,
		FilterDuplicates: true,
		FilterAcceptList: true,
	}
}

func (p ScanParams) Validate() error {
	if p.Interval < MinScanInterval || p.Interval > MaxScanInterval {
		return fmt.Errorf("%w: scan interval 0x%X", ErrInvalidParam, p.Interval)
	}
	if p.Window < MinScanInterval || p.Window > p.Interval {
		return fmt.Errorf("%w: scan window 0x%X", ErrInvalidParam, p.Window)
	}
	return nil
}

// SyncParams targets one periodic train.
type SyncParams struct {
	Addr identity.Identity
	SID  uint8
	Skip uint16
	// Timeout is the supervision timeout in 10 ms units.
	Timeout uint16
}

func (p SyncParams) Validate() error {
	if err := p.Addr.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}
	if p.SID > MaxSID {
		return fmt.Errorf("%w: sid %d", ErrInvalidParam, p.SID)
	}
	if p.Skip > MaxSyncSkip {
		return fmt.Errorf("%w: skip %d", ErrInvalidParam, p.Skip)
	}
	if p.Timeout < MinSyncTimeout || p.Timeout > MaxSyncTimeout {
		return fmt.Errorf("%w: sync timeout 0x%X", ErrInvalidParam, p.Timeout)
	}
	return nil
}

// SupervisionTimeout returns Timeout as a duration.
func (p SyncParams) SupervisionTimeout() time.Duration {
	return time.Duration(p.Timeout) * SyncTimeoutUnit
}

// SyncTimeoutUnits converts d to 10 ms units, clamped to the valid range.
func SyncTimeoutUnits(d time.Duration) uint16 {
	u := d / SyncTimeoutUnit
	if u < MinSyncTimeout {
		u = MinSyncTimeout
	}
	if u > MaxSyncTimeout {
		u = MaxSyncTimeout
	}
	return uint16(u)
}

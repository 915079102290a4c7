// Package scanner listens passively on the primary channel and reports
// advertisers that pass the topology filter and announce a periodic train.
package scanner

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/SWAI-Ltd/advchain/internal/identity"
	"github.com/SWAI-Ltd/advchain/internal/radio"
)

// Candidate is an advertiser worth synchronizing to.
type Candidate struct {
	Addr     identity.Identity
	SID      uint8
	Interval uint16
	RSSI     int8
	// Round is the listening session that produced the report.
	Round uint64
}

type seenKey struct {
	addr identity.Identity
	sid  uint8
}

// Scanner wraps the stack's scan procedure. Medium level duplicate and
// accept list filtering are requested but never relied upon: both are
// re-applied here exactly.
type Scanner struct {
	stack  radio.Stack
	filter *identity.Filter
	params radio.ScanParams
	report func(Candidate)
	log    *slog.Logger

	mu      sync.Mutex
	running bool
	round   uint64
	seen    map[seenKey]struct{}
}

// New returns a stopped scanner delivering candidates to report.
func New(stack radio.Stack, filter *identity.Filter, params radio.ScanParams, report func(Candidate), logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		stack:  stack,
		filter: filter,
		params: params,
		report: report,
		log:    logger,
		seen:   make(map[seenKey]struct{}),
	}
}

// Start opens a new listening round. Starting a running scanner is a no-op.
func (s *Scanner) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.round++
	round := s.round
	clear(s.seen)
	s.running = true
	s.mu.Unlock()

	err := s.stack.StartScan(s.params, func(r radio.ScanReport) { s.onReport(round, r) })
	if err != nil && !errors.Is(err, radio.ErrAlready) {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}
	s.log.Debug("scanning started", "round", round)
	return nil
}

// Stop halts listening; stopping a stopped scanner is a no-op.
func (s *Scanner) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	round := s.round
	s.mu.Unlock()

	if err := s.stack.StopScan(); err != nil && !errors.Is(err, radio.ErrAlready) {
		return err
	}
	s.log.Debug("scanning stopped", "round", round)
	return nil
}

// Running reports whether a round is open.
func (s *Scanner) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Round returns the current or most recent round number.
func (s *Scanner) Round() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round
}

func (s *Scanner) onReport(round uint64, r radio.ScanReport) {
	if r.Interval == 0 || !s.filter.Accepts(r.Addr) {
		return
	}
	k := seenKey{r.Addr, r.SID}
	s.mu.Lock()
	if !s.running || s.round != round {
		s.mu.Unlock()
		return
	}
	if _, dup := s.seen[k]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[k] = struct{}{}
	s.mu.Unlock()

	s.report(Candidate{Addr: r.Addr, SID: r.SID, Interval: r.Interval, RSSI: r.RSSI, Round: round})
}

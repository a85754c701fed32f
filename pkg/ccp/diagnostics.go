package ccp

import "sync/atomic"

// Diagnostics accumulates per-session error counters that the DAQ decoder
// and Command Engine expose instead of raising to the caller. Modeled as
// plain atomic counters rather than anything with a GUI data-binding
// behind it.
type Diagnostics struct {
	crmMismatchedCTR atomic.Int64
	unexpectedPID    atomic.Int64
	decodeErrors     atomic.Int64
}

// Snapshot is a point-in-time read of the counters.
type Snapshot struct {
	CRMMismatchedCTR int64
	UnexpectedPID    int64
	DecodeErrors     int64
}

// Snapshot returns the current counter values.
func (d *Diagnostics) Snapshot() Snapshot {
	if d == nil {
		return Snapshot{}
	}
	return Snapshot{
		CRMMismatchedCTR: d.crmMismatchedCTR.Load(),
		UnexpectedPID:    d.unexpectedPID.Load(),
		DecodeErrors:     d.decodeErrors.Load(),
	}
}

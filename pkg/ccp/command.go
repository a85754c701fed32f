package ccp

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Logger is the injected logging capability every ambient log call site in
// this package goes through, so embedders can supply structured logging
// and tests can observe emitted records deterministically. NewMaster uses a
// stdlib-backed default when Config.Logger is nil.
type Logger interface {
	Printf(format string, args ...any)
}

// stdLogger adapts the stdlib log package to Logger.
type stdLogger struct{}

func (stdLogger) Printf(format string, args ...any) {
	stdLog.Printf(format, args...)
}

// Adapter is the transport contract a Master is driven over: send an 8-byte
// CRO payload under cro_id, and deliver inbound DTO frames filtered to
// dto_id. Concrete implementations live in package transport.
type Adapter interface {
	Send(croID uint32, payload [8]byte) error
	Recv() <-chan InboundFrame
	Close() error
}

// InboundFrame is one frame delivered by an Adapter, already filtered to
// the configured dto_id.
type InboundFrame struct {
	ID        uint32
	Payload   [8]byte
	Timestamp time.Time
}

// requestState is the Command Engine's internal view of the single
// outstanding request slot: Idle, Sent, or one of the terminal states.
type requestState int

const (
	slotIdle requestState = iota
	slotSent
	slotCompleted
	slotTimedOut
	slotTransportFailed
	slotAbandoned
)

// pendingRequest tracks the one in-flight CRO awaiting its CRM.
type pendingRequest struct {
	ctr     byte
	command CommandCode
	state   requestState
	result  chan requestResult
}

type requestResult struct {
	crm CRM
	err error
}

// commandEngine owns the CTR and the pending-request slot, serializing
// concurrent callers via a mutex held for the duration of a request: at
// most one call in flight. Queued callers acquire the mutex in whatever
// order sync.Mutex grants it, which is not guaranteed to be FIFO.
type commandEngine struct {
	mu      sync.Mutex // serializes request() calls
	slotMu  sync.Mutex // protects pending below, touched by the pump goroutine
	adapter Adapter
	croID   uint32
	ctr     byte
	pending *pendingRequest
	timeout time.Duration
	log     Logger

	// dead records CTR values abandoned by timeout/cancellation/transport
	// failure, so a late CRM carrying one of them is recognized as stale
	// even once the pending slot has moved on to a different request. The
	// entry is also consulted by nextCTR so a retired CTR is never handed
	// to a new request while its cooldown is still running, which is what
	// actually prevents a same-CTR collision between an abandoned request
	// and the next one to reuse its counter value.
	dead *ttlcache.Cache[byte, struct{}]

	diag *Diagnostics
}

func newCommandEngine(adapter Adapter, croID uint32, timeout time.Duration, log Logger, diag *Diagnostics) *commandEngine {
	dead := ttlcache.New[byte, struct{}](
		ttlcache.WithTTL[byte, struct{}](4 * timeout),
	)
	go dead.Start()
	return &commandEngine{
		adapter: adapter,
		croID:   croID,
		timeout: timeout,
		log:     log,
		dead:    dead,
		diag:    diag,
	}
}

// nextCTR returns the next counter value, wrapping 0xFF -> 0x00, skipping
// any value still cooling down in dead from a recently abandoned request.
func (e *commandEngine) nextCTR() byte {
	ctr := e.ctr
	for i := 0; i < 256 && e.dead.Has(ctr); i++ {
		e.ctr++
		ctr = e.ctr
	}
	e.ctr = ctr + 1
	return ctr
}

// retire marks ctr as abandoned, so a CRM arriving for it after the pending
// slot has been cleared or reassigned is recognized as stale.
func (e *commandEngine) retire(ctr byte) {
	e.dead.Set(ctr, struct{}{}, ttlcache.DefaultTTL)
}

// request sends cro (after stamping it with a fresh CTR) and blocks until
// the matching CRM arrives, the deadline elapses, or the transport fails.
// Only the CTR assigned here is authoritative; any CTR already set on cro
// is overwritten.
func (e *commandEngine) request(ctx context.Context, cro CRO) (CRM, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.slotMu.Lock()
	ctr := e.nextCTR()
	cro.CTR = ctr
	pr := &pendingRequest{
		ctr:     ctr,
		command: cro.Command,
		state:   slotSent,
		result:  make(chan requestResult, 1),
	}
	e.pending = pr
	e.slotMu.Unlock()

	payload := cro.Encode()
	if err := e.adapter.Send(e.croID, payload); err != nil {
		e.slotMu.Lock()
		if e.pending == pr {
			e.pending = nil
		}
		e.slotMu.Unlock()
		return CRM{}, &TransportError{Cause: err}
	}

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case res := <-pr.result:
		return res.crm, res.err
	case <-timer.C:
		e.slotMu.Lock()
		if e.pending == pr {
			pr.state = slotTimedOut
			e.pending = nil
		}
		e.slotMu.Unlock()
		e.retire(pr.ctr)
		return CRM{}, Timeout
	case <-ctx.Done():
		e.slotMu.Lock()
		if e.pending == pr {
			pr.state = slotAbandoned
			e.pending = nil
		}
		e.slotMu.Unlock()
		e.retire(pr.ctr)
		return CRM{}, Cancelled
	}
}

// deliverCRM is called by the inbound pump for every frame classified as a
// CRM. It correlates against the pending slot by CTR; a mismatch (stale or
// duplicate response) is logged and discarded.
func (e *commandEngine) deliverCRM(crm CRM) {
	e.slotMu.Lock()
	pr := e.pending
	if pr == nil || pr.state != slotSent || pr.ctr != crm.CTR {
		e.slotMu.Unlock()
		if e.diag != nil {
			e.diag.crmMismatchedCTR.Add(1)
		}
		if e.log != nil {
			if e.dead.Has(crm.CTR) {
				e.log.Printf("ccp: discarding CRM with ctr=0x%02X, retired by a prior timeout/cancel", crm.CTR)
			} else {
				e.log.Printf("ccp: discarding CRM with ctr=0x%02X, no matching pending request", crm.CTR)
			}
		}
		return
	}
	pr.state = slotCompleted
	e.pending = nil
	e.slotMu.Unlock()

	err := translateCrcErr(crm.CrcErr, pr.command)
	pr.result <- requestResult{crm: crm, err: err}
}

// failPending fails the outstanding request, if any, with a transport
// error. Called by the pump when the Adapter reports a fatal error.
func (e *commandEngine) failPending(cause error) {
	e.slotMu.Lock()
	pr := e.pending
	if pr == nil || pr.state != slotSent {
		e.slotMu.Unlock()
		return
	}
	pr.state = slotTransportFailed
	e.pending = nil
	e.slotMu.Unlock()
	e.retire(pr.ctr)
	pr.result <- requestResult{err: &TransportError{Cause: cause}}
}

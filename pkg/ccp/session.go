package ccp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// SessionState is the Session Manager's lifecycle state machine. Faulted
// is entered when a request fails with a fatal error (see classifyFatal).
// Operations are not gated on it: any later operation that sets a state
// (Connect, ExchangeID, Unlock, StartStopAll, Disconnect) replaces it.
type SessionState int

const (
	Disconnected SessionState = iota
	Connected
	Exchanging
	Ready
	DAQRunning
	Faulted
)

func (s SessionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connected:
		return "Connected"
	case Exchanging:
		return "Exchanging"
	case Ready:
		return "Ready"
	case DAQRunning:
		return "DAQRunning"
	case Faulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

// DefaultTimeout is the Command Engine's default per-request deadline.
const DefaultTimeout = 250 * time.Millisecond

// Config configures a Master. There is no schema-validated loader; callers
// build a literal and rely on the documented defaults.
type Config struct {
	// CroID is the CAN identifier used for master->slave CROs.
	CroID uint32
	// DtoID is the CAN identifier used for slave->master DTOs (CRM,
	// Event, DAQ-DTO share this id, distinguished by payload[0]).
	DtoID uint32
	// StationAddress is the 16-bit slave id sent (little-endian) in
	// CONNECT.
	StationAddress uint16
	// ByteOrder governs multi-byte parameter and data encoding for
	// everything except CONNECT's station address, which is always
	// little-endian.
	ByteOrder ByteOrder
	// Timeout is the Command Engine's per-request deadline; zero means
	// DefaultTimeout.
	Timeout time.Duration
	// Logger receives diagnostic log lines; nil means DefaultLogger().
	Logger Logger
	// KeyFunc derives an UNLOCK key from a GET_SEED response. Required
	// only if Unlock is called; concrete key derivation is always
	// OEM-specific.
	KeyFunc KeyFunc
}

// KeyFunc computes the UNLOCK key bytes for a given protected resource and
// the seed bytes the slave returned from GET_SEED.
type KeyFunc func(resource byte, seed []byte) ([]byte, error)

// Master is the CCP master-side core: Command Engine, Session Manager, and
// DAQ Scheduler & Decoder bound to a single slave over a single Adapter.
// One Master per slave; talking to multiple slaves means running multiple
// Masters.
type Master struct {
	cfg Config
	eng *commandEngine

	mu    sync.Mutex // protects state, mta0/mta1 below
	state SessionState
	mta0  mtaRegister
	mta1  mtaRegister

	diag Diagnostics

	onEvent  func(EventMessage)
	onSample func(Sample)
	daq      daqState

	group  *errgroup.Group
	cancel context.CancelFunc
}

type mtaRegister struct {
	extension byte
	address   uint32
}

// NewMaster constructs a Master bound to adapter, initially Disconnected.
func NewMaster(adapter Adapter, cfg Config) *Master {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = DefaultLogger()
	}
	m := &Master{cfg: cfg, state: Disconnected}
	m.eng = newCommandEngine(adapter, cfg.CroID, cfg.Timeout, cfg.Logger, &m.diag)
	return m
}

// Start launches the inbound frame pump as an errgroup.Group member. A
// fatal pump error is observed via Wait().
func (m *Master) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	m.group = g
	g.Go(func() error { return m.pump(gctx) })
}

// Wait blocks until the pump goroutine exits (on context cancellation or a
// fatal transport error) and returns its error, if any.
func (m *Master) Wait() error {
	if m.group == nil {
		return nil
	}
	return m.group.Wait()
}

// Stop cancels the inbound pump.
func (m *Master) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// pump is the only goroutine that completes the Command Engine's pending
// request (via deliverCRM/failPending) and the only one feeding the DAQ
// decoder's sample sink.
func (m *Master) pump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-m.eng.adapter.Recv():
			if !ok {
				m.fault(fmt.Errorf("ccp: adapter closed its inbound channel"))
				m.eng.failPending(fmt.Errorf("adapter closed"))
				return fmt.Errorf("ccp: adapter closed")
			}
			m.dispatch(frame)
		}
	}
}

func (m *Master) dispatch(frame InboundFrame) {
	switch Classify(frame.Payload) {
	case FrameCRM:
		crm, err := DecodeCRM(frame.Payload)
		if err != nil {
			m.diag.decodeErrors.Add(1)
			m.cfg.Logger.Printf("ccp: %v", err)
			return
		}
		m.eng.deliverCRM(crm)
	case FrameEvent:
		ev, err := DecodeEvent(frame.Payload)
		if err != nil {
			m.diag.decodeErrors.Add(1)
			m.cfg.Logger.Printf("ccp: %v", err)
			return
		}
		if m.onEvent != nil {
			m.onEvent(ev)
		}
	case FrameDAQ:
		f := DecodeDAQ(frame.Payload)
		m.decodeDAQFrame(f, frame.Timestamp)
	}
}

// OnEvent registers the handler invoked for every inbound Event Message.
func (m *Master) OnEvent(fn func(EventMessage)) { m.onEvent = fn }

// OnSample registers the sample sink invoked for every decoded DAQ value,
// in addition to the last-known-sample cache backing LastSamples.
func (m *Master) OnSample(fn func(Sample)) { m.onSample = fn }

// Diagnostics returns a snapshot of this session's error counters.
func (m *Master) Diagnostics() Snapshot { return m.diag.Snapshot() }

// State returns the current session state.
func (m *Master) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Master) setState(s SessionState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Master) fault(cause error) {
	m.setState(Faulted)
	m.cfg.Logger.Printf("ccp: session faulted: %v", cause)
}

// requireState returns ProtocolViolation if the session is not currently
// in want.
func (m *Master) requireState(want SessionState) error {
	cur := m.State()
	if cur != want {
		return &ProtocolViolation{Expected: want, Actual: cur}
	}
	return nil
}

// classifyFatal reports whether err should drive the session to Faulted:
// TransportError, Timeout, or CRC_ERR 0x12 (internal timeout).
func classifyFatal(err error) bool {
	if err == nil {
		return false
	}
	if err == Timeout {
		return true
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var se *SlaveError
	if errors.As(err, &se) && se.Code == CrcInternalTimeout {
		return true
	}
	return false
}

func (m *Master) do(ctx context.Context, cro CRO) (CRM, error) {
	crm, err := m.eng.request(ctx, cro)
	if classifyFatal(err) {
		m.fault(err)
	}
	return crm, err
}

// Connect issues CONNECT and transitions Disconnected -> Connected.
func (m *Master) Connect(ctx context.Context) error {
	cro := buildConnect(0, m.cfg.StationAddress)
	_, err := m.do(ctx, cro)
	if err != nil {
		return err
	}
	m.setState(Connected)
	return nil
}

// ExchangeID issues EXCHANGE_ID, returning the slave's raw response bytes.
// A successful exchange completes the handshake: an unprotected slave needs
// no UNLOCK, so this is what carries the session from Connected to Ready.
func (m *Master) ExchangeID(ctx context.Context, masterID []byte) ([5]byte, error) {
	m.setState(Exchanging)
	cro := buildExchangeID(0, masterID)
	crm, err := m.do(ctx, cro)
	if err != nil {
		return [5]byte{}, err
	}
	m.advanceToReady()
	return crm.Data, nil
}

// GetCCPVersion issues GET_CCP_VERSION. Slaves that skip EXCHANGE_ID still
// reach Ready through here, so the handshake completes either way.
func (m *Master) GetCCPVersion(ctx context.Context, major, minor byte) (CRM, error) {
	crm, err := m.do(ctx, buildGetCCPVersion(0, major, minor))
	if err != nil {
		return CRM{}, err
	}
	m.advanceToReady()
	return crm, nil
}

// advanceToReady completes the identification handshake, moving a session
// out of Connected or Exchanging into Ready. This is enough for an
// unprotected slave; a slave that rejects a privileged command with
// ACCESS_DENIED still needs GetSeed+Unlock before retrying it, but that is
// enforced by the slave's own CRC_ERR response, not by this state machine.
// A no-op from any other state.
func (m *Master) advanceToReady() {
	m.mu.Lock()
	if m.state == Connected || m.state == Exchanging {
		m.state = Ready
	}
	m.mu.Unlock()
}

// GetSeed issues GET_SEED for the given resource bit(s), returning the
// seed bytes.
func (m *Master) GetSeed(ctx context.Context, resource byte) ([5]byte, error) {
	crm, err := m.do(ctx, buildGetSeed(0, resource))
	if err != nil {
		return [5]byte{}, err
	}
	return crm.Data, nil
}

// Unlock derives a key from seed via cfg.KeyFunc and issues UNLOCK.
func (m *Master) Unlock(ctx context.Context, resource byte, seed []byte) (CRM, error) {
	if m.cfg.KeyFunc == nil {
		return CRM{}, fmt.Errorf("ccp: Unlock requires Config.KeyFunc (see package seedkey)")
	}
	key, err := m.cfg.KeyFunc(resource, seed)
	if err != nil {
		return CRM{}, fmt.Errorf("ccp: key derivation: %w", err)
	}
	cro, err := buildUnlock(0, key)
	if err != nil {
		return CRM{}, err
	}
	crm, err := m.do(ctx, cro)
	if err != nil {
		return CRM{}, err
	}
	m.setState(Ready)
	return crm, nil
}

// SetMTA sets MTA0 or MTA1 and mirrors it locally.
func (m *Master) SetMTA(ctx context.Context, mtaNumber byte, extension byte, address uint32) error {
	cro := buildSetMTA(0, mtaNumber, extension, address, m.cfg.ByteOrder)
	if _, err := m.do(ctx, cro); err != nil {
		return err
	}
	m.mu.Lock()
	reg := mtaRegister{extension: extension, address: address}
	if mtaNumber == 0 {
		m.mta0 = reg
	} else {
		m.mta1 = reg
	}
	m.mu.Unlock()
	return nil
}

// Download issues DNLOAD (size <= 5) and advances the mirrored MTA0 by
// len(data) on success.
func (m *Master) Download(ctx context.Context, data []byte) error {
	cro, err := buildDnload(0, data)
	if err != nil {
		return err
	}
	if _, err := m.do(ctx, cro); err != nil {
		return err
	}
	m.advanceMTA0(len(data))
	return nil
}

// Download6 issues DNLOAD_6 (1..6 bytes).
func (m *Master) Download6(ctx context.Context, data []byte) error {
	cro, err := buildDnload6(0, data)
	if err != nil {
		return err
	}
	if _, err := m.do(ctx, cro); err != nil {
		return err
	}
	m.advanceMTA0(len(data))
	return nil
}

// Upload issues UPLOAD for size bytes (<=5), returning them and advancing
// the mirrored MTA0.
func (m *Master) Upload(ctx context.Context, size byte) ([]byte, error) {
	cro, err := buildUpload(0, size)
	if err != nil {
		return nil, err
	}
	crm, err := m.do(ctx, cro)
	if err != nil {
		return nil, err
	}
	m.advanceMTA0(int(size))
	return append([]byte(nil), crm.Data[:size]...), nil
}

// ShortUp issues SHORT_UP: an ad-hoc upload that does not touch MTA0.
func (m *Master) ShortUp(ctx context.Context, size byte, extension byte, address uint32) ([]byte, error) {
	cro, err := buildShortUp(0, size, extension, address, m.cfg.ByteOrder)
	if err != nil {
		return nil, err
	}
	crm, err := m.do(ctx, cro)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), crm.Data[:size]...), nil
}

func (m *Master) advanceMTA0(n int) {
	m.mu.Lock()
	m.mta0.address += uint32(n)
	m.mu.Unlock()
}

// MTA0 returns the locally mirrored MTA0 value.
func (m *Master) MTA0() (extension byte, address uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mta0.extension, m.mta0.address
}

// GetDaqSize issues GET_DAQ_SIZE for daqList, returning (numODTs, firstPID).
func (m *Master) GetDaqSize(ctx context.Context, daqList byte) (numODTs byte, firstPID byte, err error) {
	cro := buildGetDaqSize(0, daqList, m.cfg.DtoID, m.cfg.ByteOrder)
	crm, err := m.do(ctx, cro)
	if err != nil {
		return 0, 0, err
	}
	return crm.Data[0], crm.Data[1], nil
}

// SetDaqPtr issues SET_DAQ_PTR, targeting subsequent WriteDaq calls.
func (m *Master) SetDaqPtr(ctx context.Context, daqList, odt, elementIdx byte) error {
	_, err := m.do(ctx, buildSetDaqPtr(0, daqList, odt, elementIdx))
	return err
}

// WriteDaq issues WRITE_DAQ, installing one element at the current
// pointer.
func (m *Master) WriteDaq(ctx context.Context, size, extension byte, address uint32) error {
	_, err := m.do(ctx, buildWriteDaq(0, size, extension, address, m.cfg.ByteOrder))
	return err
}

// StartStop issues START_STOP.
func (m *Master) StartStop(ctx context.Context, mode StartStopMode, daqList, lastODT, eventChannel, prescaler byte) error {
	_, err := m.do(ctx, buildStartStop(0, mode, daqList, lastODT, eventChannel, prescaler))
	return err
}

// StartStopAll issues START_STOP_ALL.
func (m *Master) StartStopAll(ctx context.Context, mode StartStopMode) error {
	_, err := m.do(ctx, buildStartStopAll(0, mode))
	if err != nil {
		return err
	}
	if mode == StartStopModeStart {
		m.setState(DAQRunning)
	} else if mode == StartStopModeStop && m.State() == DAQRunning {
		m.setState(Ready)
	}
	return nil
}

// SetSessionStatus issues SET_S_STATUS with the given status bits (the
// SStatus* constants combined by the caller), used by the DAQ arming
// sequence ahead of SET_DAQ_PTR/WRITE_DAQ.
func (m *Master) SetSessionStatus(ctx context.Context, status byte) error {
	_, err := m.do(ctx, buildSetSStatus(0, status))
	return err
}

// ClearMemory issues CLEAR_MEMORY for size bytes starting at the current
// MTA0. Codec-level only: no higher-level flash sequencing is provided.
func (m *Master) ClearMemory(ctx context.Context, size uint32) error {
	_, err := m.do(ctx, buildClearMemory(0, size, m.cfg.ByteOrder))
	return err
}

// SelectCalPage issues SELECT_CAL_PAGE.
func (m *Master) SelectCalPage(ctx context.Context) error {
	_, err := m.do(ctx, buildSelectCalPage(0))
	return err
}

// GetActiveCalPage issues GET_ACTIVE_CAL_PAGE.
func (m *Master) GetActiveCalPage(ctx context.Context) (CRM, error) {
	return m.do(ctx, buildGetActiveCalPage(0))
}

// Program issues PROGRAM (<=5 bytes). Codec-level only, see ClearMemory.
func (m *Master) Program(ctx context.Context, data []byte) error {
	cro, err := buildProgram(0, data)
	if err != nil {
		return err
	}
	_, err = m.do(ctx, cro)
	return err
}

// Program6 issues PROGRAM_6 (1..6 bytes). Codec-level only, see ClearMemory.
func (m *Master) Program6(ctx context.Context, data []byte) error {
	cro, err := buildProgram6(0, data)
	if err != nil {
		return err
	}
	_, err = m.do(ctx, cro)
	return err
}

// Move issues MOVE for size bytes from MTA0 to MTA1. Codec-level only.
func (m *Master) Move(ctx context.Context, size uint32) error {
	_, err := m.do(ctx, buildMove(0, size, m.cfg.ByteOrder))
	return err
}

// Disconnect issues DISCONNECT and transitions to Disconnected regardless
// of prior state (including Faulted recovery).
func (m *Master) Disconnect(ctx context.Context, kind DisconnectType) error {
	_, err := m.do(ctx, buildDisconnect(0, kind, m.cfg.StationAddress))
	m.setState(Disconnected)
	m.daq.reset()
	return err
}

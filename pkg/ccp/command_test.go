package ccp

import (
	"context"
	"testing"
	"time"
)

// fakeAdapter is an in-memory ccp.Adapter for testing the Command Engine
// and Session Manager without a real CAN bus.
type fakeAdapter struct {
	sent chan [8]byte
	in   chan InboundFrame
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		sent: make(chan [8]byte, 16),
		in:   make(chan InboundFrame, 16),
	}
}

func (f *fakeAdapter) Send(croID uint32, payload [8]byte) error {
	f.sent <- payload
	return nil
}

func (f *fakeAdapter) Recv() <-chan InboundFrame { return f.in }

func (f *fakeAdapter) Close() error { return nil }

// respondCRM reads the next sent CRO and pushes back a CRM with matching
// CTR and the given CRC_ERR/data.
func (f *fakeAdapter) respondCRM(t *testing.T, crcErr byte, data [5]byte) {
	t.Helper()
	select {
	case sent := <-f.sent:
		ctr := sent[1]
		payload := [8]byte{0xFF, crcErr, ctr, data[0], data[1], data[2], data[3], data[4]}
		f.in <- InboundFrame{Payload: payload, Timestamp: time.Now()}
	case <-time.After(time.Second):
		t.Fatal("no CRO was sent")
	}
}

func newTestMaster(t *testing.T, adapter *fakeAdapter, timeout time.Duration) (*Master, context.Context) {
	t.Helper()
	m := NewMaster(adapter, Config{
		CroID:          0x7E0,
		DtoID:          0x7E8,
		StationAddress: 0x0037,
		ByteOrder:      BigEndian,
		Timeout:        timeout,
	})
	ctx := context.Background()
	m.Start(ctx)
	t.Cleanup(m.Stop)
	return m, ctx
}

func TestConnectScenario(t *testing.T) {
	adapter := newFakeAdapter()
	m, ctx := newTestMaster(t, adapter, time.Second)

	done := make(chan error, 1)
	go func() { done <- m.Connect(ctx) }()

	adapter.respondCRM(t, CrcAcknowledge, [5]byte{})

	if err := <-done; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if m.State() != Connected {
		t.Errorf("State() = %v, want Connected", m.State())
	}
}

func TestUploadScenario(t *testing.T) {
	adapter := newFakeAdapter()
	m, ctx := newTestMaster(t, adapter, time.Second)

	want := [4]byte{0xAA, 0xBB, 0xCC, 0xDD}
	done := make(chan struct {
		data []byte
		err  error
	}, 1)
	go func() {
		data, err := m.Upload(ctx, 4)
		done <- struct {
			data []byte
			err  error
		}{data, err}
	}()

	adapter.respondCRM(t, CrcAcknowledge, [5]byte{want[0], want[1], want[2], want[3], 0})

	res := <-done
	if res.err != nil {
		t.Fatalf("Upload: %v", res.err)
	}
	for i, b := range want {
		if res.data[i] != b {
			t.Errorf("data[%d] = 0x%02X, want 0x%02X", i, res.data[i], b)
		}
	}
}

func TestRequestTimeout(t *testing.T) {
	adapter := newFakeAdapter()
	m, ctx := newTestMaster(t, adapter, 20*time.Millisecond)

	err := m.Connect(ctx)
	if err != Timeout {
		t.Fatalf("Connect() error = %v, want Timeout", err)
	}

	// drain the CRO the engine sent, then reply late: it must be
	// discarded because the pending slot was cleared at the deadline.
	sent := <-adapter.sent
	ctr := sent[1]
	time.Sleep(10 * time.Millisecond)
	adapter.in <- InboundFrame{Payload: [8]byte{0xFF, 0x00, ctr, 0, 0, 0, 0, 0}}

	time.Sleep(20 * time.Millisecond)
	if got := m.Diagnostics().CRMMismatchedCTR; got != 1 {
		t.Errorf("CRMMismatchedCTR = %d, want 1 (late CRM must not complete the timed-out request)", got)
	}
}

func TestCTRWrap(t *testing.T) {
	adapter := newFakeAdapter()
	m, ctx := newTestMaster(t, adapter, time.Second)

	for i := 0; i < 257; i++ {
		done := make(chan error, 1)
		go func() { done <- m.Connect(ctx) }()
		adapter.respondCRM(t, CrcAcknowledge, [5]byte{})
		if err := <-done; err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}

	if m.eng.ctr != 1 {
		t.Errorf("ctr after 257 requests = %d, want 1 (wrapped 0xFF->0x00 once)", m.eng.ctr)
	}

	// A stale CRM for CTR 0 (long dead, from request #1) must not
	// correlate with anything now that the engine has moved on.
	adapter.in <- InboundFrame{Payload: [8]byte{0xFF, 0x00, 0x00, 0, 0, 0, 0, 0}}
	time.Sleep(20 * time.Millisecond)
	if got := m.Diagnostics().CRMMismatchedCTR; got != 1 {
		t.Errorf("CRMMismatchedCTR = %d, want 1", got)
	}
}

// TestUnprotectedFlowReachesReady drives the common case for a slave with
// no seed/key protection: Connect, ExchangeID, GetCCPVersion. Unlock is
// never called: ExchangeID completes the handshake, GetCCPVersion keeps the
// session Ready, and DAQInitialize is reachable.
func TestUnprotectedFlowReachesReady(t *testing.T) {
	adapter := newFakeAdapter()
	m, ctx := newTestMaster(t, adapter, time.Second)

	done := make(chan error, 1)
	go func() { done <- m.Connect(ctx) }()
	adapter.respondCRM(t, CrcAcknowledge, [5]byte{})
	if err := <-done; err != nil {
		t.Fatalf("Connect: %v", err)
	}

	exDone := make(chan error, 1)
	go func() {
		_, err := m.ExchangeID(ctx, []byte("go-ccp"))
		exDone <- err
	}()
	adapter.respondCRM(t, CrcAcknowledge, [5]byte{})
	if err := <-exDone; err != nil {
		t.Fatalf("ExchangeID: %v", err)
	}
	if m.State() != Ready {
		t.Fatalf("State() after ExchangeID = %v, want Ready (ExchangeID completes the handshake)", m.State())
	}

	verDone := make(chan error, 1)
	go func() {
		_, err := m.GetCCPVersion(ctx, 2, 1)
		verDone <- err
	}()
	adapter.respondCRM(t, CrcAcknowledge, [5]byte{2, 1, 0, 0, 0})
	if err := <-verDone; err != nil {
		t.Fatalf("GetCCPVersion: %v", err)
	}
	if m.State() != Ready {
		t.Fatalf("State() after GetCCPVersion = %v, want Ready", m.State())
	}

	elements := []Element{{Name: "rpm", Size: 2, ByteOrder: BigEndian, Scale: 1}}
	initDone := make(chan error, 1)
	go func() { initDone <- m.DAQInitialize(ctx, 0, elements) }()

	// GetDaqSize: numODTs=1 at data[0], firstPID=0xF0 at data[1].
	adapter.respondCRM(t, CrcAcknowledge, [5]byte{1, 0xF0, 0, 0, 0})
	adapter.respondCRM(t, CrcAcknowledge, [5]byte{}) // SET_S_STATUS(CAL)
	adapter.respondCRM(t, CrcAcknowledge, [5]byte{}) // SET_DAQ_PTR
	adapter.respondCRM(t, CrcAcknowledge, [5]byte{}) // WRITE_DAQ
	adapter.respondCRM(t, CrcAcknowledge, [5]byte{}) // SET_S_STATUS(CAL|DAQ)

	if err := <-initDone; err != nil {
		t.Fatalf("DAQInitialize: %v (unreachable without Ready)", err)
	}
	if m.State() != Ready {
		t.Errorf("State() after DAQInitialize = %v, want Ready", m.State())
	}
}

// TestNextCTRSkipsRetired verifies that a CTR abandoned by retire is not
// handed back out by nextCTR until it cools down, which is what prevents a
// late CRM from an abandoned request being mistaken for a reply to a new
// request that happens to land on the same CTR after wraparound.
func TestNextCTRSkipsRetired(t *testing.T) {
	eng := newCommandEngine(newFakeAdapter(), 0x7E0, time.Second, nil, &Diagnostics{})
	eng.ctr = 0xFE

	if got := eng.nextCTR(); got != 0xFE {
		t.Fatalf("nextCTR() = 0x%02X, want 0xFE", got)
	}
	if got := eng.nextCTR(); got != 0xFF {
		t.Fatalf("nextCTR() = 0x%02X, want 0xFF", got)
	}
	// eng.ctr has now wrapped to 0x00, the value a request abandoned earlier
	// in the session's life might still be using.
	eng.retire(0x00)

	got := eng.nextCTR()
	if got == 0x00 {
		t.Fatalf("nextCTR() returned 0x00, still cooling down from retire")
	}
	if got != 0x01 {
		t.Errorf("nextCTR() = 0x%02X, want 0x01 (skip over retired 0x00)", got)
	}
}

func TestSlaveErrorMapping(t *testing.T) {
	adapter := newFakeAdapter()
	m, ctx := newTestMaster(t, adapter, time.Second)

	done := make(chan error, 1)
	go func() { done <- m.Connect(ctx) }()
	adapter.respondCRM(t, CrcAccessDenied, [5]byte{})

	err := <-done
	se, ok := err.(*SlaveError)
	if !ok {
		t.Fatalf("error = %v (%T), want *SlaveError", err, err)
	}
	if se.Code != CrcAccessDenied {
		t.Errorf("Code = 0x%02X, want 0x%02X", se.Code, CrcAccessDenied)
	}
}

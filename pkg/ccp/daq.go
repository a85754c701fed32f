package ccp

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const odtCapacity = 7

// odtEntry is one packed element: its byte offset inside its ODT.
type odtEntry struct {
	element Element
	offset  int
}

// PackODTs partitions elements into ODTs of at most 7 bytes using stable
// first-fit bin-packing in the order given. This is a deliberate choice of
// first-fit over first-fit-*decreasing*: elements are never reordered by
// size, so a caller's ordering is preserved in the resulting ODT layout.
func PackODTs(elements []Element) ([][]odtEntry, error) {
	var odts [][]odtEntry
	var used []int

	for _, raw := range elements {
		el := raw.withDefaults()
		if err := el.Validate(); err != nil {
			return nil, err
		}
		placed := false
		for i := range odts {
			if used[i]+el.Size <= odtCapacity {
				odts[i] = append(odts[i], odtEntry{element: el, offset: used[i]})
				used[i] += el.Size
				placed = true
				break
			}
		}
		if !placed {
			odts = append(odts, []odtEntry{{element: el, offset: 0}})
			used = append(used, el.Size)
		}
	}
	return odts, nil
}

// Sample is one decoded, scaled DAQ value.
type Sample struct {
	Name      string
	Value     float64
	Timestamp time.Time
}

// daqState holds the armed ODT map and the last-known-sample cache. Owned
// exclusively by the Master once armed.
type daqState struct {
	mu       sync.Mutex
	daqList  byte
	odts     [][]odtEntry
	firstPID byte
	armed    bool
	samples  *ttlcache.Cache[string, Sample]
}

func (d *daqState) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.odts = nil
	d.armed = false
}

func (d *daqState) ensureCache() {
	if d.samples == nil {
		d.samples = ttlcache.New[string, Sample](
			ttlcache.WithTTL[string, Sample](5 * time.Second),
		)
		go d.samples.Start()
	}
}

// DAQInitialize partitions elements into ODTs for daqList and arms the
// slave: SET_S_STATUS(CAL) ahead of any arming command, then SET_DAQ_PTR ->
// WRITE_DAQ per element in map order, then SET_S_STATUS(CAL|DAQ) once
// armed. It does not start acquisition; call DAQRun for that.
func (m *Master) DAQInitialize(ctx context.Context, daqList byte, elements []Element) error {
	if err := m.requireState(Ready); err != nil {
		return err
	}

	numODTs, firstPID, err := m.GetDaqSize(ctx, daqList)
	if err != nil {
		return err
	}

	odts, err := PackODTs(elements)
	if err != nil {
		return err
	}
	if len(odts) > int(numODTs) {
		return &Capacity{Requested: len(odts), Available: int(numODTs)}
	}

	if err := m.SetSessionStatus(ctx, SStatusCAL); err != nil {
		return err
	}

	for odtIdx, entries := range odts {
		for elIdx, entry := range entries {
			if err := m.SetDaqPtr(ctx, daqList, byte(odtIdx), byte(elIdx)); err != nil {
				return err
			}
			size := byte(entry.element.Size)
			if err := m.WriteDaq(ctx, size, entry.element.Extension, entry.element.Address); err != nil {
				return err
			}
		}
	}

	if err := m.SetSessionStatus(ctx, SStatusCAL|SStatusDAQ); err != nil {
		return err
	}

	m.daq.mu.Lock()
	m.daq.daqList = daqList
	m.daq.odts = odts
	m.daq.firstPID = firstPID
	m.daq.armed = true
	m.daq.ensureCache()
	m.daq.mu.Unlock()
	return nil
}

// DAQRun prepares and starts acquisition for the armed DAQ list.
func (m *Master) DAQRun(ctx context.Context, eventChannel, prescaler byte) error {
	m.daq.mu.Lock()
	if !m.daq.armed {
		m.daq.mu.Unlock()
		return &ProtocolViolation{Expected: Ready, Actual: m.State()}
	}
	daqList := m.daq.daqList
	lastODT := byte(len(m.daq.odts) - 1)
	m.daq.mu.Unlock()

	if err := m.StartStop(ctx, StartStopModePrepare, daqList, lastODT, eventChannel, prescaler); err != nil {
		return err
	}
	return m.StartStopAll(ctx, StartStopModeStart)
}

// DAQStop stops acquisition. The ODT map is retained so a subsequent
// DAQRun without re-DAQInitialize is valid.
func (m *Master) DAQStop(ctx context.Context) error {
	return m.StartStopAll(ctx, StartStopModeStop)
}

// LastSamples returns the most recent decoded value, keyed by element name,
// for each element that produced a sample within the cache TTL (5 s). It
// returns nil before the first successful DAQInitialize.
func (m *Master) LastSamples() map[string]Sample {
	m.daq.mu.Lock()
	defer m.daq.mu.Unlock()
	if m.daq.samples == nil {
		return nil
	}
	out := make(map[string]Sample)
	for name, item := range m.daq.samples.Items() {
		out[name] = item.Value()
	}
	return out
}

// decodeDAQFrame is invoked by the inbound pump for every frame classified
// as a DAQ-DTO. It never returns an error to the caller; malformed or
// unexpected frames are counted in Diagnostics instead.
func (m *Master) decodeDAQFrame(f DAQFrame, ts time.Time) {
	m.daq.mu.Lock()
	if !m.daq.armed {
		m.daq.mu.Unlock()
		m.diag.unexpectedPID.Add(1)
		return
	}
	idx := int(f.ODTNumber) - int(m.daq.firstPID)
	if idx < 0 || idx >= len(m.daq.odts) {
		m.daq.mu.Unlock()
		m.diag.unexpectedPID.Add(1)
		return
	}
	entries := m.daq.odts[idx]
	cache := m.daq.samples
	m.daq.mu.Unlock()

	for _, entry := range entries {
		if entry.offset+entry.element.Size > len(f.Data) {
			m.diag.decodeErrors.Add(1)
			continue
		}
		raw := f.Data[entry.offset : entry.offset+entry.element.Size]
		value, err := entry.element.decode(raw)
		if err != nil {
			m.diag.decodeErrors.Add(1)
			continue
		}
		sample := Sample{Name: entry.element.Name, Value: value, Timestamp: ts}
		if cache != nil {
			cache.Set(entry.element.Name, sample, ttlcache.DefaultTTL)
		}
		if m.onSample != nil {
			m.onSample(sample)
		}
	}
}

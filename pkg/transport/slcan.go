package transport

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SLCANAdapter speaks the SLCAN ASCII protocol over a serial link, the
// shape used by USB-CAN dongles (Lawicel-compatible): open the port with
// go.bug.st/serial, set a short read timeout, and run a dedicated reader
// goroutine.
type SLCANAdapter struct {
	port  string
	baud  int
	dtoID uint32

	sp serial.Port

	out       chan InboundFrame
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// NewSLCANAdapter opens port at baud and starts the reader. canRate is the
// nominal CAN bitrate used to select the SLCAN "Sx" speed command on open.
func NewSLCANAdapter(port string, baud int, canRate int, dtoID uint32) (*SLCANAdapter, error) {
	mode := &serial.Mode{BaudRate: baud}
	sp, err := serial.Open(port, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", port, err)
	}
	sp.SetReadTimeout(5 * time.Millisecond)

	if err := writeCommand(sp, slcanSpeedCommand(canRate)); err != nil {
		sp.Close()
		return nil, err
	}
	if err := writeCommand(sp, "O"); err != nil { // open channel
		sp.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &SLCANAdapter{
		port:   port,
		baud:   baud,
		dtoID:  dtoID,
		sp:     sp,
		out:    make(chan InboundFrame, inboundBuffer),
		cancel: cancel,
	}
	go a.run(ctx)
	return a, nil
}

func slcanSpeedCommand(canRate int) string {
	switch {
	case canRate >= 1000000:
		return "S8"
	case canRate >= 500000:
		return "S6"
	case canRate >= 250000:
		return "S5"
	case canRate >= 125000:
		return "S4"
	default:
		return "S3"
	}
}

func writeCommand(sp serial.Port, cmd string) error {
	_, err := sp.Write([]byte(cmd + "\r"))
	return err
}

// run reads SLCAN lines ("tIIILDD...\r" for an 11-bit standard frame) and
// forwards frames whose identifier matches dtoID.
func (a *SLCANAdapter) run(ctx context.Context) {
	defer close(a.out)
	reader := bufio.NewReader(a.sp)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line, err := reader.ReadString('\r')
		if err != nil {
			continue
		}
		frame, ok := parseSLCANLine(strings.TrimSpace(line))
		if !ok || frame.ID != a.dtoID {
			continue
		}
		select {
		case a.out <- InboundFrame{ID: frame.ID, Payload: frame.Payload, Timestamp: now()}:
		case <-ctx.Done():
			return
		}
	}
}

type slcanFrame struct {
	ID      uint32
	Payload [8]byte
}

// parseSLCANLine decodes a standard-frame "tIIILDDDDDDDDDDDDDDDD" line.
func parseSLCANLine(line string) (slcanFrame, bool) {
	if len(line) < 5 || line[0] != 't' {
		return slcanFrame{}, false
	}
	id, err := strconv.ParseUint(line[1:4], 16, 16)
	if err != nil {
		return slcanFrame{}, false
	}
	length, err := strconv.Atoi(line[4:5])
	if err != nil || length < 0 || length > 8 {
		return slcanFrame{}, false
	}
	var f slcanFrame
	f.ID = uint32(id)
	dataHex := line[5:]
	for i := 0; i < length && i*2+2 <= len(dataHex); i++ {
		b, err := strconv.ParseUint(dataHex[i*2:i*2+2], 16, 8)
		if err != nil {
			return slcanFrame{}, false
		}
		f.Payload[i] = byte(b)
	}
	return f, true
}

// Send transmits payload as an SLCAN "tIIILDD..." line.
func (a *SLCANAdapter) Send(croID uint32, payload [8]byte) error {
	var sb strings.Builder
	sb.WriteByte('t')
	sb.WriteString(fmt.Sprintf("%03X", croID&0x7FF))
	sb.WriteString(strconv.Itoa(8))
	for _, b := range payload {
		sb.WriteString(fmt.Sprintf("%02X", b))
	}
	return writeCommand(a.sp, sb.String())
}

// Recv returns the channel of inbound frames already filtered to dtoID.
func (a *SLCANAdapter) Recv() <-chan InboundFrame { return a.out }

// Close closes the channel and the serial port.
func (a *SLCANAdapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.cancel()
		writeCommand(a.sp, "C") // close channel
		err = a.sp.Close()
	})
	return err
}

package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

// SocketCANAdapter is the default production ccp.Adapter: it dials a Linux
// SocketCAN interface (e.g. "can0", "vcan0") and pairs a Transmitter with a
// Receiver over the resulting connection.
type SocketCANAdapter struct {
	dtoID uint32

	conn net.Conn
	tx   *socketcan.Transmitter
	rx   *socketcan.Receiver

	out       chan InboundFrame
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// NewSocketCANAdapter dials iface (e.g. "can0") and starts the receive
// pump, delivering only frames whose arbitration ID equals dtoID.
func NewSocketCANAdapter(ctx context.Context, iface string, dtoID uint32) (*SocketCANAdapter, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, fmt.Errorf("transport: socketcan dial %s: %w", iface, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a := &SocketCANAdapter{
		dtoID:  dtoID,
		conn:   conn,
		tx:     socketcan.NewTransmitter(conn),
		rx:     socketcan.NewReceiver(conn),
		out:    make(chan InboundFrame, inboundBuffer),
		cancel: cancel,
	}
	go a.run(runCtx)
	return a, nil
}

func (a *SocketCANAdapter) run(ctx context.Context) {
	defer close(a.out)
	for a.rx.Receive() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		frame := a.rx.Frame()
		if frame.ID != a.dtoID || frame.IsRemote {
			continue
		}
		var payload [8]byte
		copy(payload[:], frame.Data[:frame.Length])
		select {
		case a.out <- InboundFrame{ID: frame.ID, Payload: payload, Timestamp: now()}:
		case <-ctx.Done():
			return
		}
	}
}

// Send transmits payload as an 8-byte classic CAN frame under croID.
func (a *SocketCANAdapter) Send(croID uint32, payload [8]byte) error {
	frame := can.Frame{
		ID:     croID,
		Length: 8,
		Data:   can.Data(payload),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := a.tx.TransmitFrame(ctx, frame); err != nil {
		return fmt.Errorf("transport: transmit: %w", err)
	}
	return nil
}

// Recv returns the channel of inbound frames already filtered to dtoID.
func (a *SocketCANAdapter) Recv() <-chan InboundFrame { return a.out }

// Close tears down the receive pump and the underlying socket.
func (a *SocketCANAdapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.cancel()
		err = a.conn.Close()
	})
	return err
}

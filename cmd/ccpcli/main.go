// Command ccpcli is a minimal command-line CCP master: connect, optionally
// upload bytes from the current MTA0, print the session state, disconnect.
// It does not set up or run a DAQ list. It has no GUI — just a small,
// flag-driven main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/fatih/color"

	"github.com/roffe/ccpmaster/pkg/ccp"
	"github.com/roffe/ccpmaster/pkg/transport"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

func main() {
	var (
		iface    = flag.String("iface", "can0", "SocketCAN interface name")
		croID    = flag.Uint("cro-id", 0x7E0, "CRO (master->slave) CAN id")
		dtoID    = flag.Uint("dto-id", 0x7E8, "DTO (slave->master) CAN id")
		station  = flag.Uint("station", 0x0000, "16-bit station address")
		uploadSz = flag.Uint("upload", 0, "if > 0, upload this many bytes from the current MTA0 and exit")
		timeout  = flag.Duration("timeout", ccp.DefaultTimeout, "per-command timeout")
	)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	adapter, err := transport.NewSocketCANAdapter(ctx, *iface, uint32(*dtoID))
	if err != nil {
		log.Fatalf("ccpcli: %v", err)
	}
	defer adapter.Close()

	master := ccp.NewMaster(adapter, ccp.Config{
		CroID:          uint32(*croID),
		DtoID:          uint32(*dtoID),
		StationAddress: uint16(*station),
		ByteOrder:      ccp.BigEndian,
		Timeout:        *timeout,
	})
	master.OnEvent(func(ev ccp.EventMessage) {
		log.Printf("ccpcli: event code=0x%02X", ev.EventCode)
	})
	master.Start(ctx)

	if err := retry.Do(
		func() error { return master.Connect(ctx) },
		retry.Context(ctx),
		retry.DelayType(retry.FixedDelay),
		retry.Delay(200*time.Millisecond),
		retry.Attempts(3),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Printf("ccpcli: connect attempt %d failed: %v", n+1, err)
		}),
	); err != nil {
		log.Fatalf("ccpcli: connect: %v", err)
	}
	color.Green("connected to station 0x%04X", *station)

	if *uploadSz > 0 {
		data, err := master.Upload(ctx, byte(*uploadSz))
		if err != nil {
			color.Red("upload failed: %v", err)
			os.Exit(1)
		}
		fmt.Printf("% X\n", data)
	}

	printState(master)

	if err := master.Disconnect(ctx, ccp.DisconnectTemporary); err != nil {
		color.Red("disconnect failed: %v", err)
	}
	master.Stop()
	_ = master.Wait()
}

func printState(m *ccp.Master) {
	switch m.State() {
	case ccp.Ready, ccp.Connected:
		color.Green("state: %s", m.State())
	case ccp.Faulted:
		color.Red("state: %s", m.State())
	default:
		color.Yellow("state: %s", m.State())
	}
}

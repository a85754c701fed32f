// Package transport provides concrete ccp.Adapter implementations: a
// SocketCAN adapter for real vehicle/bench buses and an SLCAN adapter for
// USB-CAN dongles that speak the SLCAN ASCII protocol over a serial link.
package transport

import (
	"time"

	"github.com/roffe/ccpmaster/pkg/ccp"
)

// Adapter is the contract a Master is driven over. It mirrors
// ccp.Adapter — kept as a local alias so callers can depend on package
// transport without importing package ccp just for the type name.
type Adapter = ccp.Adapter

// InboundFrame is a type alias for ccp.InboundFrame.
type InboundFrame = ccp.InboundFrame

// inboundBuffer is the default channel capacity for the adapters' inbound
// channel; sized generously since the pump goroutine is expected to drain
// it promptly.
const inboundBuffer = 256

// now is overridable in tests; production code always uses time.Now.
var now = time.Now

//go:build tinygo || baremetal

// This file is built only for embedded targets (using a real UART).
package robustserial

import (
	"machine"

	"github.com/ystepanoff/robustserial/physical"
	"github.com/ystepanoff/robustserial/physical/uart"
	"github.com/ystepanoff/robustserial/stack"
)

// NewEmbeddedStack wires a Stack over u, which the caller must already have
// configured (baud rate, pins) and started. The system's real monotonic
// clock drives keep-alive and timeout timing, same as on the host.
func NewEmbeddedStack(u *machine.UART) *Stack {
	return stack.New(uart.New(u), physical.NewSystemClock())
}

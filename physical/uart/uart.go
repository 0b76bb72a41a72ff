//go:build tinygo || baremetal

// Package uart provides a Physical implementation backed by a TinyGo
// machine.UART, the embedded counterpart to physical/loopback.
package uart

import (
	"machine"
)

const maxPayloadSize = 250 // matches protocol.LinkMaxPayloadSize

// Driver sends and receives raw bytes over a machine.UART.
type Driver struct {
	uart *machine.UART
	rx   chan byte
}

// New wraps an already-configured UART (baud rate, pins, etc. are the
// caller's responsibility, keeping configuration separate from the byte-level
// driver wrapped here).
func New(u *machine.UART) *Driver {
	d := &Driver{uart: u, rx: make(chan byte, maxPayloadSize*2)}
	u.SetInterruptHandler(d.onInterrupt)
	return d
}

func (d *Driver) MaxPayloadSize() uint16 { return maxPayloadSize }

// Send writes data to the UART. TinyGo's machine.UART.Write blocks until the
// hardware FIFO accepts the bytes, so no separate "enable/wait for READY"
// dance is required.
func (d *Driver) Send(data []byte) (int, error) {
	n, err := d.uart.Write(data)
	return n, err
}

func (d *Driver) onInterrupt(u *machine.UART) {
	for u.Buffered() > 0 {
		b, err := u.ReadByte()
		if err != nil {
			return
		}
		select {
		case d.rx <- b:
		default:
			// receive channel full; drop this byte rather than block in
			// the interrupt handler.
		}
	}
}

// Drain returns any bytes received since the last call, for the host loop to
// hand to the link layer's on-receive entry point.
func (d *Driver) Drain() []byte {
	var out []byte
	for {
		select {
		case b := <-d.rx:
			out = append(out, b)
		default:
			return out
		}
	}
}

//go:build !tinygo && !baremetal

// This file is built only for non-embedded targets (host-based testing and
// demos), wiring the stack over an in-memory loopback pipe.
package robustserial

import (
	"github.com/ystepanoff/robustserial/physical"
	"github.com/ystepanoff/robustserial/physical/loopback"
	"github.com/ystepanoff/robustserial/stack"
)

// NewHostStack returns a Stack over a fresh, unconnected loopback.Pipe and
// the system's real monotonic clock. To wire two stacks together for a demo
// or test, create two Pipes, join them with loopback.Connect and pass each
// to NewHostStackWithPipe, or construct a Stack directly with stack.New over your own
// physical.Physical for a real host transport such as a serial port.
func NewHostStack() *Stack {
	return NewHostStackWithPipe(loopback.New(250))
}

// NewHostStackWithPipe builds a Stack over an existing loopback.Pipe, for
// callers that need to hold onto the Pipe to Connect it to a peer or Drain
// it themselves.
func NewHostStackWithPipe(pipe *loopback.Pipe) *Stack {
	return stack.New(pipe, physical.NewSystemClock())
}

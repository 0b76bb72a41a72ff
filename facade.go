// Package robustserial provides a façade over the physical/link/transport
// stack: applications construct a stack.Stack through NewHostStack (or the
// embedded-target NewEmbeddedStack) and drive it through this package's
// re-exported types rather than importing the layer packages directly.
package robustserial

import (
	"github.com/ystepanoff/robustserial/protocol"
	"github.com/ystepanoff/robustserial/stack"
)

// The actual constructors are split into build-tag specific files:
// - constructors_embedded.go - for embedded platforms (//go:build tinygo || baremetal)
// - constructors_host.go - for development/testing (//go:build !tinygo && !baremetal)

// Re-exported types so callers need only import this package.
type (
	Stack  = stack.Stack
	Config = stack.Config
	Event  = stack.Event
	State  = stack.State
)

// Re-exported stack states.
const (
	StateInit       = stack.StateInit
	StateReady      = stack.StateReady
	StateConnecting = stack.StateConnecting
	StateConnected  = stack.StateConnected
	StateError      = stack.StateError
)

// Re-exported stack events.
const (
	EventReady                 = stack.EventReady
	EventConnected             = stack.EventConnected
	EventDisconnected          = stack.EventDisconnected
	EventError                 = stack.EventError
	EventTimeout               = stack.EventTimeout
	EventDataReceived          = stack.EventDataReceived
	EventDataSent              = stack.EventDataSent
	EventDatagramReceived      = stack.EventDatagramReceived
	EventOutgoingDataAvailable = stack.EventOutgoingDataAvailable
	EventIncomingDataAvailable = stack.EventIncomingDataAvailable
)

// DefaultConfig returns the protocol's default keep-alive/timeout parameters.
func DefaultConfig() Config { return stack.DefaultConfig() }

// Error constants exposed in the public API.
var (
	ErrInvalidState = protocol.ErrInvalidState
	ErrNotConnected = protocol.ErrNotConnected
	ErrInvalidParam = protocol.ErrInvalidParam
	ErrTimeout      = protocol.ErrTimeout
	ErrBufferFull   = protocol.ErrBufferFull
)

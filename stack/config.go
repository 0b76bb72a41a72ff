package stack

import "github.com/ystepanoff/robustserial/protocol"

// Config carries the timing parameters a Stack is started with.
type Config struct {
	KeepaliveIntervalMs uint32
	ConnectionTimeoutMs uint32
}

// DefaultConfig returns the protocol's default timing parameters.
func DefaultConfig() Config {
	return Config{
		KeepaliveIntervalMs: protocol.DefaultKeepaliveIntervalMs,
		ConnectionTimeoutMs: protocol.DefaultConnectionTimeoutMs,
	}
}

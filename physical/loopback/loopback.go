//go:build !tinygo && !baremetal

// Package loopback provides an in-memory Physical implementation used by
// host builds, tests and demos in place of a real UART.
package loopback

import (
	"sync"

	"github.com/golang/glog"
)

const ringCapacity = 64

// Pipe is a Physical endpoint. Two Pipes wired together with Connect form a
// full-duplex in-memory link: bytes sent on one side are delivered to the
// other's incoming queue, the way a null-modem cable connects two UARTs.
type Pipe struct {
	mu      sync.Mutex
	peer    *Pipe
	rxBuf   ringBuffer
	maxSize uint16
}

// New creates an unconnected Pipe with the given advertised max payload size.
func New(maxPayloadSize uint16) *Pipe {
	return &Pipe{maxSize: maxPayloadSize}
}

// Connect wires two pipes together so each one's Send delivers bytes to the
// other's receive queue.
func Connect(a, b *Pipe) {
	a.peer = b
	b.peer = a
}

func (p *Pipe) MaxPayloadSize() uint16 { return p.maxSize }

// Send hands data to the connected peer's incoming queue. Returns the number
// of bytes accepted, mirroring the original RadioDriver.Tx contract adapted
// to report byte counts rather than a bare error.
func (p *Pipe) Send(data []byte) (int, error) {
	if p.peer == nil {
		glog.Warning("loopback: send on unconnected pipe")
		return 0, nil
	}
	p.peer.deliver(data)
	return len(data), nil
}

func (p *Pipe) deliver(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	frame := make([]byte, len(data))
	copy(frame, data)
	p.rxBuf.push(frame)
}

// Drain removes and returns all bytes queued for receipt, in order, for the
// host loop to pass to the link layer's on-receive entry point.
func (p *Pipe) Drain() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []byte
	for {
		frame, ok := p.rxBuf.pop()
		if !ok {
			break
		}
		out = append(out, frame...)
	}
	return out
}

// InjectRx delivers bytes directly into this pipe's receive queue, for
// fault-injection tests that don't go through a connected peer.
func (p *Pipe) InjectRx(data []byte) {
	p.deliver(data)
}

type ringBuffer struct {
	data       [ringCapacity][]byte
	head, tail int
	count      int
}

func (rb *ringBuffer) push(frame []byte) {
	if rb.count == ringCapacity {
		rb.data[rb.tail] = nil
		rb.head = (rb.head + 1) % ringCapacity
		rb.count--
	}
	rb.data[rb.tail] = frame
	rb.tail = (rb.tail + 1) % ringCapacity
	rb.count++
}

func (rb *ringBuffer) pop() ([]byte, bool) {
	if rb.count == 0 {
		return nil, false
	}
	frame := rb.data[rb.head]
	rb.data[rb.head] = nil
	rb.head = (rb.head + 1) % ringCapacity
	rb.count--
	return frame, true
}

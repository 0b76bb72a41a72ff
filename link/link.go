// Package link implements the Link Layer: frame construction, CRC16
// validation and COBS-based delimiting between frames, on top of a
// physical.Physical byte sink/source.
package link

import (
	"sync"

	"github.com/golang/glog"

	"github.com/ystepanoff/robustserial/physical"
	"github.com/ystepanoff/robustserial/protocol"
)

// Receiver is implemented by whatever sits above the link layer (normally
// the transport layer) to receive decoded DATA frame payloads.
type Receiver interface {
	OnReceive(data []byte)
}

// Layer is the Link Layer engine. It owns fixed-size scratch and queue
// buffers sized to the worst case so no allocation occurs on the hot path,
// matching the original embedded design.
type Layer struct {
	mu    sync.Mutex
	state State

	down physical.Physical
	up   Receiver

	onEvent func(Event)

	frameBuffer   [protocol.LinkMaxFrameSize]byte
	encodedBuffer [protocol.COBSMaxEncodedSize]byte
	decodeBuffer  [protocol.LinkMaxFrameSize]byte

	outgoingBuffer [protocol.LinkOutgoingBufferSize]byte
	outgoingLen    int

	incomingBuffer [protocol.LinkIncomingBufferSize]byte
	incomingLen    int
}

// New creates a Layer ready to send through down once SetUpLayer/SetEventCallback
// (if used) are wired.
func New(down physical.Physical) *Layer {
	l := &Layer{down: down, state: StateReady}
	return l
}

func (l *Layer) SetUpLayer(up Receiver)          { l.up = up }
func (l *Layer) SetEventCallback(cb func(Event)) { l.onEvent = cb }

func (l *Layer) State() State { return l.state }

func (l *Layer) MaxPayloadSize() uint16 { return protocol.LinkMaxPayloadSize }

func (l *Layer) emit(e Event) {
	if l.onEvent != nil {
		l.onEvent(e)
	}
}

// Reset restores the state machine to READY. Queued bytes are left in place,
// matching the original LinkLayer::reset(), which does not clear the
// outgoing/incoming buffers.
func (l *Layer) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateReady
	l.emit(EventReady)
}

// Send constructs a DATA frame around payload, COBS-encodes it, and queues
// the result (plus trailing delimiter) in the outgoing buffer.
func (l *Layer) Send(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.down == nil {
		l.emit(EventError)
		return protocol.ErrLinkInvalidParam
	}
	if len(payload) > protocol.LinkMaxPayloadSize {
		l.emit(EventError)
		return protocol.ErrLinkInvalidParam
	}
	if l.state == StateError {
		l.state = StateReady // auto-reset from error state on new transmission
	}

	n, err := protocol.EncodeFrame(protocol.LinkFrameTypeData, payload, l.frameBuffer[:])
	if err != nil {
		l.state = StateError
		l.emit(EventError)
		return protocol.ErrLinkGeneral
	}

	// Encoded into the full 257-byte COBS bound, not LinkMaxFrameSize (254):
	// the original source passed the smaller bound here, a latent overflow
	// risk this port avoids.
	encodedLen, err := protocol.COBSEncode(l.frameBuffer[:n], l.encodedBuffer[:])
	if err != nil {
		l.state = StateError
		l.emit(EventError)
		return protocol.ErrLinkGeneral
	}
	l.encodedBuffer[encodedLen] = 0x00
	encodedLen++

	if l.outgoingLen+encodedLen > protocol.LinkOutgoingBufferSize {
		l.emit(EventError)
		return protocol.ErrLinkBufferFull
	}
	copy(l.outgoingBuffer[l.outgoingLen:], l.encodedBuffer[:encodedLen])
	l.outgoingLen += encodedLen

	l.emit(EventOutgoingDataAvailable)
	return nil
}

// ProcessOutgoingData flushes queued bytes to the physical layer, returning
// the number of bytes the physical layer accepted.
func (l *Layer) ProcessOutgoingData() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.outgoingLen == 0 || l.state != StateReady {
		return 0, nil
	}

	// Never hand the physical layer more than it advertises per call.
	chunk := l.outgoingLen
	if limit := int(l.down.MaxPayloadSize()); limit > 0 && chunk > limit {
		chunk = limit
	}

	l.state = StateSending
	n, err := l.down.Send(l.outgoingBuffer[:chunk])
	if n > 0 {
		copy(l.outgoingBuffer[:], l.outgoingBuffer[n:l.outgoingLen])
		l.outgoingLen -= n
	}
	l.state = StateReady

	return n, err
}

// OnReceive appends raw bytes from the physical layer to the incoming queue.
func (l *Layer) OnReceive(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.incomingLen+len(data) > protocol.LinkIncomingBufferSize {
		l.incomingLen = 0
		return protocol.ErrLinkBufferFull
	}
	copy(l.incomingBuffer[l.incomingLen:], data)
	l.incomingLen += len(data)

	l.emit(EventIncomingDataAvailable)
	return nil
}

// ProcessIncomingData extracts as many complete COBS frames as are
// available, validating each and forwarding DATA payloads upward. It always
// returns nil; failures are reported as events, per the original design.
func (l *Layer) ProcessIncomingData() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for l.incomingLen > 0 {
		decodedLen, consumed, decErr := protocol.COBSDecode(l.incomingBuffer[:l.incomingLen], l.decodeBuffer[:])

		if decErr == protocol.ErrCOBSIncomplete {
			return nil // wait for more data
		}
		if decErr != nil || decodedLen < protocol.LinkMinFrameSize {
			// Resync: drop exactly one byte and retry.
			l.dropBytes(1)
			continue
		}

		frameType, payload, fErr := protocol.DecodeFrame(l.decodeBuffer[:decodedLen])
		switch {
		case fErr == protocol.ErrLinkCRCError:
			glog.Warning("link: CRC mismatch, dropping frame")
			l.state = StateError
			l.emit(EventCRCError)
		case fErr != nil:
			glog.V(2).Infof("link: malformed frame, dropping: %v", fErr)
		case frameType == protocol.LinkFrameTypeData:
			delivered := append([]byte(nil), payload...)
			l.dropBytes(consumed)
			l.state = StateReady
			if up := l.up; up != nil {
				// The upper layer may reply through Send on this same
				// layer, so the lock is released for the upcall.
				l.mu.Unlock()
				up.OnReceive(delivered)
				l.mu.Lock()
			}
			l.emit(EventFrameReceived)
			continue
		default:
			// Reserved frame type: enter ERROR without emitting an event,
			// matching the original's commented-out report_event call here.
			l.state = StateError
		}

		l.dropBytes(consumed)
	}

	return nil
}

func (l *Layer) dropBytes(n int) {
	if n <= 0 || n > l.incomingLen {
		n = l.incomingLen
	}
	copy(l.incomingBuffer[:], l.incomingBuffer[n:l.incomingLen])
	l.incomingLen -= n
}

// Package stack wires the Physical, Link and Transport layers together and
// exposes a single coordinator API to applications, mirroring the original
// design's RobustStack.
package stack

import (
	"sync"

	"github.com/golang/glog"

	"github.com/ystepanoff/robustserial/link"
	"github.com/ystepanoff/robustserial/physical"
	"github.com/ystepanoff/robustserial/protocol"
	"github.com/ystepanoff/robustserial/transport"
)

// transportAdapter lets *transport.Layer satisfy link.Receiver: the link
// layer's upward contract has no error return (decode failures are already
// reported as link events), while transport.OnReceive returns one for its
// own callers, so we drop it here with a trace log.
type transportAdapter struct {
	t *transport.Layer
}

func (a *transportAdapter) OnReceive(data []byte) {
	if err := a.t.OnReceive(data); err != nil {
		glog.V(2).Infof("stack: transport rejected packet: %v", err)
	}
}

// Stack is the coordinator: it owns the link and transport layers, wires
// them to the caller-supplied physical.Physical, and exposes connection
// management, data transfer and periodic tick/process entry points.
type Stack struct {
	mu sync.Mutex

	phy       physical.Physical
	link      *link.Layer
	transport *transport.Layer

	state State

	onEvent    func(Event)
	onData     func([]byte)
	onDatagram func([]byte)
}

// New creates a Stack over phy with default timing, in the INIT state.
// Call Initialize before using it.
func New(phy physical.Physical, clock physical.Clock) *Stack {
	return NewWithConfig(phy, clock, DefaultConfig())
}

// NewWithConfig creates a Stack with explicit keep-alive/timeout parameters.
func NewWithConfig(phy physical.Physical, clock physical.Clock, cfg Config) *Stack {
	s := &Stack{phy: phy, state: StateInit}

	s.link = link.New(phy)
	s.transport = transport.New(s.link, clock)
	s.transport.SetTimeout(cfg.KeepaliveIntervalMs, cfg.ConnectionTimeoutMs)

	s.link.SetUpLayer(&transportAdapter{t: s.transport})
	s.transport.SetUpLayer(s)

	s.link.SetEventCallback(s.onLinkEvent)
	s.transport.SetEventCallback(s.onTransportEvent)

	return s
}

func (s *Stack) SetEventCallback(cb func(Event))     { s.onEvent = cb }
func (s *Stack) SetDataCallback(cb func([]byte))     { s.onData = cb }
func (s *Stack) SetDatagramCallback(cb func([]byte)) { s.onDatagram = cb }

func (s *Stack) State() State      { return s.state }
func (s *Stack) IsConnected() bool { return s.state == StateConnected }

func (s *Stack) emit(e Event) {
	if s.onEvent != nil {
		s.onEvent(e)
	}
}

func (s *Stack) setState(n State) { s.state = n }

// Initialize brings all layers up and transitions the stack to READY.
func (s *Stack) Initialize() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.link.Reset()
	s.transport.Initialize()

	s.setState(StateReady)
	glog.Info("stack: initialized")
	s.emit(EventReady)
}

// Reset reinitializes every layer and returns the stack to READY, for use
// after a connection failure to prepare for a fresh attempt.
func (s *Stack) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.link.Reset()
	s.transport.Initialize()

	s.setState(StateReady)
	glog.Info("stack: reset")
	s.emit(EventReady)
}

// Connect initiates a connection as client.
func (s *Stack) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateConnected {
		return nil
	}
	if s.state != StateReady {
		return protocol.ErrInvalidState
	}

	s.setState(StateConnecting)
	if err := s.transport.Connect(); err != nil {
		s.setState(StateError)
		s.emit(EventError)
		return err
	}
	return nil
}

// Listen starts listening for incoming connections as server. Like the
// original design, a successful listen moves the coordinator's own state to
// CONNECTING (there is no separate LISTENING state at this level) while the
// transport layer underneath tracks LISTENING precisely.
func (s *Stack) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateConnecting || s.state == StateConnected {
		return nil
	}
	if s.state != StateReady {
		return protocol.ErrInvalidState
	}

	s.setState(StateConnecting)
	if err := s.transport.Listen(); err != nil {
		s.setState(StateError)
		s.emit(EventError)
		return err
	}
	return nil
}

// Disconnect begins a graceful teardown of an established connection.
func (s *Stack) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return protocol.ErrNotConnected
	}

	err := s.transport.Disconnect()
	if err == nil {
		s.setState(StateReady)
		s.emit(EventDisconnected)
	} else {
		s.setState(StateError)
		s.emit(EventError)
	}
	return err
}

// Send transmits application data over the established connection.
func (s *Stack) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(data) == 0 {
		return protocol.ErrInvalidParam
	}
	if s.state != StateConnected {
		return protocol.ErrInvalidState
	}

	err := s.transport.Send(data)
	if err == nil {
		s.emit(EventDataSent)
	}
	return err
}

// SendDatagram transmits data over the connectionless side channel. Unlike
// Send, this is available once the stack is READY, even before a connection
// is established.
func (s *Stack) SendDatagram(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(data) == 0 {
		return protocol.ErrInvalidParam
	}
	if s.state != StateReady && s.state != StateConnected {
		return protocol.ErrInvalidState
	}

	err := s.transport.SendDatagram(data)
	if err == nil {
		s.emit(EventDataSent)
	}
	return err
}

// OnReceive implements transport.Receiver: the transport layer calls this
// with the payload of one in-order DATA packet.
func (s *Stack) OnReceive(data []byte) {
	if s.onData != nil {
		s.onData(data)
	}
	s.emit(EventDataReceived)
}

// OnDatagram implements transport.Receiver for the datagram side channel.
func (s *Stack) OnDatagram(data []byte) {
	if s.onDatagram != nil {
		s.onDatagram(data)
	}
	s.emit(EventDatagramReceived)
}

// SetTimeout overrides the transport layer's keep-alive interval and
// connection timeout.
func (s *Stack) SetTimeout(keepaliveMs, timeoutMs uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport.SetTimeout(keepaliveMs, timeoutMs)
}

// Tick drives periodic housekeeping (keep-alive, connection/teardown
// timeouts). Call it regularly from the host application's main loop.
func (s *Stack) Tick() {
	s.transport.Tick()
}

// ProcessOutgoingData flushes queued link-layer bytes to the physical layer.
// Call it regularly, or in response to EventOutgoingDataAvailable.
func (s *Stack) ProcessOutgoingData() (int, error) {
	return s.link.ProcessOutgoingData()
}

// ProcessIncomingData decodes queued link-layer bytes into frames and
// dispatches them upward. Call it regularly, or in response to
// EventIncomingDataAvailable.
func (s *Stack) ProcessIncomingData() error {
	return s.link.ProcessIncomingData()
}

// QueueLinkData hands raw bytes received from the physical layer to the
// link layer's incoming queue.
func (s *Stack) QueueLinkData(data []byte) error {
	return s.link.OnReceive(data)
}

func (s *Stack) onTransportEvent(e transport.Event) {
	switch e {
	case transport.EventConnected:
		glog.Info("stack: connected")
		s.setState(StateConnected)
		s.emit(EventConnected)
	case transport.EventDisconnected:
		glog.Info("stack: disconnected")
		s.setState(StateReady)
		s.emit(EventDisconnected)
	case transport.EventError:
		glog.Warning("stack: transport error")
		s.setState(StateError)
		s.emit(EventError)
	case transport.EventTimeout:
		glog.Warning("stack: transport timeout")
		s.setState(StateError)
		s.emit(EventTimeout)
	}
}

func (s *Stack) onLinkEvent(e link.Event) {
	switch e {
	case link.EventCRCError:
		glog.Warning("stack: link CRC error")
	case link.EventError:
		glog.Warning("stack: link error")
	case link.EventOutgoingDataAvailable:
		s.emit(EventOutgoingDataAvailable)
	case link.EventIncomingDataAvailable:
		s.emit(EventIncomingDataAvailable)
	}
}

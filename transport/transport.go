// Package transport implements the connection-oriented Transport Layer:
// three-way handshake, sequence-numbered stop-and-wait data delivery with
// ACK/NACK, keep-alive monitoring, graceful teardown, and an unreliable
// datagram side channel, all carried over a link.Layer below it.
package transport

import (
	"sync"

	"github.com/golang/glog"

	"github.com/ystepanoff/robustserial/physical"
	"github.com/ystepanoff/robustserial/protocol"
)

// Sender is the downward dependency (normally a *link.Layer).
type Sender interface {
	Send(payload []byte) error
}

// Receiver is implemented by whatever sits above the transport layer
// (normally the stack coordinator) to receive application data and datagrams.
type Receiver interface {
	OnReceive(data []byte)
	OnDatagram(data []byte)
}

// Layer is the Transport Layer engine.
type Layer struct {
	mu sync.Mutex

	down  Sender
	up    Receiver
	clock physical.Clock

	onEvent func(Event)

	state State

	connectRetries       uint8
	lastKeepaliveAckTime uint32
	sequenceNumber       byte
	peerSequenceNumber   byte
	awaitingAck          bool
	lastTxTime           uint32
	retryCount           uint8
	waitingResponse      bool
	lastTickTime         uint32
	connectionID         byte

	txBuffer     [protocol.TransportMaxPacketSize]byte
	lastTxBuffer [protocol.TransportMaxPacketSize]byte
	lastTxLength int

	keepaliveInterval uint32
	connectionTimeout uint32
	maxRetries        uint8
}

// New creates a Layer in the DISCONNECTED state with default timing.
func New(down Sender, clock physical.Clock) *Layer {
	l := &Layer{
		down:              down,
		clock:             clock,
		keepaliveInterval: protocol.DefaultKeepaliveIntervalMs,
		connectionTimeout: protocol.DefaultConnectionTimeoutMs,
		maxRetries:        protocol.DefaultMaxRetries,
	}
	l.reset()
	return l
}

func (l *Layer) SetUpLayer(up Receiver)          { l.up = up }
func (l *Layer) SetDownLayer(down Sender)        { l.down = down }
func (l *Layer) SetEventCallback(cb func(Event)) { l.onEvent = cb }

func (l *Layer) State() State { return l.state }

func (l *Layer) IsConnected() bool { return l.state == StateConnected }

func (l *Layer) MaxPayloadSize() uint16 { return protocol.TransportMaxPayloadSize }

func (l *Layer) emit(e Event) {
	if l.onEvent != nil {
		l.onEvent(e)
	}
}

func (l *Layer) now() uint32 {
	if l.clock == nil {
		return 0
	}
	return l.clock.NowMs()
}

// Initialize resets all state and restores default timing.
func (l *Layer) Initialize() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reset()
	l.keepaliveInterval = protocol.DefaultKeepaliveIntervalMs
	l.connectionTimeout = protocol.DefaultConnectionTimeoutMs
	glog.Info("transport: initialized")
}

func (l *Layer) reset() {
	l.state = StateDisconnected
	l.connectRetries = 0
	l.lastKeepaliveAckTime = 0
	l.sequenceNumber = 0
	l.peerSequenceNumber = 0
	l.awaitingAck = false
	l.lastTxTime = 0
	l.retryCount = 0
	l.waitingResponse = false
	l.lastTickTime = l.now()
}

// SetTimeout overrides the default keep-alive interval and connection timeout.
func (l *Layer) SetTimeout(keepaliveMs, timeoutMs uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keepaliveInterval = keepaliveMs
	l.connectionTimeout = timeoutMs
}

// Connect initiates a connection as client, sending the initial SYN.
func (l *Layer) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateConnected {
		return nil
	}
	if l.state != StateDisconnected {
		return protocol.ErrTransportInvalidState
	}

	l.state = StateConnecting
	l.connectRetries = 0
	l.waitingResponse = true
	l.sequenceNumber = byte(l.now() & 0xFF)
	l.peerSequenceNumber = 0

	glog.V(1).Infof("transport: connecting, seq=%d", l.sequenceNumber)
	l.sendSyn()
	return nil
}

// Listen starts listening for incoming connections as server.
func (l *Layer) Listen() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateListening || l.state == StateConnected {
		return nil
	}
	if l.state != StateDisconnected {
		return protocol.ErrTransportInvalidState
	}

	l.state = StateListening
	l.sequenceNumber = 0
	l.peerSequenceNumber = 0
	glog.V(1).Info("transport: listening")
	return nil
}

// Disconnect begins a graceful teardown, sending FIN.
func (l *Layer) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateConnected {
		return protocol.ErrTransportNotConnected
	}

	l.state = StateDisconnecting
	l.waitingResponse = true
	glog.V(1).Info("transport: starting graceful disconnect")
	l.sendFin()
	return nil
}

// Send transmits data as a sequenced DATA packet and marks it as awaiting a
// DATA_ACK; a copy is kept for retransmission on DATA_NACK. Send does not
// check for an outstanding acknowledgement: a second call before the
// DATA_ACK arrives sends a new packet and replaces the retained copy.
func (l *Layer) Send(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(data) == 0 || len(data) > protocol.TransportMaxPayloadSize {
		return protocol.ErrTransportInvalidParams
	}
	if l.state != StateConnected {
		return protocol.ErrTransportInvalidState
	}
	if l.down == nil {
		return protocol.ErrTransportInvalidState
	}

	header := protocol.PacketHeader{
		Type:         protocol.PacketTypeDATA,
		ConnectionID: l.connectionID,
		Sequence:     l.sequenceNumber,
	}
	n, err := protocol.EncodePacket(header, data, l.lastTxBuffer[:])
	if err != nil {
		return err
	}
	l.lastTxLength = n

	if err := l.down.Send(l.lastTxBuffer[:n]); err != nil {
		glog.Warningf("transport: send failed: %v", err)
		return protocol.ErrTransportSendFailed
	}

	l.awaitingAck = true
	l.waitingResponse = true
	l.lastTxTime = l.now()
	l.sequenceNumber++

	glog.V(2).Infof("transport: sent DATA seq=%d len=%d, next seq=%d", header.Sequence, len(data), l.sequenceNumber)
	return nil
}

// SendDatagram sends data as a connectionless datagram, with no
// acknowledgment or retransmission. It is refused in the ERROR state.
func (l *Layer) SendDatagram(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateError {
		return protocol.ErrTransportInvalidState
	}
	if l.down == nil {
		return protocol.ErrTransportInvalidParams
	}
	if len(data) > protocol.TransportMaxDatagramPayloadSize {
		return protocol.ErrTransportInvalidParams
	}

	n, err := protocol.EncodeDatagram(data, l.txBuffer[:])
	if err != nil {
		return err
	}
	if err := l.down.Send(l.txBuffer[:n]); err != nil {
		return protocol.ErrTransportSendFailed
	}
	return nil
}

// OnReceive dispatches a decoded link-layer payload as a transport packet.
func (l *Layer) OnReceive(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(data) == 0 {
		return protocol.ErrTransportInvalidPacket
	}

	// Datagrams carry a distinct, shorter header and are handled before the
	// generic header parse below.
	if data[0] == protocol.PacketTypeDATAGRAM {
		if l.state == StateError {
			return nil
		}
		return l.handleDatagramPacket(data)
	}

	header, payload, err := protocol.DecodePacket(data)
	if err != nil {
		return err
	}

	switch header.Type {
	case protocol.PacketTypeSYN:
		if l.state == StateListening || l.state == StateConnected {
			l.handleSynPacket(header.ConnectionID, header.Sequence)
		}
	case protocol.PacketTypeSYNACK:
		if l.state == StateConnecting {
			l.handleSynAckPacket(header.ConnectionID, header.Sequence)
		}
	case protocol.PacketTypeACK:
		if l.state == StateConnecting || l.state == StateDisconnecting {
			l.handleAckPacket(header.ConnectionID, header.Sequence)
		}
	case protocol.PacketTypeFIN:
		if l.state == StateConnected {
			l.handleFinPacket(header.ConnectionID)
		} else if l.state == StateDisconnected {
			// The peer's own FIN arrives after its ACK has already completed
			// a disconnect started here; confirm it with FIN_ACK.
			l.sendControlPacket(protocol.PacketTypeFINACK, header.ConnectionID, l.sequenceNumber)
		}
	case protocol.PacketTypeFINACK:
		if l.state == StateDisconnecting {
			l.handleFinAckPacket(header.ConnectionID)
		}
	case protocol.PacketTypeDATA:
		if l.state == StateConnected {
			return l.handleDataPacket(header, payload)
		}
	case protocol.PacketTypeDATAACK:
		if l.state == StateConnected {
			l.handleDataAckPacket(header.ConnectionID, header.Sequence)
		}
	case protocol.PacketTypeDATANACK:
		if l.state == StateConnected {
			l.handleDataNackPacket(header.ConnectionID, header.Sequence)
		}
	case protocol.PacketTypeKEEPALIVE:
		if l.state == StateConnected {
			return l.handleKeepalivePacket(header.ConnectionID)
		}
	case protocol.PacketTypeKEEPALIVEACK:
		if l.state == StateConnected {
			return l.handleKeepaliveAckPacket(header.ConnectionID)
		}
	}

	return nil
}

func (l *Layer) handleDataPacket(header protocol.PacketHeader, payload []byte) error {
	if header.ConnectionID != l.connectionID {
		glog.V(2).Infof("transport: DATA with wrong conn id %d (expected %d)", header.ConnectionID, l.connectionID)
		return protocol.ErrTransportInvalidPacket
	}

	if header.Sequence != l.peerSequenceNumber {
		glog.V(1).Infof("transport: sequence mismatch got=%d expected=%d", header.Sequence, l.peerSequenceNumber)
		l.sendDataNack(l.connectionID, header.Sequence)
		return protocol.ErrTransportInvalidPacket
	}

	if l.up != nil {
		l.up.OnReceive(append([]byte(nil), payload...))
	}

	l.sendDataAck(l.connectionID, header.Sequence)
	l.peerSequenceNumber++
	return nil
}

func (l *Layer) handleDatagramPacket(data []byte) error {
	payload, err := protocol.DecodeDatagram(data)
	if err != nil {
		return err
	}
	if l.up != nil {
		l.up.OnDatagram(append([]byte(nil), payload...))
	}
	return nil
}

// Tick drives timeout detection and keep-alive transmission. Callers are
// expected to invoke it periodically (e.g. from the stack coordinator's own
// tick).
func (l *Layer) Tick() {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.now()
	l.lastTickTime = current

	switch l.state {
	case StateConnected:
		if current-l.lastKeepaliveAckTime > l.keepaliveInterval*3 {
			glog.Info("transport: keep-alive timeout, disconnecting")
			l.state = StateDisconnecting
			l.emit(EventTimeout)
		} else if current-l.lastKeepaliveAckTime > l.keepaliveInterval {
			l.sendKeepalive()
		}

	case StateConnecting:
		if l.waitingResponse && current-l.lastTxTime > l.connectionTimeout {
			if l.connectRetries < l.maxRetries {
				l.connectRetries++
				glog.V(1).Infof("transport: connection timeout, retry %d/%d", l.connectRetries, l.maxRetries)
				l.sendSyn()
			} else {
				glog.Warning("transport: connection failed after max retries")
				l.state = StateError
				l.emit(EventTimeout)
			}
		}

	case StateDisconnecting:
		if l.waitingResponse && current-l.lastTxTime > l.connectionTimeout {
			glog.V(1).Info("transport: disconnection timeout, forcing disconnect")
			l.state = StateDisconnected
			l.waitingResponse = false
			l.connectionID = protocol.ConnectionIDInvalid
			l.emit(EventDisconnected)
		}
	}
}

func (l *Layer) sendControlPacket(packetType, connID, seq byte) {
	header := protocol.PacketHeader{Type: packetType, ConnectionID: connID, Sequence: seq}
	n, err := protocol.EncodePacket(header, nil, l.txBuffer[:])
	if err != nil {
		glog.Warningf("transport: failed to encode control packet type %d: %v", packetType, err)
		return
	}
	if l.down == nil {
		return
	}
	if err := l.down.Send(l.txBuffer[:n]); err != nil {
		glog.Warningf("transport: failed to send control packet type %d: %v", packetType, err)
	}
}

func (l *Layer) sendSyn() {
	glog.V(2).Infof("transport: sending SYN seq=%d", l.sequenceNumber)
	l.lastTxTime = l.now()
	l.sendControlPacket(protocol.PacketTypeSYN, protocol.ConnectionIDInvalid, l.sequenceNumber)
}

func (l *Layer) sendSynAck() {
	l.connectionID++
	if l.connectionID == protocol.ConnectionIDInvalid {
		l.connectionID = protocol.ConnectionIDStart
	}
	glog.V(2).Infof("transport: sending SYN-ACK seq=%d conn_id=%d", l.sequenceNumber, l.connectionID)
	l.sendControlPacket(protocol.PacketTypeSYNACK, l.connectionID, l.sequenceNumber)
}

func (l *Layer) sendAck(connID, seq byte) {
	l.sendControlPacket(protocol.PacketTypeACK, connID, seq)
}

func (l *Layer) sendFin() {
	l.lastTxTime = l.now()
	l.sendControlPacket(protocol.PacketTypeFIN, l.connectionID, l.sequenceNumber)
}

func (l *Layer) sendFinAck() {
	l.sendControlPacket(protocol.PacketTypeFINACK, l.connectionID, l.sequenceNumber)
}

func (l *Layer) sendDataAck(connID, seq byte) {
	l.sendControlPacket(protocol.PacketTypeDATAACK, connID, seq)
}

func (l *Layer) sendDataNack(connID, seq byte) {
	l.sendControlPacket(protocol.PacketTypeDATANACK, connID, seq)
}

func (l *Layer) sendKeepalive() {
	l.sendControlPacket(protocol.PacketTypeKEEPALIVE, l.connectionID, 0)
}

func (l *Layer) handleSynPacket(connID, seq byte) {
	// The SYN uses up the peer's initial sequence number; its first DATA
	// packet carries the next one.
	l.peerSequenceNumber = seq + 1

	// Peer reset fast path: a SYN with an invalid connection ID arriving
	// while CONNECTED means the peer has restarted its side and forgotten
	// this connection. Drop straight to DISCONNECTED without a FIN
	// handshake, and surface it as an error rather than a clean
	// disconnect, since the peer skipped teardown.
	if l.state == StateConnected && connID == protocol.ConnectionIDInvalid {
		glog.Info("transport: peer reset detected, dropping current connection")
		l.state = StateDisconnected
		l.emit(EventError)
		return
	}

	if l.state != StateListening {
		glog.V(2).Infof("transport: ignoring SYN in state %s", l.state)
		return
	}
	if connID != protocol.ConnectionIDInvalid {
		glog.V(2).Infof("transport: rejecting SYN with non-zero connection id %d", connID)
		return
	}

	l.state = StateConnecting
	l.waitingResponse = true
	l.sequenceNumber = byte(l.now() & 0xFF)
	glog.Info("transport: accepting connection while listening")
	l.sendSynAck()
}

func (l *Layer) handleSynAckPacket(connID, seq byte) {
	if l.state != StateConnecting {
		glog.V(1).Infof("transport: ignoring SYN-ACK in state %s", l.state)
		return
	}

	l.connectionID = connID
	l.peerSequenceNumber = seq
	l.sendAck(connID, seq)
	l.sequenceNumber++ // the SYN used up our initial sequence number

	l.state = StateConnected
	l.waitingResponse = false
	l.connectRetries = 0
	l.lastKeepaliveAckTime = l.now()
	glog.Infof("transport: connection established, id=%d", l.connectionID)
	l.emit(EventConnected)
}

func (l *Layer) handleAckPacket(connID, seq byte) {
	if connID != l.connectionID {
		glog.V(2).Infof("transport: ignoring ACK with wrong conn id %d (expected %d)", connID, l.connectionID)
		return
	}

	switch l.state {
	case StateConnecting:
		if seq == l.sequenceNumber {
			l.state = StateConnected
			l.waitingResponse = false
			l.connectRetries = 0
			l.lastKeepaliveAckTime = l.now()
			glog.Infof("transport: connection established, id=%d", l.connectionID)
			l.emit(EventConnected)
		}
	case StateDisconnecting:
		l.state = StateDisconnected
		l.waitingResponse = false
		l.connectionID = protocol.ConnectionIDInvalid
		glog.Info("transport: disconnection completed")
		l.emit(EventDisconnected)
	}
}

func (l *Layer) handleFinPacket(connID byte) {
	if connID != l.connectionID {
		return
	}
	if l.state != StateConnected {
		return
	}

	l.sendAck(connID, l.sequenceNumber)
	l.sendFin()

	l.state = StateDisconnecting
	l.waitingResponse = true
}

func (l *Layer) handleFinAckPacket(connID byte) {
	if connID != l.connectionID {
		return
	}
	if l.state != StateDisconnecting {
		return
	}

	l.state = StateDisconnected
	l.waitingResponse = false
	glog.Info("transport: disconnection completed")
	l.emit(EventDisconnected)
}

func (l *Layer) handleDataAckPacket(connID, seq byte) {
	if connID != l.connectionID {
		return
	}
	if !l.awaitingAck || seq != l.sequenceNumber-1 {
		return
	}
	l.awaitingAck = false
	l.retryCount = 0
}

func (l *Layer) handleDataNackPacket(connID, seq byte) {
	if connID != l.connectionID {
		return
	}
	if !l.awaitingAck || seq != l.sequenceNumber-1 {
		return
	}
	if l.down != nil {
		if err := l.down.Send(l.lastTxBuffer[:l.lastTxLength]); err != nil {
			glog.Warningf("transport: retransmit failed: %v", err)
		}
	}
}

func (l *Layer) handleKeepalivePacket(connID byte) error {
	if connID != l.connectionID {
		return protocol.ErrTransportInvalidPacket
	}
	l.sendControlPacket(protocol.PacketTypeKEEPALIVEACK, l.connectionID, 0)
	return nil
}

func (l *Layer) handleKeepaliveAckPacket(connID byte) error {
	if connID != l.connectionID {
		return protocol.ErrTransportInvalidPacket
	}
	l.lastKeepaliveAckTime = l.now()
	return nil
}

package transport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ystepanoff/robustserial/protocol"
)

type fakeClock struct{ ms uint32 }

func (c *fakeClock) NowMs() uint32 { return c.ms }

// queueSender records every packet handed to Send without delivering it
// anywhere; tests drain it explicitly and feed packets to the peer layer,
// mirroring how the stack coordinator's tick loop moves bytes between
// layers rather than calling back into them synchronously.
type queueSender struct {
	queue [][]byte
}

func (q *queueSender) Send(payload []byte) error {
	q.queue = append(q.queue, append([]byte(nil), payload...))
	return nil
}

func (q *queueSender) drain() [][]byte {
	out := q.queue
	q.queue = nil
	return out
}

func deliver(t *testing.T, from *queueSender, to *Layer) {
	t.Helper()
	for _, pkt := range from.drain() {
		require.NoError(t, to.OnReceive(pkt))
	}
}

type recordingReceiver struct {
	data      [][]byte
	datagrams [][]byte
}

func (r *recordingReceiver) OnReceive(data []byte)  { r.data = append(r.data, data) }
func (r *recordingReceiver) OnDatagram(data []byte) { r.datagrams = append(r.datagrams, data) }

func newPair(clock *fakeClock) (client, server *Layer, clientOut, serverOut *queueSender) {
	clientOut, serverOut = &queueSender{}, &queueSender{}
	client = New(clientOut, clock)
	server = New(serverOut, clock)
	return
}

func handshake(t *testing.T, client, server *Layer, clientOut, serverOut *queueSender) {
	t.Helper()
	require.NoError(t, server.Listen())
	require.NoError(t, client.Connect())

	deliver(t, clientOut, server) // SYN -> server
	deliver(t, serverOut, client) // SYN-ACK -> client
	deliver(t, clientOut, server) // ACK -> server

	require.Equal(t, StateConnected, client.State())
	require.Equal(t, StateConnected, server.State())
}

func TestHandshakeEstablishesConnection(t *testing.T) {
	clock := &fakeClock{ms: 1000}
	client, server, clientOut, serverOut := newPair(clock)

	var clientEvents, serverEvents []Event
	client.SetEventCallback(func(e Event) { clientEvents = append(clientEvents, e) })
	server.SetEventCallback(func(e Event) { serverEvents = append(serverEvents, e) })

	handshake(t, client, server, clientOut, serverOut)

	require.Contains(t, clientEvents, EventConnected)
	require.Contains(t, serverEvents, EventConnected)
}

func TestDataExchangeWithAck(t *testing.T) {
	clock := &fakeClock{ms: 1000}
	client, server, clientOut, serverOut := newPair(clock)
	handshake(t, client, server, clientOut, serverOut)

	rx := &recordingReceiver{}
	server.SetUpLayer(rx)

	require.NoError(t, client.Send([]byte("hello")))
	deliver(t, clientOut, server) // DATA -> server
	deliver(t, serverOut, client) // DATA_ACK -> client

	require.Len(t, rx.data, 1)
	require.Equal(t, "hello", string(rx.data[0]))
	require.Empty(t, clientOut.drain(), "no retransmission expected once ACKed")
}

func TestDataOutOfOrderTriggersNack(t *testing.T) {
	clock := &fakeClock{ms: 1000}
	client, server, clientOut, serverOut := newPair(clock)
	handshake(t, client, server, clientOut, serverOut)

	rx := &recordingReceiver{}
	server.SetUpLayer(rx)

	// Hand-craft a DATA packet with a sequence number one ahead of what the
	// server expects, simulating a lost packet.
	header := protocol.PacketHeader{Type: protocol.PacketTypeDATA, ConnectionID: server.connectionID, Sequence: server.peerSequenceNumber + 1}
	var buf [protocol.TransportMaxPacketSize]byte
	n, err := protocol.EncodePacket(header, []byte("skip"), buf[:])
	require.NoError(t, err)
	require.Error(t, server.OnReceive(buf[:n]))

	require.Empty(t, rx.data, "out-of-order packet must not reach the application")
	nackPackets := serverOut.drain()
	require.Len(t, nackPackets, 1)
	decodedHeader, _, err := protocol.DecodePacket(nackPackets[0])
	require.NoError(t, err)
	require.Equal(t, byte(protocol.PacketTypeDATANACK), decodedHeader.Type)
}

func TestDataRetransmitOnNack(t *testing.T) {
	clock := &fakeClock{ms: 1000}
	client, server, clientOut, serverOut := newPair(clock)
	handshake(t, client, server, clientOut, serverOut)

	require.NoError(t, client.Send([]byte("payload")))
	firstAttempt := clientOut.drain()
	require.Len(t, firstAttempt, 1)

	// Simulate the server rejecting the packet with a NACK instead of
	// delivering it through the normal path.
	header := protocol.PacketHeader{Type: protocol.PacketTypeDATANACK, ConnectionID: client.connectionID, Sequence: client.sequenceNumber - 1}
	var buf [protocol.TransportMaxPacketSize]byte
	n, err := protocol.EncodePacket(header, nil, buf[:])
	require.NoError(t, err)
	require.NoError(t, client.OnReceive(buf[:n]))

	retransmitted := clientOut.drain()
	require.Len(t, retransmitted, 1)
	require.Equal(t, firstAttempt[0], retransmitted[0], "retransmission must resend the exact original packet")
}

func TestKeepaliveTimeoutTriggersDisconnecting(t *testing.T) {
	clock := &fakeClock{ms: 1000}
	client, server, clientOut, serverOut := newPair(clock)
	handshake(t, client, server, clientOut, serverOut)

	var events []Event
	client.SetEventCallback(func(e Event) { events = append(events, e) })

	clock.ms += protocol.DefaultKeepaliveIntervalMs*3 + 1
	client.Tick()

	require.Equal(t, StateDisconnecting, client.State())
	require.Contains(t, events, EventTimeout)
}

func TestKeepaliveRefreshPreventsTimeout(t *testing.T) {
	clock := &fakeClock{ms: 1000}
	client, server, clientOut, serverOut := newPair(clock)
	handshake(t, client, server, clientOut, serverOut)

	clock.ms += protocol.DefaultKeepaliveIntervalMs + 1
	client.Tick() // sends KEEPALIVE
	deliver(t, clientOut, server)
	deliver(t, serverOut, client) // KEEPALIVE_ACK refreshes client's timer

	clock.ms += protocol.DefaultKeepaliveIntervalMs * 2
	client.Tick()

	require.Equal(t, StateConnected, client.State())
}

func TestGracefulDisconnect(t *testing.T) {
	clock := &fakeClock{ms: 1000}
	client, server, clientOut, serverOut := newPair(clock)
	handshake(t, client, server, clientOut, serverOut)

	var clientEvents, serverEvents []Event
	client.SetEventCallback(func(e Event) { clientEvents = append(clientEvents, e) })
	server.SetEventCallback(func(e Event) { serverEvents = append(serverEvents, e) })

	require.NoError(t, client.Disconnect())
	deliver(t, clientOut, server) // FIN -> server
	deliver(t, serverOut, client) // ACK + FIN -> client
	deliver(t, clientOut, server) // FIN-ACK -> server

	require.Equal(t, StateDisconnected, client.State())
	require.Equal(t, StateDisconnected, server.State())
	require.Contains(t, serverEvents, EventDisconnected)
	require.Contains(t, clientEvents, EventDisconnected)
}

func TestSendRejectsWhenNotConnected(t *testing.T) {
	clock := &fakeClock{ms: 1000}
	client, _, _, _ := newPair(clock)
	require.ErrorIs(t, client.Send([]byte("x")), protocol.ErrTransportInvalidState)
}

func TestDatagramDelivery(t *testing.T) {
	clock := &fakeClock{ms: 1000}
	client, server, clientOut, _ := newPair(clock)

	rx := &recordingReceiver{}
	server.SetUpLayer(rx)

	require.NoError(t, client.SendDatagram([]byte("ping")))
	deliver(t, clientOut, server)

	require.Len(t, rx.datagrams, 1)
	require.Equal(t, "ping", string(rx.datagrams[0]))
}

func TestPeerResetFastPath(t *testing.T) {
	clock := &fakeClock{ms: 1000}
	client, server, clientOut, serverOut := newPair(clock)
	handshake(t, client, server, clientOut, serverOut)

	var serverEvents []Event
	server.SetEventCallback(func(e Event) { serverEvents = append(serverEvents, e) })

	// The client restarts and sends a fresh SYN with connection id 0 while
	// the server still believes the old connection is live.
	header := protocol.PacketHeader{Type: protocol.PacketTypeSYN, ConnectionID: protocol.ConnectionIDInvalid, Sequence: 0}
	var buf [protocol.TransportMaxPacketSize]byte
	n, err := protocol.EncodePacket(header, nil, buf[:])
	require.NoError(t, err)
	require.NoError(t, server.OnReceive(buf[:n]))

	require.Equal(t, StateDisconnected, server.State())
	require.Contains(t, serverEvents, EventError)
	require.Empty(t, serverOut.drain(), "no FIN is sent on the peer-reset fast path")
}

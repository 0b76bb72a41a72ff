package stack

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ystepanoff/robustserial/physical/loopback"
)

type fakeClock struct{ ms uint32 }

func (c *fakeClock) NowMs() uint32 { return c.ms }

// pump repeatedly flushes each stack's outgoing link bytes to its physical
// pipe and feeds whatever arrived on the other side back in, standing in
// for the host application's regular Tick/Process*Data loop.
func pump(t *testing.T, a, b *Stack, pipeA, pipeB *loopback.Pipe, rounds int) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		_, err := a.ProcessOutgoingData()
		require.NoError(t, err)
		_, err = b.ProcessOutgoingData()
		require.NoError(t, err)

		if in := pipeA.Drain(); len(in) > 0 {
			require.NoError(t, a.QueueLinkData(in))
			require.NoError(t, a.ProcessIncomingData())
		}
		if in := pipeB.Drain(); len(in) > 0 {
			require.NoError(t, b.QueueLinkData(in))
			require.NoError(t, b.ProcessIncomingData())
		}
	}
}

func newConnectedPair(t *testing.T) (a, b *Stack, pipeA, pipeB *loopback.Pipe, clock *fakeClock) {
	t.Helper()
	pipeA = loopback.New(250)
	pipeB = loopback.New(250)
	loopback.Connect(pipeA, pipeB)

	clock = &fakeClock{ms: 1000}
	a = New(pipeA, clock)
	b = New(pipeB, clock)
	a.Initialize()
	b.Initialize()

	require.NoError(t, b.Listen())
	require.NoError(t, a.Connect())
	pump(t, a, b, pipeA, pipeB, 4)

	require.Equal(t, StateConnected, a.State())
	require.Equal(t, StateConnected, b.State())
	return
}

func TestStackConnectHandshake(t *testing.T) {
	var aEvents, bEvents []Event
	pipeA := loopback.New(250)
	pipeB := loopback.New(250)
	loopback.Connect(pipeA, pipeB)
	clock := &fakeClock{ms: 1000}

	a := New(pipeA, clock)
	b := New(pipeB, clock)
	a.SetEventCallback(func(e Event) { aEvents = append(aEvents, e) })
	b.SetEventCallback(func(e Event) { bEvents = append(bEvents, e) })
	a.Initialize()
	b.Initialize()

	require.NoError(t, b.Listen())
	require.NoError(t, a.Connect())
	pump(t, a, b, pipeA, pipeB, 4)

	require.Contains(t, aEvents, EventConnected)
	require.Contains(t, bEvents, EventConnected)
	require.True(t, a.IsConnected())
	require.True(t, b.IsConnected())
}

func TestStackSendAndReceiveData(t *testing.T) {
	a, b, pipeA, pipeB, clock := newConnectedPair(t)
	_ = clock

	var received []byte
	b.SetDataCallback(func(data []byte) { received = append([]byte(nil), data...) })

	require.NoError(t, a.Send([]byte("hello over serial")))
	pump(t, a, b, pipeA, pipeB, 4)

	require.Equal(t, "hello over serial", string(received))
}

func TestStackSendDatagramWithoutConnection(t *testing.T) {
	pipeA := loopback.New(250)
	pipeB := loopback.New(250)
	loopback.Connect(pipeA, pipeB)
	clock := &fakeClock{ms: 1000}

	a := New(pipeA, clock)
	b := New(pipeB, clock)
	a.Initialize()
	b.Initialize()

	var datagrams [][]byte
	b.SetDatagramCallback(func(data []byte) { datagrams = append(datagrams, data) })

	require.NoError(t, a.SendDatagram([]byte("beacon")))
	pump(t, a, b, pipeA, pipeB, 3)

	require.Len(t, datagrams, 1)
	require.Equal(t, "beacon", string(datagrams[0]))
}

func TestStackGracefulDisconnect(t *testing.T) {
	a, b, pipeA, pipeB, _ := newConnectedPair(t)

	var aEvents, bEvents []Event
	a.SetEventCallback(func(e Event) { aEvents = append(aEvents, e) })
	b.SetEventCallback(func(e Event) { bEvents = append(bEvents, e) })

	require.NoError(t, a.Disconnect())
	pump(t, a, b, pipeA, pipeB, 4)

	require.Equal(t, StateReady, a.State())
	require.Equal(t, StateReady, b.State())
	require.Contains(t, aEvents, EventDisconnected)
	require.Contains(t, bEvents, EventDisconnected)
}

func TestStackSendBeforeConnectFails(t *testing.T) {
	pipe := loopback.New(250)
	clock := &fakeClock{ms: 1000}
	s := New(pipe, clock)
	s.Initialize()

	require.Error(t, s.Send([]byte("too early")))
}

func TestStackConnectRequiresReady(t *testing.T) {
	pipe := loopback.New(250)
	clock := &fakeClock{ms: 1000}
	s := New(pipe, clock)
	// Not initialized: state is still INIT.
	require.Error(t, s.Connect())
}

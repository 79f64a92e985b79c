package transport_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cagemesh/overlay/addr"
	"github.com/cagemesh/overlay/eventloop"
	"github.com/cagemesh/overlay/id"
	"github.com/cagemesh/overlay/transport"
	"github.com/cagemesh/overlay/wire"
)

func listen(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	return conn
}

type recordingForwarder struct {
	mu  sync.Mutex
	got []wire.Header
}

func (f *recordingForwarder) Forward(from addr.Endpoint, h wire.Header, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, h)
}

func (f *recordingForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func TestSendToAndHandleRoundTrip(t *testing.T) {
	selfID, err := id.New()
	require.NoError(t, err)
	peerID, err := id.New()
	require.NoError(t, err)

	connA := listen(t)
	connB := listen(t)

	loopA := eventloop.New()
	loopB := eventloop.New()
	t.Cleanup(loopA.Close)
	t.Cleanup(loopB.Close)

	trA := transport.New(connA, loopA, selfID)
	trB := transport.New(connB, loopB, peerID)
	t.Cleanup(trA.Close)
	t.Cleanup(trB.Close)

	received := make(chan string, 1)
	trB.Handle(wire.TypeDgram, func(from addr.Endpoint, h wire.Header, body []byte) {
		received <- string(body)
	})

	bAddr := addr.FromUDPAddr(connB.LocalAddr().(*net.UDPAddr))
	trA.SendTo(bAddr, wire.TypeDgram, []byte("ping"))

	select {
	case got := <-received:
		require.Equal(t, "ping", got)
	case <-time.After(time.Second):
		t.Fatal("message never arrived")
	}
}

func TestHandlePacketForwardsForeignDestination(t *testing.T) {
	selfID, err := id.New()
	require.NoError(t, err)
	fromID, err := id.New()
	require.NoError(t, err)
	foreignDst, err := id.New()
	require.NoError(t, err)

	connSelf := listen(t)
	connFrom := listen(t)

	loopSelf := eventloop.New()
	t.Cleanup(loopSelf.Close)
	loopFrom := eventloop.New()
	t.Cleanup(loopFrom.Close)

	trSelf := transport.New(connSelf, loopSelf, selfID)
	t.Cleanup(trSelf.Close)
	trFrom := transport.New(connFrom, loopFrom, fromID)
	t.Cleanup(trFrom.Close)

	fwd := &recordingForwarder{}
	trSelf.SetForwarder(fwd)

	selfAddr := addr.FromUDPAddr(connSelf.LocalAddr().(*net.UDPAddr))
	trFrom.SendToID(selfAddr, foreignDst, wire.TypeDgram, []byte("relay me"))

	require.Eventually(t, func() bool { return fwd.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHandlePacketDropsForeignDestinationWithoutForwarder(t *testing.T) {
	selfID, err := id.New()
	require.NoError(t, err)
	fromID, err := id.New()
	require.NoError(t, err)
	foreignDst, err := id.New()
	require.NoError(t, err)

	connSelf := listen(t)
	connFrom := listen(t)

	loopSelf := eventloop.New()
	t.Cleanup(loopSelf.Close)
	loopFrom := eventloop.New()
	t.Cleanup(loopFrom.Close)

	trSelf := transport.New(connSelf, loopSelf, selfID)
	t.Cleanup(trSelf.Close)
	trFrom := transport.New(connFrom, loopFrom, fromID)
	t.Cleanup(trFrom.Close)

	called := false
	trSelf.Handle(wire.TypeDgram, func(from addr.Endpoint, h wire.Header, body []byte) {
		called = true
	})

	selfAddr := addr.FromUDPAddr(connSelf.LocalAddr().(*net.UDPAddr))
	trFrom.SendToID(selfAddr, foreignDst, wire.TypeDgram, []byte("nobody wants this"))

	require.Never(t, func() bool { return called }, 150*time.Millisecond, 10*time.Millisecond,
		"a message addressed to a foreign ID must never reach the local handler")
}

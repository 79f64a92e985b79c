package rdp_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cagemesh/overlay/addr"
	"github.com/cagemesh/overlay/config"
	"github.com/cagemesh/overlay/eventloop"
	"github.com/cagemesh/overlay/id"
	"github.com/cagemesh/overlay/rdp"
	"github.com/cagemesh/overlay/wire"
)

// wireSender posts RDP segments onto the peer engine's own loop goroutine,
// standing in for transport.Transport + a real UDP round trip. It must not
// block waiting for the peer to finish processing: two loops each blocking
// on the other's completion would deadlock as soon as a reply crosses back
// while the first loop's goroutine is still inside the call that sent it.
type wireSender struct {
	myID id.ID
	peer *rdp.Engine
	loop *eventloop.Loop
}

func (w *wireSender) SendToID(ep addr.Endpoint, dst id.ID, t wire.Type, body []byte) {
	if t != wire.TypeRDP {
		return
	}
	w.loop.Post(func() {
		w.peer.HandleRDP(addr.Endpoint{}, wire.Header{Src: w.myID, Dst: dst}, body)
	})
}

type recvdEvent struct {
	desc int
	ev   rdp.Event
}

func mustRecv(t *testing.T, ch <-chan recvdEvent) recvdEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return recvdEvent{}
	}
}

func mustSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
}

// onLoop runs fn on l's own goroutine and waits for it to finish, the way a
// real caller outside the loop (a UDP read goroutine, a user API call) must
// reach into engine state rather than touching it directly — every engine
// here assumes the "all mutation happens inside event callbacks" invariant.
// Unlike wireSender's fire-and-forget Post, blocking here is safe: the test
// goroutine isn't itself a loop another loop could be waiting on.
func onLoop(t *testing.T, l *eventloop.Loop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	l.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out running on loop")
	}
}

type fixedResolver struct{ ep addr.Endpoint }

func (r fixedResolver) Resolve(target id.ID, cb func(addr.Endpoint, bool)) { cb(r.ep, true) }

func newPair(t *testing.T) (aID, bID id.ID, a, b *rdp.Engine, aLoop, bLoop *eventloop.Loop) {
	t.Helper()
	cfg := config.Default()
	aID, err := id.New()
	require.NoError(t, err)
	bID, err = id.New()
	require.NoError(t, err)

	aLoop = eventloop.New()
	bLoop = eventloop.New()
	t.Cleanup(func() { aLoop.Close(); bLoop.Close() })

	// sender/peer wiring is circular (a's sender posts into b's engine and
	// vice versa), so construct both engines first and patch the senders'
	// peer pointers in afterward.
	senderA := &wireSender{myID: aID, loop: bLoop}
	senderB := &wireSender{myID: bID, loop: aLoop}
	a = rdp.New(aID, aLoop, cfg, senderA, fixedResolver{ep: addr.Endpoint{}})
	b = rdp.New(bID, bLoop, cfg, senderB, fixedResolver{ep: addr.Endpoint{}})
	senderA.peer = b
	senderB.peer = a
	return aID, bID, a, b, aLoop, bLoop
}

func TestHandshakeAndDataTransfer(t *testing.T) {
	_, bID, a, b, aLoop, bLoop := newPair(t)

	acceptEvents := make(chan recvdEvent, 4)
	var listenErr error
	onLoop(t, bLoop, func() {
		listenErr = b.Listen(100, func(desc int, remote rdp.Addr, ev rdp.Event) {
			acceptEvents <- recvdEvent{desc, ev}
		})
	})
	require.NoError(t, listenErr)

	connectEvents := make(chan recvdEvent, 4)
	var connectErr error
	onLoop(t, aLoop, func() {
		_, connectErr = a.Connect(101, bID, 100, func(desc int, remote rdp.Addr, ev rdp.Event) {
			connectEvents <- recvdEvent{desc, ev}
		})
	})
	require.NoError(t, connectErr)

	require.Equal(t, rdp.EventAccepted, mustRecv(t, acceptEvents).ev)
	require.Equal(t, rdp.EventConnected, mustRecv(t, connectEvents).ev)
}

func TestSendReceiveByteExact(t *testing.T) {
	_, bSelf, a, b, aLoop, bLoop := newPair(t)

	var acceptedDesc int
	readyCh := make(chan struct{}, 1)
	var listenErr error
	onLoop(t, bLoop, func() {
		listenErr = b.Listen(200, func(desc int, remote rdp.Addr, ev rdp.Event) {
			switch ev {
			case rdp.EventAccepted:
				acceptedDesc = desc
			case rdp.EventReady2Read:
				readyCh <- struct{}{}
			}
		})
	})
	require.NoError(t, listenErr)

	connDone := make(chan struct{}, 1)
	var aDesc int
	var connectErr error
	onLoop(t, aLoop, func() {
		aDesc, connectErr = a.Connect(201, bSelf, 200, func(desc int, remote rdp.Addr, ev rdp.Event) {
			if ev == rdp.EventConnected {
				connDone <- struct{}{}
			}
		})
	})
	require.NoError(t, connectErr)
	mustSignal(t, connDone)

	payload := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	var n int
	var sendErr error
	onLoop(t, aLoop, func() { n, sendErr = a.Send(aDesc, payload) })
	require.NoError(t, sendErr)
	require.Equal(t, len(payload), n)

	mustSignal(t, readyCh)
	out := make([]byte, 64)
	var got int
	var recvErr error
	onLoop(t, bLoop, func() { got, recvErr = b.Receive(acceptedDesc, out) })
	require.NoError(t, recvErr)
	require.Equal(t, payload, out[:got])
}

func TestActiveCloseDeliversResetToPeer(t *testing.T) {
	_, bSelf, a, b, aLoop, bLoop := newPair(t)

	resetCh := make(chan struct{}, 1)
	var listenErr error
	onLoop(t, bLoop, func() {
		listenErr = b.Listen(300, func(desc int, remote rdp.Addr, ev rdp.Event) {
			if ev == rdp.EventReset {
				resetCh <- struct{}{}
			}
		})
	})
	require.NoError(t, listenErr)

	connDone := make(chan struct{}, 1)
	var aDesc int
	var connectErr error
	onLoop(t, aLoop, func() {
		aDesc, connectErr = a.Connect(301, bSelf, 300, func(desc int, remote rdp.Addr, ev rdp.Event) {
			if ev == rdp.EventConnected {
				connDone <- struct{}{}
			}
		})
	})
	require.NoError(t, connectErr)
	mustSignal(t, connDone)

	onLoop(t, aLoop, func() { a.Close(aDesc) })
	mustSignal(t, resetCh)
}

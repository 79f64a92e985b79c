package dht_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cagemesh/overlay/addr"
	"github.com/cagemesh/overlay/dht"
	"github.com/cagemesh/overlay/eventloop"
	"github.com/cagemesh/overlay/id"
	"github.com/cagemesh/overlay/kademlia"
	"github.com/cagemesh/overlay/peers"
	"github.com/cagemesh/overlay/wire"
)

// wireSender posts a message onto the peer engine's own loop, standing in
// for transport.Transport + a real UDP round trip between two DHT engines.
type wireSender struct {
	myID   id.ID
	selfEP addr.Endpoint // the endpoint the peer should believe this sender is reachable at
	loop   *eventloop.Loop
	peer   *dht.DHT
}

func (w *wireSender) SendTo(ep addr.Endpoint, t wire.Type, body []byte) {
	w.loop.Post(func() {
		switch t {
		case wire.TypeDHTFindNode:
			w.peer.HandleFindNode(w.selfEP, w.myID, body, false)
		case wire.TypeDHTFindValue:
			w.peer.HandleFindNode(w.selfEP, w.myID, body, true)
		case wire.TypeDHTFindNodeReply, wire.TypeDHTFindValueReply:
			w.peer.HandleFindNodeReply(w.selfEP, w.myID, body)
		case wire.TypeDHTStore:
			w.peer.HandleStore(body)
		case wire.TypeDHTPing:
			w.peer.HandlePing(w.selfEP, body)
		}
	})
}

func endpointFor(port uint16) addr.Endpoint {
	return addr.Endpoint{Family: addr.Inet, IP: net.IPv4(127, 0, 0, 1).To4(), Port: port}
}

func newPair(t *testing.T) (aID, bID id.ID, a, b *dht.DHT, aLoop, bLoop *eventloop.Loop) {
	t.Helper()
	var err error
	aID, err = id.New()
	require.NoError(t, err)
	bID, err = id.New()
	require.NoError(t, err)

	aLoop = eventloop.New()
	bLoop = eventloop.New()
	t.Cleanup(func() { aLoop.Close(); bLoop.Close() })

	senderA := &wireSender{myID: aID, selfEP: endpointFor(1), loop: bLoop}
	senderB := &wireSender{myID: bID, selfEP: endpointFor(2), loop: aLoop}

	dirA := peers.New(aLoop, time.Minute, time.Minute, time.Minute)
	dirB := peers.New(bLoop, time.Minute, time.Minute, time.Minute)
	t.Cleanup(func() { dirA.Close(); dirB.Close() })

	tableA := kademlia.New(aID, 20, nil, nil)
	tableB := kademlia.New(bID, 20, nil, nil)

	a = dht.New(aID, aLoop, senderA, tableA, dirA, 3, 20, time.Second, time.Minute, nil)
	b = dht.New(bID, bLoop, senderB, tableB, dirB, 3, 20, time.Second, time.Minute, nil)
	senderA.peer = b
	senderB.peer = a

	tableA.Add(kademlia.Node{ID: bID, Endpoint: endpointFor(2)})
	tableB.Add(kademlia.Node{ID: aID, Endpoint: endpointFor(1)})
	return aID, bID, a, b, aLoop, bLoop
}

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

func TestPutThenGetAcrossPeers(t *testing.T) {
	_, _, a, b, aLoop, bLoop := newPair(t)
	_ = bLoop

	key := id.HashKey([]byte("greeting"))
	onLoop(t, aLoop, func() { a.Put(key, []byte("hello"), time.Minute) })

	resultCh := make(chan []byte, 1)
	onLoop(t, bLoop, func() {
		b.Get(key, func(value []byte, found bool) {
			if found {
				resultCh <- value
			} else {
				resultCh <- nil
			}
		})
	})

	select {
	case got := <-resultCh:
		require.Equal(t, []byte("hello"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("get never completed")
	}
}

func TestGetMissingKeyReportsNotFound(t *testing.T) {
	_, _, _, b, _, bLoop := newPair(t)

	missing := id.HashKey([]byte("nope"))
	resultCh := make(chan bool, 1)
	onLoop(t, bLoop, func() {
		b.Get(missing, func(_ []byte, found bool) { resultCh <- found })
	})
	select {
	case found := <-resultCh:
		require.False(t, found)
	case <-time.After(2 * time.Second):
		t.Fatal("get never completed")
	}
}

func TestFindNodeResolvesKnownPeer(t *testing.T) {
	aID, bID, a, _, aLoop, _ := newPair(t)
	_ = aID

	resultCh := make(chan addr.Endpoint, 1)
	onLoop(t, aLoop, func() {
		a.FindNode(bID, func(ep addr.Endpoint, ok bool) {
			require.True(t, ok)
			resultCh <- ep
		})
	})
	select {
	case ep := <-resultCh:
		require.Equal(t, uint16(2), ep.Port)
	case <-time.After(2 * time.Second):
		t.Fatal("find_node never completed")
	}
}

func TestBootstrapLearnsSeedID(t *testing.T) {
	aID, err := id.New()
	require.NoError(t, err)
	bID, err := id.New()
	require.NoError(t, err)

	aLoop := eventloop.New()
	bLoop := eventloop.New()
	t.Cleanup(func() { aLoop.Close(); bLoop.Close() })

	senderA := &wireSender{myID: aID, loop: bLoop}
	senderB := &wireSender{myID: bID, loop: aLoop}

	dirA := peers.New(aLoop, time.Minute, time.Minute, time.Minute)
	dirB := peers.New(bLoop, time.Minute, time.Minute, time.Minute)
	t.Cleanup(func() { dirA.Close(); dirB.Close() })

	tableA := kademlia.New(aID, 20, nil, nil)
	tableB := kademlia.New(bID, 20, nil, nil)

	a := dht.New(aID, aLoop, senderA, tableA, dirA, 3, 20, time.Second, time.Minute, nil)
	b := dht.New(bID, bLoop, senderB, tableB, dirB, 3, 20, time.Second, time.Minute, nil)
	senderA.peer = b
	senderB.peer = a

	doneCh := make(chan bool, 1)
	onLoop(t, aLoop, func() {
		a.Bootstrap(endpointFor(2), func(ok bool) { doneCh <- ok })
	})
	select {
	case ok := <-doneCh:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("bootstrap never completed")
	}
	require.Equal(t, 1, tableA.Len())
}

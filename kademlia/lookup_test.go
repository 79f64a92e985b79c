package kademlia_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cagemesh/overlay/eventloop"
	"github.com/cagemesh/overlay/id"
	"github.com/cagemesh/overlay/kademlia"
)

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

// fakeNetwork answers a find_node by handing back whatever neighbors map
// says n knows about, simulating a small fixed topology without any real
// transport.
type fakeNetwork struct {
	neighbors map[id.ID][]kademlia.Node
}

func (f *fakeNetwork) query(n kademlia.Node, result func([]kademlia.Node, bool)) {
	result(f.neighbors[n.ID], true)
}

func TestLookupConvergesToClosestKnownNode(t *testing.T) {
	loop := eventloop.New()
	t.Cleanup(loop.Close)

	target, err := id.New()
	require.NoError(t, err)

	a := kademlia.Node{ID: mustID(t)}
	b := kademlia.Node{ID: target}
	net := &fakeNetwork{neighbors: map[id.ID][]kademlia.Node{
		a.ID: {b},
	}}

	var final []kademlia.Node
	done := make(chan struct{})
	onLoop(t, loop, func() {
		kademlia.Start(loop, target, []kademlia.Node{a}, 3, 5, time.Second, nil, net.query, func(nodes []kademlia.Node) {
			final = nodes
			close(done)
		})
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lookup never converged")
	}

	found := false
	for _, n := range final {
		if n.ID.Equal(target) {
			found = true
		}
	}
	require.True(t, found)
}

func TestLookupFinishesWithEmptyInitialShortlist(t *testing.T) {
	loop := eventloop.New()
	t.Cleanup(loop.Close)

	target, err := id.New()
	require.NoError(t, err)
	net := &fakeNetwork{neighbors: map[id.ID][]kademlia.Node{}}

	done := make(chan struct{})
	var final []kademlia.Node
	onLoop(t, loop, func() {
		kademlia.Start(loop, target, nil, 3, 5, time.Second, nil, net.query, func(nodes []kademlia.Node) {
			final = nodes
			close(done)
		})
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lookup never converged")
	}
	require.Empty(t, final)
}

func mustID(t *testing.T) id.ID {
	t.Helper()
	v, err := id.New()
	require.NoError(t, err)
	return v
}

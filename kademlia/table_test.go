package kademlia_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cagemesh/overlay/addr"
	"github.com/cagemesh/overlay/id"
	"github.com/cagemesh/overlay/kademlia"
)

func newNode(t *testing.T, port uint16) kademlia.Node {
	t.Helper()
	nid, err := id.New()
	require.NoError(t, err)
	return kademlia.Node{ID: nid, Endpoint: addr.Endpoint{Family: addr.Inet, IP: net.IPv4(127, 0, 0, 1).To4(), Port: port}}
}

type stubPinger struct {
	alive bool
	calls int
}

func (p *stubPinger) Ping(n kademlia.Node, alive func(bool)) {
	p.calls++
	alive(p.alive)
}

func TestAddAndLen(t *testing.T) {
	self, err := id.New()
	require.NoError(t, err)
	table := kademlia.New(self, 20, nil, nil)
	require.Equal(t, 0, table.Len())
	n := newNode(t, 1)
	table.Add(n)
	require.Equal(t, 1, table.Len())
}

func TestAddRefreshesExistingEntry(t *testing.T) {
	self, err := id.New()
	require.NoError(t, err)
	table := kademlia.New(self, 20, nil, nil)
	n := newNode(t, 1)
	table.Add(n)
	n.Endpoint.Port = 2
	table.Add(n)
	require.Equal(t, 1, table.Len())
	closest := table.Closest(n.ID, 1)
	require.Len(t, closest, 1)
	require.Equal(t, uint16(2), closest[0].Endpoint.Port)
}

func TestClosestOrdersByXorDistance(t *testing.T) {
	self, err := id.New()
	require.NoError(t, err)
	table := kademlia.New(self, 20, nil, nil)
	var nodes []kademlia.Node
	for i := 0; i < 10; i++ {
		n := newNode(t, uint16(i+1))
		nodes = append(nodes, n)
		table.Add(n)
	}
	target := nodes[0].ID
	closest := table.Closest(target, 5)
	require.Len(t, closest, 5)
	require.Equal(t, target, closest[0].ID)
	for i := 1; i < len(closest); i++ {
		prev := closest[i-1].ID.Xor(target)
		cur := closest[i].ID.Xor(target)
		require.LessOrEqual(t, prev.Cmp(cur), 0, "closest nodes must be sorted by increasing distance")
	}
}

// TestClosestBreaksTiesOnFullIDNotJustLeadingBytes guards against a priority
// computed from only part of the ID: every node here shares the same first 4
// bytes as target, so any ordering that folds just those bytes into a single
// priority would see every candidate as equidistant and could return them in
// an order that doesn't track the true 20-byte XOR distance.
func TestClosestBreaksTiesOnFullIDNotJustLeadingBytes(t *testing.T) {
	self, err := id.New()
	require.NoError(t, err)
	table := kademlia.New(self, 20, nil, nil)

	var target id.ID
	for i := range target {
		target[i] = byte(i)
	}

	var nodes []kademlia.Node
	for i := 0; i < 10; i++ {
		nid := target
		// Keep the first 4 bytes identical to target; vary only the tail so
		// XOR distance differs there, exactly the case a 4-byte-only
		// priority cannot distinguish.
		nid[4] = byte(i + 1)
		nid[id.Len-1] ^= byte(i + 1)
		n := newNode(t, uint16(i+1))
		n.ID = nid
		nodes = append(nodes, n)
		table.Add(n)
	}

	closest := table.Closest(target, len(nodes))
	require.Len(t, closest, len(nodes))
	for i := 1; i < len(closest); i++ {
		prev := closest[i-1].ID.Xor(target)
		cur := closest[i].ID.Xor(target)
		require.LessOrEqual(t, prev.Cmp(cur), 0, "closest nodes must be sorted by increasing full-ID distance, not a truncated prefix")
	}
}

func TestRemove(t *testing.T) {
	self, err := id.New()
	require.NoError(t, err)
	table := kademlia.New(self, 20, nil, nil)
	n := newNode(t, 1)
	table.Add(n)
	table.Remove(n.ID)
	require.Equal(t, 0, table.Len())
}

func TestAddEvictsWhenPingerSaysDead(t *testing.T) {
	self, err := id.New()
	require.NoError(t, err)
	pinger := &stubPinger{alive: false}
	table := kademlia.New(self, 1, pinger, nil)

	oldest := newNode(t, 1)
	table.Add(oldest)

	// Differ from oldest only in the lowest bit, so both fall into the same
	// size-1 bucket and the candidate has to contend with oldest.
	candidate := newNode(t, 2)
	candidate.ID = oldest.ID
	candidate.ID[id.Len-1] ^= 1
	table.Add(candidate)

	require.Equal(t, 1, pinger.calls)
	require.Equal(t, 1, table.Len())
	closest := table.Closest(candidate.ID, 1)
	require.Equal(t, candidate.ID, closest[0].ID)
}

func TestAddKeepsOldestWhenPingerSaysAlive(t *testing.T) {
	self, err := id.New()
	require.NoError(t, err)
	pinger := &stubPinger{alive: true}
	table := kademlia.New(self, 1, pinger, nil)

	oldest := newNode(t, 1)
	table.Add(oldest)

	// Same bucket as oldest (see TestAddEvictsWhenPingerSaysDead).
	candidate := newNode(t, 2)
	candidate.ID = oldest.ID
	candidate.ID[id.Len-1] ^= 1
	table.Add(candidate)

	require.Equal(t, 1, table.Len())
	closest := table.Closest(oldest.ID, 1)
	require.Equal(t, oldest.ID, closest[0].ID)
}

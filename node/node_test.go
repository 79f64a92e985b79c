package node_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cagemesh/overlay/addr"
	"github.com/cagemesh/overlay/config"
	"github.com/cagemesh/overlay/id"
	"github.com/cagemesh/overlay/node"
)

func openGlobal(t *testing.T) *node.Node {
	t.Helper()
	n := node.New(config.Default())
	n.SetGlobal()
	require.True(t, n.Open(addr.Inet, 0), "node failed to bind an ephemeral UDP port")
	t.Cleanup(n.Close)
	return n
}

// joinNodes blocks until joiner has bootstrapped its routing table against
// seed, failing the test on timeout or failure.
func joinNodes(t *testing.T, joiner, seed *node.Node) {
	t.Helper()
	seedAddr := seed.LocalAddr()
	joined := make(chan bool, 1)
	joiner.Join(seedAddr.IP.String(), seedAddr.Port, func(ok bool) { joined <- ok })
	select {
	case ok := <-joined:
		require.True(t, ok, "join against a live seed should succeed")
	case <-time.After(2 * time.Second):
		t.Fatal("join never completed")
	}
}

func TestJoinBootstrapsRoutingTableFromSeed(t *testing.T) {
	seed := openGlobal(t)
	joiner := openGlobal(t)

	joinNodes(t, joiner, seed)
}

func TestPutThenGetRoundTripsThroughDHT(t *testing.T) {
	a := openGlobal(t)
	b := openGlobal(t)

	joinNodes(t, b, a)

	a.Put([]byte("greeting"), []byte("hello overlay"), time.Minute, false)

	// Give the single-threaded engine loop a moment to apply the store
	// before the other node queries for it.
	time.Sleep(50 * time.Millisecond)

	found := make(chan [][]byte, 1)
	b.Get([]byte("greeting"), func(ok bool, values [][]byte) {
		if ok {
			found <- values
		} else {
			found <- nil
		}
	})

	select {
	case values := <-found:
		require.NotNil(t, values, "value stored on one node should be discoverable from its peer")
		require.Equal(t, []byte("hello overlay"), values[0])
	case <-time.After(2 * time.Second):
		t.Fatal("get never completed")
	}
}

func TestSendDgramDeliversAcrossNodes(t *testing.T) {
	a := openGlobal(t)
	b := openGlobal(t)

	joinNodes(t, b, a)

	delivered := make(chan []byte, 1)
	b.SetDgramCallback(func(buf []byte, from id.ID) { delivered <- buf })

	a.SendDgram([]byte("hi there"), b.ID())

	select {
	case buf := <-delivered:
		require.Equal(t, []byte("hi there"), buf)
	case <-time.After(2 * time.Second):
		t.Fatal("dgram never arrived")
	}
}

package proxy_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cagemesh/overlay/addr"
	"github.com/cagemesh/overlay/eventloop"
	"github.com/cagemesh/overlay/id"
	"github.com/cagemesh/overlay/proxy"
	"github.com/cagemesh/overlay/wire"
)

type relayedMsg struct {
	ep   addr.Endpoint
	dst  id.ID
	t    wire.Type
	body []byte
}

type recordingSender struct {
	mu      sync.Mutex
	relayed []relayedMsg
}

func (s *recordingSender) SendTo(ep addr.Endpoint, t wire.Type, body []byte) {}

func (s *recordingSender) SendToID(ep addr.Endpoint, dst id.ID, t wire.Type, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relayed = append(s.relayed, relayedMsg{ep: ep, dst: dst, t: t, body: append([]byte(nil), body...)})
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.relayed)
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

func clientEndpoint() addr.Endpoint {
	return addr.Endpoint{Family: addr.Inet, IP: net.IPv4(9, 9, 9, 9).To4(), Port: 4000}
}

func TestForwardRelaysToALiveRegistration(t *testing.T) {
	loop := eventloop.New()
	t.Cleanup(loop.Close)

	sender := &recordingSender{}
	p := proxy.New(id.Zero, loop, sender, nil, time.Second, time.Hour)
	t.Cleanup(p.Close)

	client, err := id.New()
	require.NoError(t, err)
	ep := clientEndpoint()

	onLoop(t, loop, func() { p.HandleRegister(ep, client, wire.EncodeRegister(1)) })

	h := wire.NewHeader(wire.TypeDgram, id.Zero, client, 4)
	onLoop(t, loop, func() { p.Forward(addr.Endpoint{}, h, []byte("data")) })

	require.Equal(t, 1, sender.count())
	require.Equal(t, client, sender.relayed[0].dst)
}

func TestForwardDropsOnceRegistrationGoesStale(t *testing.T) {
	loop := eventloop.New()
	t.Cleanup(loop.Close)

	sender := &recordingSender{}
	registerInterval := 20 * time.Millisecond
	p := proxy.New(id.Zero, loop, sender, nil, time.Second, registerInterval)
	t.Cleanup(p.Close)

	client, err := id.New()
	require.NoError(t, err)
	ep := clientEndpoint()

	onLoop(t, loop, func() { p.HandleRegister(ep, client, wire.EncodeRegister(1)) })

	// Grace period is a few re-registration intervals; without a refresh the
	// registration must eventually be treated as stale.
	time.Sleep(registerInterval * 10)

	h := wire.NewHeader(wire.TypeDgram, id.Zero, client, 4)
	onLoop(t, loop, func() { p.Forward(addr.Endpoint{}, h, []byte("data")) })

	require.Equal(t, 0, sender.count(), "a client that stopped re-registering must not be relayed to")
}

func TestForwardDropsUnknownDestination(t *testing.T) {
	loop := eventloop.New()
	t.Cleanup(loop.Close)

	sender := &recordingSender{}
	p := proxy.New(id.Zero, loop, sender, nil, time.Second, time.Hour)
	t.Cleanup(p.Close)

	stranger, err := id.New()
	require.NoError(t, err)
	h := wire.NewHeader(wire.TypeDgram, id.Zero, stranger, 4)
	onLoop(t, loop, func() { p.Forward(addr.Endpoint{}, h, []byte("data")) })

	require.Equal(t, 0, sender.count())
}

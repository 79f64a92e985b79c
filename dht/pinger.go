package dht

import (
	"time"

	"github.com/cagemesh/overlay/eventloop"
	"github.com/cagemesh/overlay/kademlia"
	"github.com/cagemesh/overlay/wire"
)

// Pinger adapts DHT's ping RPC to kademlia.Pinger, so a Table can probe the
// least-recently-seen entry of a full bucket before evicting it in favor of
// a new candidate (rttable.hpp's timer_ping).
type Pinger struct {
	loop    *eventloop.Loop
	send    Sender
	timeout time.Duration
	waiting map[uint32]func(bool)
}

// NewPinger builds a kademlia.Pinger backed by the DHT ping RPC. Wire its
// OnPingReply method as the transport's DHTPingReply handler.
func NewPinger(loop *eventloop.Loop, send Sender, timeout time.Duration) *Pinger {
	return &Pinger{loop: loop, send: send, timeout: timeout, waiting: make(map[uint32]func(bool))}
}

// Ping implements kademlia.Pinger.
func (p *Pinger) Ping(n kademlia.Node, alive func(bool)) {
	nonce := randNonce()
	p.waiting[nonce] = alive
	p.loop.Schedule(p.timeout, func() {
		if cb, ok := p.waiting[nonce]; ok {
			delete(p.waiting, nonce)
			cb(false)
		}
	})
	p.send.SendTo(n.Endpoint, wire.TypeDHTPing, wire.EncodePing(nonce))
}

// OnPingReply resolves an outstanding eviction probe.
func (p *Pinger) OnPingReply(body []byte) {
	nonce, ok := wire.DecodePing(body)
	if !ok {
		return
	}
	if cb, found := p.waiting[nonce]; found {
		delete(p.waiting, nonce)
		cb(true)
	}
}

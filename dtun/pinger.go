package dtun

import (
	"time"

	"github.com/cagemesh/overlay/eventloop"
	"github.com/cagemesh/overlay/kademlia"
	"github.com/cagemesh/overlay/wire"
)

// Pinger adapts DTUN's ping RPC to kademlia.Pinger, so the DTUN rendezvous
// table can probe the least-recently-seen entry of a full bucket before
// evicting it in favor of a new candidate, the same eviction policy the
// main routing table uses against the DHT ping RPC (dht.Pinger).
type Pinger struct {
	loop    *eventloop.Loop
	send    Sender
	timeout time.Duration
	waiting map[uint32]func(bool)
}

// NewPinger builds a kademlia.Pinger backed by the DTUN ping RPC. Wire its
// OnPingReply method as the transport's DTUNPingReply handler.
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
	p.send.SendTo(n.Endpoint, wire.TypeDTUNPing, wire.EncodePing(nonce))
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

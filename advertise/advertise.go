// Package advertise implements direct peer announcements: telling one
// specific node "I exist, here's my endpoint", retried every timeout until
// acknowledged or until its ttl has passed. A periodic refresh pass drops
// targets whose ttl has passed; it does not announce again to a target that
// already acknowledged. Node uses this to make a DTUN rendezvous contact (or
// any other peer a caller cares about) aware of itself without waiting for
// that peer to initiate contact.
//
// Grounded on original_source/src/advertise.{hpp,cpp}: advertise_to's
// per-nonce retry timer, the advertised-set TTL, and timer_refresh's
// jittered resweep (t = refresh_interval*drnd() + refresh_interval), the
// same jitter shape peers.cpp uses and that peers.Directory already
// mirrors.
package advertise

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	mrand "math/rand"
	"time"

	"github.com/cagemesh/overlay/addr"
	"github.com/cagemesh/overlay/eventloop"
	"github.com/cagemesh/overlay/id"
	"github.com/cagemesh/overlay/wire"
)

// Sender is the transport hook the advertise engine needs.
type Sender interface {
	SendTo(ep addr.Endpoint, t wire.Type, body []byte)
}

type outstanding struct {
	target   id.ID
	endpoint addr.Endpoint
	cancel   eventloop.CancelFunc
}

// Advertise periodically (re-)announces this node to a set of target peers
// until told to stop.
type Advertise struct {
	self id.ID
	loop *eventloop.Loop
	send Sender

	ttl            time.Duration
	timeout        time.Duration
	refreshInterval time.Duration

	advertising map[uint32]*outstanding
	advertised  map[id.ID]time.Time

	cancelRefresh eventloop.CancelFunc
}

// New constructs an Advertise engine and starts its jittered refresh cycle.
func New(self id.ID, loop *eventloop.Loop, send Sender, ttl, timeout, refreshInterval time.Duration) *Advertise {
	a := &Advertise{
		self:            self,
		loop:            loop,
		send:            send,
		ttl:             ttl,
		timeout:         timeout,
		refreshInterval: refreshInterval,
		advertising:     make(map[uint32]*outstanding),
		advertised:      make(map[id.ID]time.Time),
	}
	a.scheduleRefresh()
	return a
}

func randNonce() uint32 {
	var b [4]byte
	_, _ = cryptorand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// AdvertiseTo announces this node to target at endpoint, retrying every
// timeout until acknowledged or until ttl has passed. The target stays in
// the advertised set until refresh() finds its ttl has passed.
func (a *Advertise) AdvertiseTo(target id.ID, ep addr.Endpoint) {
	a.advertised[target] = time.Now().Add(a.ttl)
	a.retry(target, ep)
}

func (a *Advertise) retry(target id.ID, ep addr.Endpoint) {
	nonce := randNonce()
	o := &outstanding{target: target, endpoint: ep}
	o.cancel = a.loop.Schedule(a.timeout, func() {
		delete(a.advertising, nonce)
		if time.Now().Before(a.advertised[target]) {
			a.retry(target, ep)
		}
	})
	a.advertising[nonce] = o
	a.send.SendTo(ep, wire.TypeAdvertise, wire.EncodePing(nonce))
}

// refresh drops every target whose ttl has passed from the advertised set.
// It sends nothing: targets still within their ttl are not announced to
// again.
func (a *Advertise) refresh() {
	now := time.Now()
	for target, expiry := range a.advertised {
		if now.After(expiry) {
			delete(a.advertised, target)
			continue
		}
	}
}

func (a *Advertise) scheduleRefresh() {
	jitter := time.Duration(mrand.Int63n(int64(a.refreshInterval)))
	next := a.refreshInterval + jitter
	a.cancelRefresh = a.loop.Schedule(next, func() {
		a.refresh()
		a.scheduleRefresh()
	})
}

// HandleAdvertise answers an incoming announcement with an acknowledgement.
func (a *Advertise) HandleAdvertise(from addr.Endpoint, body []byte) {
	nonce, ok := wire.DecodePing(body)
	if !ok {
		return
	}
	a.send.SendTo(from, wire.TypeAdvertiseReply, wire.EncodePing(nonce))
}

// HandleAdvertiseReply cancels the retry timer for an acknowledged
// announcement.
func (a *Advertise) HandleAdvertiseReply(body []byte) {
	nonce, ok := wire.DecodePing(body)
	if !ok {
		return
	}
	if o, found := a.advertising[nonce]; found {
		delete(a.advertising, nonce)
		o.cancel()
	}
}

// Close stops the refresh cycle.
func (a *Advertise) Close() {
	if a.cancelRefresh != nil {
		a.cancelRefresh()
	}
}

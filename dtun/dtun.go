// Package dtun implements the rendezvous/locator engine (spec.md §4.5): a
// second Kademlia-over-UDP instance used purely to let a node register
// itself as reachable "near" its own ID and let other nodes discover its
// current address (or request it attempt a direct connection back) without
// needing a stable address of their own.
//
// Grounded on original_source/src/dtun.{hpp,cpp}'s register/request split: a
// node registers with the peers closest to its own ID (found via the same
// iterative lookup machinery as the DHT), and a requester asks those same
// peers to either hand back the registrant's address or relay a
// request_by so the registrant can attempt the direct connection itself.
package dtun

import (
	"crypto/rand"
	"encoding/binary"
	mathrand "math/rand"
	"time"

	"github.com/cagemesh/overlay/addr"
	"github.com/cagemesh/overlay/diag"
	"github.com/cagemesh/overlay/eventloop"
	"github.com/cagemesh/overlay/id"
	"github.com/cagemesh/overlay/kademlia"
	"github.com/cagemesh/overlay/metrics"
	"github.com/cagemesh/overlay/peers"
	"github.com/cagemesh/overlay/wire"
)

// Sender is the transport hook the DTUN engine needs.
type Sender interface {
	SendTo(ep addr.Endpoint, t wire.Type, body []byte)
}

type pendingRequest struct {
	cancel eventloop.CancelFunc
	onDone func(ok bool)
}

type pendingFindNode struct {
	cancel eventloop.CancelFunc
	onDone func(nodes []kademlia.Node, ok bool)
}

// registryEntry is one registrant's rendezvous entry plus when it last
// (re-)registered, so a sweep can age it out.
type registryEntry struct {
	desc           addr.Descriptor
	lastRegistered time.Time
}

// DTUN is the rendezvous engine; one instance per node.
type DTUN struct {
	self  id.ID
	loop  *eventloop.Loop
	send  Sender
	table *kademlia.Table
	dir   *peers.Directory

	k            int
	alpha        int
	queryTimeout time.Duration

	registerTTL   time.Duration
	registerSweep time.Duration

	// registry holds the entries of nodes that have registered with this
	// node as their rendezvous contact.
	registry map[id.ID]registryEntry

	pendingRequests  map[uint32]*pendingRequest
	pendingFindNodes map[uint32]*pendingFindNode

	// onRequestBy fires when some requester is trying to reach the local
	// node via a rendezvous contact; the node layer wires this to attempt
	// a direct hole-punch back to requester.
	onRequestBy func(requester addr.Endpoint)

	clock *diag.Monitor

	cancelSweep eventloop.CancelFunc
}

// New constructs a DTUN engine. registerTTL/registerSweep age out a
// registration that hasn't been refreshed (spec.md §3: registry entries
// "age out after a fixed interval"), the same jittered-sweep pattern
// peers.Directory and advertise.Advertise already run.
func New(self id.ID, loop *eventloop.Loop, send Sender, table *kademlia.Table, dir *peers.Directory, alpha, k int, queryTimeout, registerTTL, registerSweep time.Duration, onRequestBy func(addr.Endpoint), clock *diag.Monitor) *DTUN {
	d := &DTUN{
		self:             self,
		loop:             loop,
		send:             send,
		table:            table,
		dir:              dir,
		k:                k,
		alpha:            alpha,
		queryTimeout:     queryTimeout,
		registerTTL:      registerTTL,
		registerSweep:    registerSweep,
		registry:         make(map[id.ID]registryEntry),
		pendingRequests:  make(map[uint32]*pendingRequest),
		pendingFindNodes: make(map[uint32]*pendingFindNode),
		onRequestBy:      onRequestBy,
		clock:            clock,
	}
	d.scheduleSweep()
	return d
}

// scheduleSweep re-arms the registry expiry sweep with a jittered interval,
// the same drnd()-style jitter peers.cpp's timer_func uses.
func (d *DTUN) scheduleSweep() {
	jitter := time.Duration(mathrand.Int63n(int64(d.registerSweep) + 1))
	d.cancelSweep = d.loop.Schedule(d.registerSweep+jitter, func() {
		now := time.Now()
		for regID, entry := range d.registry {
			if now.Sub(entry.lastRegistered) > d.registerTTL {
				delete(d.registry, regID)
			}
		}
		d.scheduleSweep()
	})
}

// Close stops the registry expiry sweep.
func (d *DTUN) Close() {
	if d.cancelSweep != nil {
		d.cancelSweep()
	}
}

func randNonce() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// Register finds the k nodes closest to the local ID and asks each of them
// to hold session as our rendezvous registration.
func (d *DTUN) Register(session uint32) {
	initial := d.table.Closest(d.self, d.k)
	kademlia.Start(d.loop, d.self, initial, d.alpha, d.k, d.queryTimeout, d.dir,
		func(n kademlia.Node, result func(found []kademlia.Node, ok bool)) {
			d.queryFindNode(n, d.self, result)
		},
		func(final []kademlia.Node) {
			body := wire.EncodeRegister(session)
			for _, n := range final {
				d.send.SendTo(n.Endpoint, wire.TypeDTUNRegister, body)
			}
		})
}

// Request locates target: finds the nodes closest to target's ID, then asks
// each to either return target's address directly or relay a request_by so
// target can connect back to us. done fires once, true if any rendezvous
// contact acknowledged the request.
func (d *DTUN) Request(target id.ID, done func(ok bool)) {
	initial := d.table.Closest(target, d.k)
	kademlia.Start(d.loop, target, initial, d.alpha, d.k, d.queryTimeout, d.dir,
		func(n kademlia.Node, result func(found []kademlia.Node, ok bool)) {
			d.queryFindNode(n, target, result)
		},
		func(final []kademlia.Node) {
			if len(final) == 0 {
				done(false)
				return
			}
			acked := false
			remaining := len(final)
			for _, n := range final {
				d.sendRequest(n, target, func(ok bool) {
					remaining--
					if ok && !acked {
						acked = true
						done(true)
					} else if remaining == 0 && !acked {
						done(false)
					}
				})
			}
		})
}

func (d *DTUN) sendRequest(n kademlia.Node, target id.ID, done func(ok bool)) {
	nonce := randNonce()
	pr := &pendingRequest{onDone: done}
	pr.cancel = d.loop.Schedule(d.queryTimeout, func() {
		delete(d.pendingRequests, nonce)
		done(false)
	})
	d.pendingRequests[nonce] = pr
	d.send.SendTo(n.Endpoint, wire.TypeDTUNRequest, wire.EncodeRequest(nonce, target))
}

func (d *DTUN) queryFindNode(n kademlia.Node, target id.ID, result func(found []kademlia.Node, ok bool)) {
	nonce := randNonce()
	pf := &pendingFindNode{onDone: result}
	pf.cancel = d.loop.Schedule(d.queryTimeout, func() {
		delete(d.pendingFindNodes, nonce)
		metrics.DTUNQueryTimeouts.Inc(1)
		if d.clock != nil {
			d.clock.RecordTimeout()
		}
		result(nil, false)
	})
	d.pendingFindNodes[nonce] = pf
	metrics.DTUNQueriesSent.Inc(1)
	d.send.SendTo(n.Endpoint, wire.TypeDTUNFindNode, wire.EncodeFindNode(nonce, target))
}

// HandlePing answers a liveness probe against the DTUN table.
func (d *DTUN) HandlePing(from addr.Endpoint, body []byte) {
	nonce, ok := wire.DecodePing(body)
	if !ok {
		return
	}
	d.send.SendTo(from, wire.TypeDTUNPingReply, wire.EncodePing(nonce))
}

// HandleFindNode serves an incoming find_node lookup over the DTUN table.
// src is the requester's ID, folded into the table on every inbound RPC.
func (d *DTUN) HandleFindNode(from addr.Endpoint, src id.ID, body []byte) {
	if !src.IsZero() {
		d.table.Add(kademlia.Node{ID: src, Endpoint: from})
		d.dir.AddNode(addr.Descriptor{ID: src, Endpoint: from})
	}
	req, ok := wire.DecodeFindNode(body)
	if !ok {
		return
	}
	closest := d.table.Closest(req.Target, d.k)
	descs := make([]addr.Descriptor, len(closest))
	for i, n := range closest {
		descs[i] = addr.Descriptor{ID: n.ID, Endpoint: n.Endpoint}
	}
	hdr := wire.EncodeFindNodeReplyHeader(wire.FindNodeReplyHeader{Nonce: req.Nonce, Target: req.Target, Num: uint8(len(descs))})
	d.send.SendTo(from, wire.TypeDTUNFindNodeReply, append(hdr, wire.EncodeNodesInet(descs)...))
}

// HandleFindNodeReply completes a pending lookup step. src is the
// responder's ID, folded into the table directly as proof of liveness.
func (d *DTUN) HandleFindNodeReply(from addr.Endpoint, src id.ID, body []byte) {
	if !src.IsZero() {
		d.table.Add(kademlia.Node{ID: src, Endpoint: from})
		d.dir.AddNode(addr.Descriptor{ID: src, Endpoint: from})
	}
	hdr, rest, ok := wire.DecodeFindNodeReplyHeader(body)
	if !ok {
		return
	}
	pf, found := d.pendingFindNodes[hdr.Nonce]
	if !found {
		return
	}
	delete(d.pendingFindNodes, hdr.Nonce)
	pf.cancel()
	if d.clock != nil {
		d.clock.RecordSuccess()
	}
	descs := wire.DecodeNodesInet(rest, int(hdr.Num), nil, nil)
	nodes := make([]kademlia.Node, 0, len(descs))
	for _, desc := range descs {
		if d.dir.IsTimeout(desc.ID) {
			continue
		}
		n := kademlia.Node{ID: desc.ID, Endpoint: desc.Endpoint}
		nodes = append(nodes, n)
		d.table.Add(n)
		d.dir.AddNode(desc)
	}
	pf.onDone(nodes, true)
}

// HandleRegister stores a registration from header.Src at endpoint from.
func (d *DTUN) HandleRegister(from addr.Endpoint, registrant id.ID, body []byte) {
	session, ok := wire.DecodeRegister(body)
	if !ok {
		return
	}
	d.registry[registrant] = registryEntry{
		desc:           addr.Descriptor{ID: registrant, Endpoint: from, Session: session, HasSession: true},
		lastRegistered: time.Now(),
	}
}

// HandleRequest serves an incoming request for a registrant. If found, it
// tells the registrant (request_by) that requester wants to connect, and
// acknowledges the requester directly.
func (d *DTUN) HandleRequest(from addr.Endpoint, body []byte) {
	req, ok := wire.DecodeRequest(body)
	if !ok {
		return
	}
	entry, found := d.registry[req.Target]
	if !found {
		return
	}
	d.send.SendTo(entry.desc.Endpoint, wire.TypeDTUNRequestBy, wire.EncodeRequestBy(req.Nonce, from))
	d.send.SendTo(from, wire.TypeDTUNRequestReply, wire.EncodeRequestReply(req.Nonce))
}

// HandleRequestReply completes a pending Request.
func (d *DTUN) HandleRequestReply(body []byte) {
	nonce, ok := wire.DecodeRequestReply(body)
	if !ok {
		return
	}
	pr, found := d.pendingRequests[nonce]
	if !found {
		return
	}
	delete(d.pendingRequests, nonce)
	pr.cancel()
	pr.onDone(true)
}

// HandleRequestBy notifies the local node that someone is trying to reach
// it via a rendezvous contact.
func (d *DTUN) HandleRequestBy(from addr.Endpoint, body []byte) {
	reqBy, ok := wire.DecodeRequestBy(body, from.UDPAddr())
	if !ok {
		return
	}
	if d.onRequestBy != nil {
		d.onRequestBy(reqBy.Endpoint)
	}
}

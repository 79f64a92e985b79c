// Package dht implements the key/value store engine (spec.md §4.6): Kademlia
// iterative lookup used both to locate the nodes responsible for a key and
// to fetch/replicate values, backed by a local TTL cache for values this
// node itself is holding on behalf of the network.
//
// Grounded on original_source/src/dht.hpp's dht class (find_node/store/
// query, is_find_value short-circuiting find_value lookups) and on
// p2p/discover/udp.go's nonce-keyed pending/reply idiom for matching async
// RPC replies. The local value cache uses github.com/patrickmn/go-cache for
// its built-in per-entry TTL and sweep, the same library package peers uses
// for its directory.
package dht

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/cagemesh/overlay/addr"
	"github.com/cagemesh/overlay/diag"
	"github.com/cagemesh/overlay/eventloop"
	"github.com/cagemesh/overlay/id"
	"github.com/cagemesh/overlay/kademlia"
	"github.com/cagemesh/overlay/metrics"
	"github.com/cagemesh/overlay/peers"
	"github.com/cagemesh/overlay/wire"
)

// Sender is the transport hook the DHT engine needs.
type Sender interface {
	SendTo(ep addr.Endpoint, t wire.Type, body []byte)
}

// storedValue is one key's locally held replica.
type storedValue struct {
	value []byte
}

// pendingQuery tracks one outstanding find_node/find_value RPC (a Bootstrap
// probe included).
type pendingQuery struct {
	cancel eventloop.CancelFunc
	onNodes func(nodes []kademlia.Node, value []byte, hasValue bool)
}

// DHT is the engine; one instance per node.
type DHT struct {
	self  id.ID
	loop  *eventloop.Loop
	send  Sender
	table *kademlia.Table
	dir   *peers.Directory

	values *cache.Cache

	alpha        int
	k            int
	queryTimeout time.Duration
	defaultTTL   time.Duration

	pending map[uint32]*pendingQuery
	clock   *diag.Monitor
}

// New constructs a DHT engine. table should already be wired as the
// Pinger-backed routing table shared with whatever discovery path feeds it.
func New(self id.ID, loop *eventloop.Loop, send Sender, table *kademlia.Table, dir *peers.Directory, alpha, k int, queryTimeout, defaultTTL time.Duration, clock *diag.Monitor) *DHT {
	return &DHT{
		self:         self,
		loop:         loop,
		send:         send,
		table:        table,
		dir:          dir,
		values:       cache.New(defaultTTL, defaultTTL/2),
		alpha:        alpha,
		k:            k,
		queryTimeout: queryTimeout,
		defaultTTL:   defaultTTL,
		pending:      make(map[uint32]*pendingQuery),
		clock:        clock,
	}
}

func randNonce() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// Get performs an iterative find_value lookup for key and calls done with the
// first value any queried node returns (dht.hpp's query::is_find_value). The
// lookup is not stopped at that point: it keeps querying until it converges,
// and done is still called only once.
func (d *DHT) Get(key id.ID, done func(value []byte, found bool)) {
	if v, ok := d.values.Get(key.Hex()); ok {
		done(v.(storedValue).value, true)
		return
	}
	initial := d.table.Closest(key, d.k)
	found := false
	kademlia.Start(d.loop, key, initial, d.alpha, d.k, d.queryTimeout, d.dir,
		func(n kademlia.Node, result func(found []kademlia.Node, ok bool)) {
			d.queryFindValue(n, key, func(nodes []kademlia.Node, value []byte, hasValue bool) {
				if hasValue && !found {
					found = true
					done(value, true)
				}
				result(nodes, true)
			})
		},
		func(final []kademlia.Node) {
			if !found {
				done(nil, false)
			}
		})
}

// Put replicates (key, value) to the k nodes closest to key, and retains a
// local copy so this node can also answer Get for it (and refresh the
// replica set before ttl expires).
func (d *DHT) Put(key id.ID, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = d.defaultTTL
	}
	d.values.Set(key.Hex(), storedValue{value: value}, ttl)
	d.replicate(key, value, ttl)
	// Refresh the replica set partway through the TTL so long-lived values
	// survive routing-table churn (spec.md §4.6's replica refresh).
	d.loop.Schedule(ttl/2, func() {
		if v, ok := d.values.Get(key.Hex()); ok {
			d.replicate(key, v.(storedValue).value, ttl)
		}
	})
}

func (d *DHT) replicate(key id.ID, value []byte, ttl time.Duration) {
	initial := d.table.Closest(key, d.k)
	kademlia.Start(d.loop, key, initial, d.alpha, d.k, d.queryTimeout, d.dir,
		func(n kademlia.Node, result func(found []kademlia.Node, ok bool)) {
			d.queryFindNode(n, key, func(nodes []kademlia.Node, ok bool) {
				result(nodes, ok)
			})
		},
		func(final []kademlia.Node) {
			body := wire.EncodeStore(wire.StoreHeader{
				Key:      key,
				KeyLen:   uint16(id.Len),
				ValueLen: uint16(len(value)),
				TTL:      uint16(ttl / time.Second),
			}, key[:], value)
			for _, n := range final {
				d.send.SendTo(n.Endpoint, wire.TypeDHTStore, body)
			}
		})
}

// FindNode performs an iterative find_node lookup for target and reports
// its endpoint if some queried node returns it as an exact match, or if the
// target itself is queried and answers. This is
// the "otherwise DHT find_node" fallback spec.md §4.8 names for dgram (and
// rdp) address resolution when DTUN isn't available.
func (d *DHT) FindNode(target id.ID, done func(ep addr.Endpoint, ok bool)) {
	if desc, ok := d.dir.Lookup(target); ok {
		done(desc.Endpoint, true)
		return
	}
	initial := d.table.Closest(target, d.k)
	var resolved *addr.Endpoint
	kademlia.Start(d.loop, target, initial, d.alpha, d.k, d.queryTimeout, d.dir,
		func(n kademlia.Node, result func(found []kademlia.Node, ok bool)) {
			d.queryFindNode(n, target, func(nodes []kademlia.Node, ok bool) {
				if resolved == nil && ok && n.ID.Equal(target) {
					ep := n.Endpoint
					resolved = &ep
				}
				if resolved == nil {
					for _, nd := range nodes {
						if nd.ID.Equal(target) {
							ep := nd.Endpoint
							resolved = &ep
						}
					}
				}
				result(nodes, ok)
			})
		},
		func(final []kademlia.Node) {
			if resolved != nil {
				done(*resolved, true)
				return
			}
			done(addr.Endpoint{}, false)
		})
}

func (d *DHT) queryFindNode(n kademlia.Node, target id.ID, done func(nodes []kademlia.Node, ok bool)) {
	d.query(n, target, false, func(nodes []kademlia.Node, _ []byte, _ bool) {
		done(nodes, true)
	}, func() { done(nil, false) })
}

func (d *DHT) queryFindValue(n kademlia.Node, target id.ID, done func(nodes []kademlia.Node, value []byte, hasValue bool)) {
	d.query(n, target, true, done, func() { done(nil, nil, false) })
}

func (d *DHT) query(n kademlia.Node, target id.ID, findValue bool, onReply func(nodes []kademlia.Node, value []byte, hasValue bool), onTimeout func()) {
	nonce := randNonce()
	pq := &pendingQuery{onNodes: onReply}
	pq.cancel = d.loop.Schedule(d.queryTimeout, func() {
		delete(d.pending, nonce)
		metrics.DHTQueryTimeouts.Inc(1)
		if d.clock != nil {
			d.clock.RecordTimeout()
		}
		onTimeout()
	})
	d.pending[nonce] = pq
	body := wire.EncodeFindNode(nonce, target)
	typ := wire.TypeDHTFindNode
	if findValue {
		typ = wire.TypeDHTFindValue
	}
	metrics.DHTQueriesSent.Inc(1)
	d.send.SendTo(n.Endpoint, typ, body)
}

// HandlePing answers a liveness probe.
func (d *DHT) HandlePing(from addr.Endpoint, body []byte) {
	nonce, ok := wire.DecodePing(body)
	if !ok {
		return
	}
	d.send.SendTo(from, wire.TypeDHTPingReply, wire.EncodePing(nonce))
}

// Bootstrap contacts ep directly, whose ID isn't known yet, and folds the
// reply into the routing table — the "connect via a seed address" path
// join() needs before any iterative lookup has a shortlist to start from.
func (d *DHT) Bootstrap(ep addr.Endpoint, done func(ok bool)) {
	nonce := randNonce()
	pq := &pendingQuery{}
	pq.onNodes = func(nodes []kademlia.Node, _ []byte, _ bool) {
		done(true)
	}
	pq.cancel = d.loop.Schedule(d.queryTimeout, func() {
		delete(d.pending, nonce)
		done(false)
	})
	d.pending[nonce] = pq
	metrics.DHTQueriesSent.Inc(1)
	d.send.SendTo(ep, wire.TypeDHTFindNode, wire.EncodeFindNode(nonce, d.self))
}

// HandleFindNode serves an incoming find_node/find_value request. src is the
// requester's ID (wire.Header.Src), folded into the table on every inbound
// RPC the same way a reply's responder is (rttable.hpp updates the table on
// both directions of traffic).
func (d *DHT) HandleFindNode(from addr.Endpoint, src id.ID, body []byte, isFindValue bool) {
	if !src.IsZero() {
		d.table.Add(kademlia.Node{ID: src, Endpoint: from})
		d.dir.AddNode(addr.Descriptor{ID: src, Endpoint: from})
	}
	req, ok := wire.DecodeFindNode(body)
	if !ok {
		return
	}
	if isFindValue {
		if v, ok := d.values.Get(req.Target.Hex()); ok {
			stored := v.(storedValue)
			replyBody := wire.EncodeStore(wire.StoreHeader{
				Key:      req.Target,
				KeyLen:   uint16(id.Len),
				ValueLen: uint16(len(stored.value)),
			}, req.Target[:], stored.value)
			d.send.SendTo(from, wire.TypeDHTFindValueReply, append(wire.EncodePing(req.Nonce), replyBody...))
			return
		}
	}
	closest := d.table.Closest(req.Target, d.k)
	descs := make([]addr.Descriptor, len(closest))
	for i, n := range closest {
		descs[i] = addr.Descriptor{ID: n.ID, Endpoint: n.Endpoint}
	}
	hdr := wire.EncodeFindNodeReplyHeader(wire.FindNodeReplyHeader{Nonce: req.Nonce, Target: req.Target, Num: uint8(len(descs))})
	nodes := wire.EncodeNodesInet(descs)
	typ := wire.TypeDHTFindNodeReply
	if isFindValue {
		typ = wire.TypeDHTFindValueReply
	}
	d.send.SendTo(from, typ, append(hdr, nodes...))
}

// HandleFindNodeReply completes a pending find_node/find_value query. src is
// the responder's ID (wire.Header.Src); it is folded into the table and
// directory directly, since a reply is itself proof of liveness even when
// the responder doesn't appear in its own closest-nodes list.
func (d *DHT) HandleFindNodeReply(from addr.Endpoint, src id.ID, body []byte) {
	if !src.IsZero() {
		d.table.Add(kademlia.Node{ID: src, Endpoint: from})
		d.dir.AddNode(addr.Descriptor{ID: src, Endpoint: from})
	}
	if len(body) >= 4 {
		if nonce, ok := wire.DecodePing(body[:4]); ok {
			if pq, found := d.pending[nonce]; found {
				if _, key, value, ok := wire.DecodeStore(body[4:]); ok {
					delete(d.pending, nonce)
					pq.cancel()
					if d.clock != nil {
						d.clock.RecordSuccess()
					}
					pq.onNodes(nil, append([]byte(nil), value...), len(key) > 0)
					return
				}
			}
		}
	}
	hdr, rest, ok := wire.DecodeFindNodeReplyHeader(body)
	if !ok {
		return
	}
	pq, found := d.pending[hdr.Nonce]
	if !found {
		return
	}
	delete(d.pending, hdr.Nonce)
	pq.cancel()
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
	pq.onNodes(nodes, nil, false)
}

// HandleStore persists an incoming replica.
func (d *DHT) HandleStore(body []byte) {
	h, key, value, ok := wire.DecodeStore(body)
	if !ok || len(key) != id.Len {
		return
	}
	ttl := time.Duration(h.TTL) * time.Second
	if ttl <= 0 {
		ttl = d.defaultTTL
	}
	d.values.Set(h.Key.Hex(), storedValue{value: append([]byte(nil), value...)}, ttl)
}

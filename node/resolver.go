package node

import (
	"time"

	"github.com/cagemesh/overlay/addr"
	"github.com/cagemesh/overlay/dht"
	"github.com/cagemesh/overlay/dtun"
	"github.com/cagemesh/overlay/eventloop"
	"github.com/cagemesh/overlay/id"
	"github.com/cagemesh/overlay/kademlia"
	"github.com/cagemesh/overlay/peers"
)

// resolver implements both dgram.Resolver and rdp.Resolver: a DTUN request
// is tried first (when DTUN is in use), falling back to an iterative DHT
// find_node, matching spec.md §4.8's "otherwise DHT find_node" resolution
// order. A DTUN Request only confirms that some rendezvous contact relayed
// our request_by — the actual endpoint, if ever learned, arrives
// asynchronously into the peer directory once the target holes back through
// (dtun.HandleRequestBy's onRequestBy path). settle gives that a short
// window before declaring the DTUN path a miss and falling back.
type resolver struct {
	loop   *eventloop.Loop
	dir    *peers.Directory
	dtun   *dtun.DTUN
	dht    *dht.DHT
	settle time.Duration
}

func (r *resolver) Resolve(target id.ID, done func(ep addr.Endpoint, ok bool)) {
	if desc, ok := r.dir.Lookup(target); ok {
		done(desc.Endpoint, true)
		return
	}
	if r.dtun != nil {
		r.dtun.Request(target, func(ok bool) {
			if !ok {
				r.fallback(target, done)
				return
			}
			r.loop.Schedule(r.settle, func() {
				if desc, ok := r.dir.Lookup(target); ok {
					done(desc.Endpoint, true)
					return
				}
				r.fallback(target, done)
			})
		})
		return
	}
	r.fallback(target, done)
}

func (r *resolver) fallback(target id.ID, done func(ep addr.Endpoint, ok bool)) {
	if r.dht == nil {
		done(addr.Endpoint{}, false)
		return
	}
	r.dht.FindNode(target, done)
}

// serverLocator implements proxy.Locator by picking the DTUN rendezvous
// contact closest to the local ID as the relay-server candidate — the same
// contact set DTUN registration itself targets (proxy.cpp's register_func
// locates a server via the identical dtun-closest-to-self lookup).
type serverLocator struct {
	table *kademlia.Table
	self  id.ID
}

func (l *serverLocator) FindServer(done func(server addr.Descriptor, ok bool)) {
	closest := l.table.Closest(l.self, 1)
	if len(closest) == 0 {
		done(addr.Descriptor{}, false)
		return
	}
	n := closest[0]
	done(addr.Descriptor{ID: n.ID, Endpoint: n.Endpoint}, true)
}

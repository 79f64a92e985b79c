// Package peers is the node's peer directory: a short-lived cache mapping
// IDs to the endpoint they were last seen at, plus a timeout blacklist of
// IDs that recently failed to respond. The query engines (kademlia, dtun,
// dht) consult this directory before sending a query, and refresh it
// whenever a reply arrives.
//
// Grounded on original_source/src/peers.{hpp,cpp}: add_node/is_timeout/
// add_timeout/refresh and the jittered resweep timer
// (tval.tv_sec = TIMER_INTERVAL * drnd() + TIMER_INTERVAL). TTL storage uses
// github.com/patrickmn/go-cache the way the teacher's stack would reach for
// an off-the-shelf expiring map; the timeout blacklist uses
// gopkg.in/fatih/set.v0 for its ID set, matching the teacher's own use of
// lightweight set types for membership tracking.
package peers

import (
	"math/rand"
	"time"

	cache "github.com/patrickmn/go-cache"
	set "gopkg.in/fatih/set.v0"

	"github.com/cagemesh/overlay/addr"
	"github.com/cagemesh/overlay/eventloop"
	"github.com/cagemesh/overlay/id"
)

// Directory tracks known peer endpoints and recently-timed-out IDs.
type Directory struct {
	loop *eventloop.Loop

	known   *cache.Cache
	timeout *set.Set

	mapTTL        time.Duration
	timeoutTTL    time.Duration
	timerInterval time.Duration

	cancelSweep eventloop.CancelFunc
}

// New creates a Directory whose background sweep runs on loop.
func New(loop *eventloop.Loop, mapTTL, timeoutTTL, timerInterval time.Duration) *Directory {
	d := &Directory{
		loop:          loop,
		known:         cache.New(mapTTL, mapTTL/2),
		timeout:       set.New(),
		mapTTL:        mapTTL,
		timeoutTTL:    timeoutTTL,
		timerInterval: timerInterval,
	}
	d.scheduleSweep()
	return d
}

// AddNode records (or refreshes) a peer's current endpoint, and clears it
// from the timeout blacklist — a fresh sighting supersedes a prior timeout
// (peers.cpp's add_node contract).
func (d *Directory) AddNode(n addr.Descriptor) {
	d.known.Set(n.ID.Hex(), n, d.mapTTL)
	d.timeout.Remove(n.ID.Hex())
}

// Lookup returns the last-known descriptor for id, if any and not expired.
func (d *Directory) Lookup(nodeID id.ID) (addr.Descriptor, bool) {
	v, ok := d.known.Get(nodeID.Hex())
	if !ok {
		return addr.Descriptor{}, false
	}
	return v.(addr.Descriptor), true
}

// AddTimeout marks id as having just failed to respond, entering the
// timeout blacklist for timeoutTTL.
func (d *Directory) AddTimeout(nodeID id.ID) {
	d.timeout.Add(nodeID.Hex())
	d.loop.Schedule(d.timeoutTTL, func() {
		d.timeout.Remove(nodeID.Hex())
	})
}

// IsTimeout reports whether id is currently blacklisted after a recent
// timeout; callers use this to skip a node rather than re-querying it
// immediately.
func (d *Directory) IsTimeout(nodeID id.ID) bool {
	return d.timeout.Has(nodeID.Hex())
}

// Remove evicts id entirely (e.g. on an explicit "gone away" signal).
func (d *Directory) Remove(nodeID id.ID) {
	d.known.Delete(nodeID.Hex())
	d.timeout.Remove(nodeID.Hex())
}

// scheduleSweep re-arms the background refresh with a jittered interval,
// matching peers.cpp's timer_func: tval = TIMER_INTERVAL*drnd() + TIMER_INTERVAL.
func (d *Directory) scheduleSweep() {
	jitter := time.Duration(rand.Int63n(int64(d.timerInterval)))
	next := d.timerInterval + jitter
	d.cancelSweep = d.loop.Schedule(next, func() {
		d.known.DeleteExpired()
		d.scheduleSweep()
	})
}

// Close stops the background sweep.
func (d *Directory) Close() {
	if d.cancelSweep != nil {
		d.cancelSweep()
	}
}

// Count returns the number of currently-known peers, for diagnostics.
func (d *Directory) Count() int {
	return d.known.ItemCount()
}

// Package kademlia implements the XOR-metric routing table and iterative
// lookup shared by the DHT and DTUN engines (spec.md §4.3). Both engines
// embed a *Table and drive lookups with Closest/a Lookup.
//
// The bucket/eviction-ping design is grounded on
// original_source/src/rttable.hpp (bucket capacity, compare-by-XOR-distance,
// timer_ping eviction probes); the Go shape (exported Table, Node, bucketSize
// constant, closest-node accumulation) mirrors p2p/discover/udp.go's own
// table/bucket naming even though that file's table.go was not part of the
// retrieved subset. Closest and Lookup's shortlist both order candidates by
// a direct sort.Slice over the full 20-byte id.ID.Less comparison rather
// than a priority queue, so a close match is never decided by an incidental
// truncation of only part of the ID.
package kademlia

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/cagemesh/overlay/addr"
	"github.com/cagemesh/overlay/id"
	"github.com/cagemesh/overlay/metrics"
	"github.com/cagemesh/overlay/peers"
)

// Node is one routing-table entry: an ID, its last-known endpoint, and when
// it was last confirmed alive.
type Node struct {
	ID       id.ID
	Endpoint addr.Endpoint
	LastSeen time.Time
}

// Pinger is implemented by callers so the table can probe the
// least-recently-seen entry of a full bucket before evicting it in favor of
// a new candidate (rttable.hpp's timer_ping).
type Pinger interface {
	// Ping sends a liveness probe to n and reports the result via alive
	// once the attempt resolves (on the same event-loop goroutine).
	Ping(n Node, alive func(bool))
}

type bucket struct {
	entries *list.List // front = most recently seen
}

func newBucket() *bucket { return &bucket{entries: list.New()} }

// Table is a 160-bit Kademlia routing table: id.Len*8 (160) buckets of up to
// bucketSize entries each, indexed by XOR distance from self.
type Table struct {
	mu      sync.Mutex
	self    id.ID
	buckets [id.Len * 8]*bucket
	size    int
	pinger  Pinger
	dir     *peers.Directory
}

// New creates an empty table for the given local ID. dir is the node's
// shared peer directory; a bucket-eviction ping that times out marks its
// incumbent there (spec.md §4.3: "the incumbent is evicted and marked
// timed-out in the peer directory"). dir may be nil in tests that don't
// exercise eviction.
func New(self id.ID, bucketSize int, pinger Pinger, dir *peers.Directory) *Table {
	t := &Table{self: self, size: bucketSize, pinger: pinger, dir: dir}
	for i := range t.buckets {
		t.buckets[i] = newBucket()
	}
	return t
}

func (t *Table) bucketFor(other id.ID) *bucket {
	idx := id.Index(t.self, other)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(t.buckets) {
		idx = len(t.buckets) - 1
	}
	return t.buckets[idx]
}

// Add records a sighting of n, moving it to the front of its bucket if
// already present. If the bucket is full and n is new, the bucket's
// least-recently-seen entry is pinged; n is added only if that probe fails.
// The local ID itself is never added.
func (t *Table) Add(n Node) {
	if n.ID.Equal(t.self) {
		return
	}
	t.mu.Lock()
	b := t.bucketFor(n.ID)
	for e := b.entries.Front(); e != nil; e = e.Next() {
		if e.Value.(*Node).ID.Equal(n.ID) {
			b.entries.Remove(e)
			n.LastSeen = time.Now()
			b.entries.PushFront(&n)
			t.mu.Unlock()
			return
		}
	}
	if b.entries.Len() < t.size {
		n.LastSeen = time.Now()
		b.entries.PushFront(&n)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	if t.pinger == nil {
		return
	}
	back := b.entries.Back()
	if back == nil {
		return
	}
	oldest := *back.Value.(*Node)
	t.pinger.Ping(oldest, func(alive bool) {
		t.mu.Lock()
		defer t.mu.Unlock()
		if alive {
			// Oldest answered: keep it, refresh its position, drop the candidate.
			for e := b.entries.Front(); e != nil; e = e.Next() {
				if e.Value.(*Node).ID.Equal(oldest.ID) {
					b.entries.Remove(e)
					oldest.LastSeen = time.Now()
					b.entries.PushFront(&oldest)
					return
				}
			}
			return
		}
		for e := b.entries.Front(); e != nil; e = e.Next() {
			if e.Value.(*Node).ID.Equal(oldest.ID) {
				b.entries.Remove(e)
				break
			}
		}
		metrics.KademliaBucketEvictions.Inc(1)
		nn := n
		nn.LastSeen = time.Now()
		b.entries.PushFront(&nn)
		if t.dir != nil {
			t.dir.AddTimeout(oldest.ID)
		}
	})
}

// Remove drops an entry outright (e.g. on a confirmed unreachable signal).
func (t *Table) Remove(nodeID id.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bucketFor(nodeID)
	for e := b.entries.Front(); e != nil; e = e.Next() {
		if e.Value.(*Node).ID.Equal(nodeID) {
			b.entries.Remove(e)
			return
		}
	}
}

// Closest returns up to count nodes ordered by increasing XOR distance from
// target, gathered from every bucket and then sorted. Ordering compares the full 20-byte XOR distance (id.ID.Less), the
// same comparison Lookup.sortShortlist uses, so ties are never decided by an
// incidental truncation of the high-order bytes alone.
func (t *Table) Closest(target id.ID, count int) []Node {
	t.mu.Lock()
	all := make([]Node, 0, t.size)
	for _, b := range t.buckets {
		for e := b.entries.Front(); e != nil; e = e.Next() {
			all = append(all, *e.Value.(*Node))
		}
	}
	t.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].ID.Xor(target).Less(all[j].ID.Xor(target))
	})
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// Len reports the total number of entries across all buckets.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, b := range t.buckets {
		n += b.entries.Len()
	}
	return n
}

package kademlia

import (
	"sort"
	"time"

	"github.com/cagemesh/overlay/eventloop"
	"github.com/cagemesh/overlay/id"
	"github.com/cagemesh/overlay/metrics"
	"github.com/cagemesh/overlay/peers"
)

// QueryFunc issues one find_node/find_value RPC to n and must call result
// exactly once, from the event loop, with the nodes n returned (or ok=false
// on timeout/error).
type QueryFunc func(n Node, result func(found []Node, ok bool))

// Lookup drives an iterative, alpha-parallel Kademlia lookup toward target,
// grounded on original_source/src/dht.hpp's query class (shortlist, sent
// set, num_query, is_find_value) generalized to a standalone engine shared
// by the dht and dtun packages via QueryFunc.
type Lookup struct {
	loop    *eventloop.Loop
	target  id.ID
	alpha   int
	k       int
	timeout time.Duration
	query   QueryFunc
	done    func([]Node)
	dir     *peers.Directory

	shortlist []Node
	queried   map[string]bool
	inflight  map[string]bool
	finished  bool
}

// Start begins an iterative lookup for target, seeded with initial
// candidates (typically Table.Closest(target, k)). done is invoked exactly
// once, with the k closest nodes discovered, when the lookup converges. dir,
// if non-nil, is consulted so a candidate that recently timed out is skipped
// rather than requeried (spec.md §4.3: "not-yet-queried, not-timed-out
// node").
func Start(loop *eventloop.Loop, target id.ID, initial []Node, alpha, k int, timeout time.Duration, dir *peers.Directory, query QueryFunc, done func([]Node)) *Lookup {
	l := &Lookup{
		loop:      loop,
		target:    target,
		alpha:     alpha,
		k:         k,
		timeout:   timeout,
		query:     query,
		done:      done,
		dir:       dir,
		shortlist: append([]Node(nil), initial...),
		queried:   make(map[string]bool),
		inflight:  make(map[string]bool),
	}
	metrics.KademliaLookupsStarted.Inc(1)
	l.sortShortlist()
	l.advance()
	return l
}

func (l *Lookup) sortShortlist() {
	sort.Slice(l.shortlist, func(i, j int) bool {
		return l.shortlist[i].ID.Xor(l.target).Less(l.shortlist[j].ID.Xor(l.target))
	})
	if len(l.shortlist) > l.k {
		l.shortlist = l.shortlist[:l.k]
	}
}

func (l *Lookup) merge(found []Node) {
	for _, n := range found {
		dup := false
		for _, e := range l.shortlist {
			if e.ID.Equal(n.ID) {
				dup = true
				break
			}
		}
		if !dup {
			l.shortlist = append(l.shortlist, n)
		}
	}
	l.sortShortlist()
}

// advance sends queries to up to alpha unqueried, non-inflight candidates
// from the current shortlist, and finishes the lookup once nothing is
// in flight and nothing new remains to query.
func (l *Lookup) advance() {
	if l.finished {
		return
	}
	sent := 0
	for _, n := range l.shortlist {
		if sent >= l.alpha {
			break
		}
		key := n.ID.Hex()
		if l.queried[key] || l.inflight[key] {
			continue
		}
		if l.dir != nil && l.dir.IsTimeout(n.ID) {
			l.queried[key] = true
			continue
		}
		l.sendQuery(n)
		sent++
	}
	if sent == 0 && len(l.inflight) == 0 {
		l.finish()
	}
}

func (l *Lookup) sendQuery(n Node) {
	key := n.ID.Hex()
	l.inflight[key] = true
	timedOut := false
	cancel := l.loop.Schedule(l.timeout, func() {
		timedOut = true
		metrics.KademliaLookupTimeouts.Inc(1)
		delete(l.inflight, key)
		l.queried[key] = true
		l.advance()
	})
	l.query(n, func(found []Node, ok bool) {
		if timedOut {
			return
		}
		cancel()
		delete(l.inflight, key)
		l.queried[key] = true
		if ok {
			l.merge(found)
		}
		l.advance()
	})
}

func (l *Lookup) finish() {
	if l.finished {
		return
	}
	l.finished = true
	out := append([]Node(nil), l.shortlist...)
	if len(out) > l.k {
		out = out[:l.k]
	}
	l.done(out)
}

// Package metrics exposes the overlay's runtime counters through
// github.com/rcrowley/go-metrics, the same registry library the teacher
// wires up for its own peer/tx counters. Engines look up a named counter
// once at construction and increment it inline rather than importing
// go-metrics directly everywhere, keeping the dependency surface in one
// place.
package metrics

import gometrics "github.com/rcrowley/go-metrics"

// Registry is the process-wide metrics registry every overlay counter is
// registered against.
var Registry = gometrics.NewRegistry()

// Counter returns (creating if necessary) the named counter in Registry.
func Counter(name string) gometrics.Counter {
	return gometrics.GetOrRegisterCounter(name, Registry)
}

// Named counters for the hot paths called out in SPEC_FULL.md's DOMAIN
// STACK table. Declared here so call sites don't repeat string literals.
var (
	KademliaLookupsStarted  = Counter("kademlia/lookups/started")
	KademliaLookupTimeouts  = Counter("kademlia/lookups/query_timeouts")
	KademliaBucketEvictions = Counter("kademlia/buckets/evictions")

	RDPRetransmits   = Counter("rdp/segments/retransmits")
	RDPEAKsSent      = Counter("rdp/acks/eak_sent")
	RDPHandshakeRexmit = Counter("rdp/handshake/retransmits")

	DHTQueriesSent   = Counter("dht/queries/sent")
	DHTQueryTimeouts = Counter("dht/queries/timeouts")

	DTUNQueriesSent   = Counter("dtun/queries/sent")
	DTUNQueryTimeouts = Counter("dtun/queries/timeouts")
)
